package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sriram-PR/link-archiver/pkg/models"
)

// pageMetadata is everything read from <head> before content extraction
type pageMetadata struct {
	OpenGraph    *models.OpenGraph
	Twitter      *models.TwitterCard
	CanonicalURL *string

	HTMLTitle       string
	HTMLDescription string
	ImageSrc        string // <link rel="image_src">
}

// Title applies the OpenGraph, Twitter, <title> priority
func (m *pageMetadata) Title() string {
	if m.OpenGraph != nil && m.OpenGraph.Title != "" {
		return m.OpenGraph.Title
	}
	if m.Twitter != nil && m.Twitter.Title != "" {
		return m.Twitter.Title
	}
	return m.HTMLTitle
}

// Description applies the OpenGraph, Twitter, <meta name=description> priority
func (m *pageMetadata) Description() string {
	if m.OpenGraph != nil && m.OpenGraph.Description != "" {
		return m.OpenGraph.Description
	}
	if m.Twitter != nil && m.Twitter.Description != "" {
		return m.Twitter.Description
	}
	return m.HTMLDescription
}

// ImageURL applies the OpenGraph, Twitter, image_src priority
func (m *pageMetadata) ImageURL() string {
	if m.OpenGraph != nil && m.OpenGraph.Image != "" {
		return m.OpenGraph.Image
	}
	if m.Twitter != nil && m.Twitter.Image != "" {
		return m.Twitter.Image
	}
	return m.ImageSrc
}

func extractMetadata(doc *goquery.Document, base *url.URL) *pageMetadata {
	meta := &pageMetadata{
		HTMLTitle:       collapseSpace(doc.Find("head title").First().Text()),
		HTMLDescription: metaContent(doc, "name", "description"),
		ImageSrc:        absoluteURL(base, attr(doc, `link[rel="image_src"]`, "href")),
	}
	if meta.HTMLTitle == "" {
		meta.HTMLTitle = collapseSpace(doc.Find("title").First().Text())
	}

	og := &models.OpenGraph{
		Title:       ogContent(doc, "og:title"),
		Description: ogContent(doc, "og:description"),
		Image:       absoluteURL(base, ogContent(doc, "og:image")),
		Type:        ogContent(doc, "og:type"),
		URL:         absoluteURL(base, ogContent(doc, "og:url")),
	}
	if *og != (models.OpenGraph{}) {
		meta.OpenGraph = og
	}

	tw := &models.TwitterCard{
		Card:        twitterContent(doc, "twitter:card"),
		Title:       twitterContent(doc, "twitter:title"),
		Description: twitterContent(doc, "twitter:description"),
		Image:       absoluteURL(base, twitterContent(doc, "twitter:image")),
	}
	if *tw != (models.TwitterCard{}) {
		meta.Twitter = tw
	}

	if canonical := absoluteURL(base, attr(doc, `link[rel="canonical"]`, "href")); canonical != "" {
		meta.CanonicalURL = &canonical
	}

	return meta
}

// ogContent reads an OpenGraph tag; sites use both property= and name=
func ogContent(doc *goquery.Document, key string) string {
	if v := metaContent(doc, "property", key); v != "" {
		return v
	}
	return metaContent(doc, "name", key)
}

// twitterContent reads a Twitter Card tag; sites use both name= and property=
func twitterContent(doc *goquery.Document, key string) string {
	if v := metaContent(doc, "name", key); v != "" {
		return v
	}
	return metaContent(doc, "property", key)
}

func metaContent(doc *goquery.Document, attrName, key string) string {
	var value string
	doc.Find("meta[" + attrName + "]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if name, _ := s.Attr(attrName); strings.EqualFold(strings.TrimSpace(name), key) {
			value = collapseSpace(s.AttrOr("content", ""))
			return value == ""
		}
		return true
	})
	return value
}

func attr(doc *goquery.Document, selector, name string) string {
	return strings.TrimSpace(doc.Find(selector).First().AttrOr(name, ""))
}

// absoluteURL resolves ref against base and keeps it only when it is http(s)
func absoluteURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	return parsed.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
