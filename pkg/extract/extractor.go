// Package extract turns fetched HTML into archive content: page metadata, the main
// article as sanitized HTML and a plain-text rendition of the same article.
// It performs no I/O.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/models"
)

// Extraction stages recorded in ExtractionError details
const (
	stageParse    = "parse"
	stageContent  = "content"
	stageSanitize = "sanitize"
	stageText     = "text"
)

// Extractor derives ParsedContent from an HTML document
type Extractor struct {
	sanitizer *Sanitizer
	log       *logrus.Entry
}

// NewExtractor creates an Extractor with the archive sanitization policy
func NewExtractor(log *logrus.Entry) *Extractor {
	return &Extractor{
		sanitizer: NewSanitizer(),
		log:       log,
	}
}

// Extract parses rawHTML fetched from pageURL. ContentHTML in the result is always
// sanitized and ContentText is derived from it. There is no minimum-content threshold:
// a page with no readable text still succeeds with empty content.
func (e *Extractor) Extract(rawHTML, pageURL string) (*models.ParsedContent, error) {
	pageLog := e.log.WithField("url", pageURL)

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, models.NewExtractionError(pageURL, stageParse, fmt.Errorf("invalid page URL: %w", err))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, models.NewExtractionError(pageURL, stageParse, fmt.Errorf("failed to parse HTML: %w", err))
	}

	meta := extractMetadata(doc, base)

	articleTitle, content, err := readabilityArticle(rawHTML, base)
	if err != nil {
		pageLog.Debugf("Readability unavailable (%v), using cleaned body", err)
		content, err = fallbackContent(doc)
		if err != nil {
			return nil, models.NewExtractionError(pageURL, stageContent, err)
		}
	}

	sanitized, err := e.sanitizer.Sanitize(content)
	if err != nil {
		pageLog.Errorf("Sanitization failed: %v", err)
		return nil, models.NewExtractionError(pageURL, stageSanitize, err)
	}

	text, err := htmlToText(sanitized)
	if err != nil {
		return nil, models.NewExtractionError(pageURL, stageText, err)
	}

	title := meta.Title()
	if title == "" {
		title = articleTitle
	}

	pageLog.WithFields(logrus.Fields{
		"title":      title,
		"html_bytes": len(sanitized),
		"text_bytes": len(text),
	}).Debug("Content extracted")

	return &models.ParsedContent{
		ContentHTML: sanitized,
		ContentText: text,
		Title:       title,
		Description: meta.Description(),
		ImageURL:    meta.ImageURL(),
		Metadata: models.Metadata{
			OpenGraph:    meta.OpenGraph,
			Twitter:      meta.Twitter,
			CanonicalURL: meta.CanonicalURL,
			FinalURL:     pageURL,
			ContentType:  models.ContentTypeHTML,
		},
	}, nil
}
