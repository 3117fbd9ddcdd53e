package extract

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

var errEmptyReadability = errors.New("readability extracted empty content")

// readabilityArticle runs Mozilla's Readability algorithm over the full document.
// It returns the article title and body HTML, or an error when nothing usable was found.
func readabilityArticle(rawHTML string, pageURL *url.URL) (title, content string, err error) {
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil {
		return "", "", fmt.Errorf("readability extraction failed: %w", err)
	}

	// Check if we got meaningful content
	if strings.TrimSpace(article.Content) == "" || strings.TrimSpace(article.TextContent) == "" {
		return "", "", errEmptyReadability
	}
	return strings.TrimSpace(article.Title), article.Content, nil
}

// boilerplateSelectors are removed from the body when readability gives up
const boilerplateSelectors = "script, style, noscript, template, nav, header, footer, aside, form, " +
	"[role=navigation], [role=banner], [role=contentinfo], [role=complementary], " +
	"[class*=sidebar], [id*=sidebar], [class*=advert], [id*=advert], [class*=cookie], " +
	".ad, .ads, .share, .social, .related, .comments, #comments"

// contentSelectors are tried in order; the first with text becomes the main content
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	"[itemprop=articleBody]",
	".post-content",
	".entry-content",
	".article-body",
	"#content",
}

// fallbackContent picks the most likely main content element with navigation chrome
// stripped, and the whole cleaned body when no known container is present
func fallbackContent(doc *goquery.Document) (string, error) {
	body := doc.Find("body").First().Clone()
	if body.Length() == 0 {
		return "", nil
	}
	body.Find(boilerplateSelectors).Remove()

	content := body
	for _, sel := range contentSelectors {
		candidate := body.Find(sel).First()
		if candidate.Length() > 0 && strings.TrimSpace(candidate.Text()) != "" {
			content = candidate
			break
		}
	}

	html, err := content.Html()
	if err != nil {
		return "", fmt.Errorf("failed to render fallback content: %w", err)
	}
	return html, nil
}
