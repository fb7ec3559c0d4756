package extract

import (
	"bytes"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// ArticleExtractor parses a single article page into one normalized record.
// The fingerprint covers account, link and title, so the same article
// reached through different listing pages collapses to one record.
type ArticleExtractor struct {
	hasher crawler.Hasher
}

// Extract implements crawler.Extractor.
func (e *ArticleExtractor) Extract(result crawler.FetchResult) ([]crawler.Record, []crawler.Target, error) {
	if len(result.Body) == 0 {
		return nil, nil, &crawler.ParseError{
			Kind: result.Target.Kind,
			URL:  result.Target.URL,
			Err:  errors.New("empty article body"),
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.Body))
	if err != nil {
		return nil, nil, &crawler.ParseError{Kind: result.Target.Kind, URL: result.Target.URL, Err: err}
	}

	title := strings.TrimSpace(doc.Find("#activity-name").First().Text())
	if title == "" {
		title = result.Target.Title
	}

	content := extractParagraphs(doc)
	if title == "" && content == "" {
		return nil, nil, &crawler.ParseError{
			Kind: result.Target.Kind,
			URL:  result.Target.URL,
			Err:  errors.New("document has neither title nor content"),
		}
	}

	fingerprint, err := e.hasher.Hash([]byte(result.Target.Account + "|" + result.Target.URL + "|" + title))
	if err != nil {
		return nil, nil, &crawler.ParseError{Kind: result.Target.Kind, URL: result.Target.URL, Err: err}
	}

	record := crawler.Record{
		Fingerprint: fingerprint,
		Account:     result.Target.Account,
		Title:       title,
		Link:        result.Target.URL,
		PublishedAt: result.Target.PublishedAt,
		Content:     content,
		CollectedAt: result.FetchedAt,
	}
	return []crawler.Record{record}, nil, nil
}

// extractParagraphs joins the article body paragraphs. The platform renders
// body text inside #js_content; pages without it (deleted or migrated
// articles) fall back to all paragraph text.
func extractParagraphs(doc *goquery.Document) string {
	var parts []string
	root := doc.Find("#js_content")
	if root.Length() == 0 {
		root = doc.Selection
	}
	root.Find("p").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n")
}
