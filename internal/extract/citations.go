package extract

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

const (
	maxTitleRunes   = 300
	maxContextRunes = 500
)

// Citation is one reference found on a Wikipedia article.
type Citation struct {
	SourceNumber int
	URL          string
	Title        string
	Context      string
	// Internal marks references that only link back into Wikipedia.
	Internal bool
}

// CitationExtractor harvests references and external links.
type CitationExtractor struct {
	sanitizer *Sanitizer
}

// NewCitationExtractor builds a CitationExtractor.
func NewCitationExtractor() *CitationExtractor {
	return &CitationExtractor{sanitizer: NewSanitizer()}
}

// Extract returns up to limit citations from the numbered reference list and
// the "External links" section, in page order. Source numbers follow the
// reference list, and external links continue the sequence. A URL appears
// once. limit <= 0 means no limit.
func (x *CitationExtractor) Extract(body []byte, pageURL string, limit int) ([]Citation, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w: %w", crawler.ErrExtraction, err)
	}
	pageBase, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	var out []Citation
	seen := make(map[string]struct{})
	number := 0
	full := func() bool { return limit > 0 && len(out) >= limit }
	add := func(c Citation) {
		if _, dup := seen[c.URL]; dup {
			return
		}
		seen[c.URL] = struct{}{}
		out = append(out, c)
	}

	doc.Find("ol.references > li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		number++
		if c, ok := x.reference(li, pageBase, number); ok {
			add(c)
		}
		return !full()
	})
	if full() {
		return out, nil
	}

	externalLinks(doc).Find("li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		a := li.Find("a[href]").First()
		href, _ := a.Attr("href")
		abs := resolve(pageBase, href)
		if abs == "" {
			return true
		}
		number++
		title, _ := a.Html()
		context, _ := li.Html()
		add(Citation{
			SourceNumber: number,
			URL:          abs,
			Title:        x.sanitizer.Text(title, maxTitleRunes),
			Context:      x.sanitizer.Text(context, maxContextRunes),
			Internal:     crawler.IsInternalWikiLink(href),
		})
		return !full()
	})
	return out, nil
}

// reference picks the first external link of a reference, falling back to
// its first internal one.
func (x *CitationExtractor) reference(li *goquery.Selection, pageBase *url.URL, number int) (Citation, bool) {
	text := li.Find(".reference-text")
	if text.Length() == 0 {
		text = li
	}
	var internal *goquery.Selection
	var chosen *goquery.Selection
	text.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if resolve(pageBase, href) == "" {
			return true
		}
		if !crawler.IsInternalWikiLink(href) {
			chosen = a
			return false
		}
		if internal == nil {
			internal = a
		}
		return true
	})
	isInternal := false
	if chosen == nil {
		if internal == nil {
			return Citation{}, false
		}
		chosen, isInternal = internal, true
	}
	href, _ := chosen.Attr("href")

	titleNode := text.Find("cite").First()
	if titleNode.Length() == 0 {
		titleNode = chosen
	}
	title, _ := titleNode.Html()
	context, _ := text.Html()
	return Citation{
		SourceNumber: number,
		URL:          resolve(pageBase, href),
		Title:        x.sanitizer.Text(title, maxTitleRunes),
		Context:      x.sanitizer.Text(context, maxContextRunes),
		Internal:     isInternal,
	}, true
}

// externalLinks returns the lists that follow the "External links" heading,
// for both the current and the legacy heading markup.
func externalLinks(doc *goquery.Document) *goquery.Selection {
	heading := doc.Find("#External_links").First()
	if heading.Length() == 0 {
		return heading
	}
	if h := heading.Closest(".mw-heading"); h.Length() > 0 {
		heading = h
	} else if h := heading.Closest("h2"); h.Length() > 0 {
		heading = h
	}
	return heading.NextUntil("h2, .mw-heading").Filter("ul")
}
