// Package extract pulls the main article out of an HTML page and harvests
// citations from Wikipedia articles.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

var noiseSelectors = []string{
	"script", "style", "noscript", "iframe", "svg", "form", "nav", "header", "footer", "aside",
	"link[rel='stylesheet']", "[role='navigation']", "[aria-hidden='true']",
	"[class*='advert']", "[id*='advert']", "[class*='sponsor']", "[class*='cookie']",
	"[class*='newsletter']", "[class*='related']", "[class*='share']",
}

// Options tunes article extraction.
type Options struct {
	// MinParagraphChars drops shorter paragraphs (captions, bylines).
	MinParagraphChars int
	// MaxLinkDensity drops paragraphs that are mostly anchor text.
	MaxLinkDensity float64
}

// ArticleExtractor finds the densest paragraph container on a page.
type ArticleExtractor struct {
	opts Options
	md   *converter.Converter
}

// NewArticleExtractor builds an extractor. Zero options get defaults.
func NewArticleExtractor(opts Options) *ArticleExtractor {
	if opts.MinParagraphChars <= 0 {
		opts.MinParagraphChars = 40
	}
	if opts.MaxLinkDensity <= 0 {
		opts.MaxLinkDensity = 0.5
	}
	return &ArticleExtractor{
		opts: opts,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

var _ crawler.Extractor = (*ArticleExtractor)(nil)

// Extract returns the page's main article. It fails with crawler.ErrExtraction
// when no paragraph survives boilerplate removal.
func (e *ArticleExtractor) Extract(body []byte, pageURL string) (crawler.Article, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Article{}, fmt.Errorf("parse html: %w: %w", crawler.ErrExtraction, err)
	}
	pageBase, _ := url.Parse(pageURL)

	article := crawler.Article{
		Title:    pageTitle(doc),
		Language: pageLanguage(doc),
		Links:    Links(doc, pageBase),
	}

	for _, sel := range noiseSelectors {
		doc.Find(sel).Remove()
	}

	root := e.densestContainer(doc)
	if root == nil {
		return article, fmt.Errorf("no article paragraphs: %w", crawler.ErrExtraction)
	}

	var paragraphs []string
	root.Find("p, li").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "li" && s.Find("p").Length() > 0 {
			return
		}
		text, ok := e.paragraphText(s)
		if ok {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) == 0 {
		return article, fmt.Errorf("no article paragraphs: %w", crawler.ErrExtraction)
	}
	article.Paragraphs = len(paragraphs)
	article.Text = strings.Join(paragraphs, "\n\n")

	fragment, err := goquery.OuterHtml(root)
	if err == nil {
		article.Markdown = e.markdown(fragment, pageURL, article.Text)
	} else {
		article.Markdown = article.Text
	}
	return article, nil
}

// densestContainer scores each paragraph's parent by its text length, with a
// half share to the grandparent, and returns the best scorer.
func (e *ArticleExtractor) densestContainer(doc *goquery.Document) *goquery.Selection {
	scores := make(map[*html.Node]int)
	var order []*html.Node
	add := func(n *html.Node, v int) {
		if _, ok := scores[n]; !ok {
			order = append(order, n)
		}
		scores[n] += v
	}
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		text, ok := e.paragraphText(s)
		if !ok {
			return
		}
		parent := s.Parent()
		if parent.Length() == 0 {
			return
		}
		add(parent.Get(0), len(text))
		if grand := parent.Parent(); grand.Length() > 0 {
			add(grand.Get(0), len(text)/2)
		}
	})
	var (
		best      *html.Node
		bestScore int
	)
	for _, node := range order {
		if score := scores[node]; score > bestScore {
			best, bestScore = node, score
		}
	}
	if best == nil {
		return nil
	}
	return goquery.NewDocumentFromNode(best).Selection
}

func (e *ArticleExtractor) paragraphText(s *goquery.Selection) (string, bool) {
	text := collapseSpace(s.Text())
	if len(text) < e.opts.MinParagraphChars {
		return "", false
	}
	linkText := 0
	for _, n := range s.Find("a").Nodes {
		linkText += len(collapseSpace(nodeText(n)))
	}
	if float64(linkText)/float64(len(text)) > e.opts.MaxLinkDensity {
		return "", false
	}
	return text, true
}

func (e *ArticleExtractor) markdown(fragment, pageURL, fallback string) string {
	out, err := e.md.ConvertString(fragment, converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return strings.TrimSpace(out)
}

func pageTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		return collapseSpace(og)
	}
	if t := collapseSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return collapseSpace(doc.Find("h1").First().Text())
}

func pageLanguage(doc *goquery.Document) string {
	lang, _ := doc.Find("html").Attr("lang")
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// Links returns absolute, de-duplicated http(s) links in document order.
func Links(doc *goquery.Document, base *url.URL) []string {
	var out []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	ref.Fragment = ""
	return ref.String()
}

// nodeText concatenates the text nodes under n.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
