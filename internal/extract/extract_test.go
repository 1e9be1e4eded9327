package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

const articlePage = `<!doctype html>
<html lang="en-US">
<head><title>Fallback title</title><meta property="og:title" content="Heat waves are getting longer"></head>
<body>
<nav><p>Home | World | Climate | Politics | Business | Opinion | Sports | Weather</p></nav>
<header><p>Subscribe today to get unlimited access to all of our reporting.</p></header>
<div class="layout">
  <aside><p>Related: ten things you did not know about heat and its effects on sleep.</p></aside>
  <article>
    <h1>Heat waves are getting longer</h1>
    <p>Heat waves across the northern hemisphere are lasting longer than they did three decades ago, researchers said.</p>
    <p>The study, published on Tuesday, tracked daily maximum temperatures at more than four thousand weather stations.</p>
    <p>Short.</p>
    <p><a href="/a">One</a> <a href="/b">two</a> <a href="/c">three links that dominate this whole paragraph text</a> ok</p>
    <p>Cities with little tree cover saw the steepest increases, according to <a href="https://example.org/report">the report</a>.</p>
  </article>
</div>
<footer><p>Copyright 2025 Example News. All rights reserved worldwide.</p></footer>
<script>var x = "<p>not text at all, it is a script body and should vanish</p>";</script>
</body></html>`

func TestArticleExtractorFindsMainContent(t *testing.T) {
	t.Parallel()

	x := NewArticleExtractor(Options{})
	article, err := x.Extract([]byte(articlePage), "https://news.example.com/climate/heat")
	require.NoError(t, err)

	require.Equal(t, "Heat waves are getting longer", article.Title)
	require.Equal(t, "en", article.Language)
	require.Equal(t, 3, article.Paragraphs)
	require.Contains(t, article.Text, "four thousand weather stations")
	require.NotContains(t, article.Text, "Subscribe today")
	require.NotContains(t, article.Text, "Copyright")
	require.NotContains(t, article.Text, "script body")
	require.NotContains(t, article.Text, "three links")
	require.Contains(t, article.Markdown, "[the report](https://example.org/report)")

	require.Contains(t, article.Links, "https://news.example.com/a")
	require.Contains(t, article.Links, "https://example.org/report")
}

func TestArticleExtractorRejectsEmptyPages(t *testing.T) {
	t.Parallel()

	x := NewArticleExtractor(Options{})
	_, err := x.Extract([]byte(`<html><body><nav><p>Only navigation text lives on this page, nothing else.</p></nav></body></html>`), "https://a.com/x")
	require.ErrorIs(t, err, crawler.ErrExtraction)
}

const wikiPage = `<html><body>
<div class="mw-content-ltr">
<p>Climate change is the long-term shift in temperatures.<sup class="reference"><a href="#cite_note-1">[1]</a></sup></p>
<div class="mw-heading mw-heading2"><h2 id="References">References</h2></div>
<div class="reflist"><div class="mw-references-wrap"><ol class="references">
<li id="cite_note-1"><span class="mw-cite-backlink"><a href="#cite_ref-1">^</a></span>
  <span class="reference-text"><cite class="citation web"><a rel="nofollow" class="external text" href="https://www.ipcc.ch/report/ar6/syr/">Synthesis Report &amp; Summary</a>. <i>IPCC</i>.</cite></span></li>
<li id="cite_note-2"><span class="mw-cite-backlink"><a href="#cite_ref-2">^</a></span>
  <span class="reference-text"><a href="/wiki/Global_warming_potential" title="Global warming potential">Global warming potential</a> explained.</span></li>
<li id="cite_note-3"><span class="mw-cite-backlink"><a href="#cite_ref-3">^</a></span>
  <span class="reference-text">Smith, J. (2019). A book with no link.</span></li>
<li id="cite_note-4"><span class="mw-cite-backlink"><a href="#cite_ref-4">^</a></span>
  <span class="reference-text"><a href="/wiki/NASA">NASA</a> <a class="external text" href="https://climate.nasa.gov/evidence/">Evidence</a></span></li>
<li id="cite_note-5"><span class="reference-text"><a class="external text" href="https://www.ipcc.ch/report/ar6/syr/">Same report again</a></span></li>
</ol></div></div>
<div class="mw-heading mw-heading2"><h2 id="External_links">External links</h2></div>
<ul>
<li><a rel="nofollow" class="external text" href="https://www.noaa.gov/climate">NOAA Climate</a> portal</li>
<li><a href="https://commons.wikimedia.org/wiki/Category:Climate_change">Media</a> on Commons</li>
</ul>
<div class="mw-heading mw-heading2"><h2 id="Notes">Notes</h2></div>
<ul><li><a href="https://after.example.com/x">not an external link</a></li></ul>
</div>
</body></html>`

func TestCitationExtractorReferencesAndExternalLinks(t *testing.T) {
	t.Parallel()

	x := NewCitationExtractor()
	got, err := x.Extract([]byte(wikiPage), "https://en.wikipedia.org/wiki/Climate_change", 0)
	require.NoError(t, err)
	require.Len(t, got, 5)

	require.Equal(t, Citation{
		SourceNumber: 1,
		URL:          "https://www.ipcc.ch/report/ar6/syr/",
		Title:        "Synthesis Report & Summary. IPCC.",
		Context:      "Synthesis Report & Summary. IPCC.",
	}, got[0])

	require.Equal(t, 2, got[1].SourceNumber)
	require.Equal(t, "https://en.wikipedia.org/wiki/Global_warming_potential", got[1].URL)
	require.True(t, got[1].Internal)

	require.Equal(t, 4, got[2].SourceNumber)
	require.Equal(t, "https://climate.nasa.gov/evidence/", got[2].URL)
	require.False(t, got[2].Internal)

	require.Equal(t, 6, got[3].SourceNumber)
	require.Equal(t, "https://www.noaa.gov/climate", got[3].URL)
	require.Equal(t, "NOAA Climate", got[3].Title)
	require.Equal(t, "NOAA Climate portal", got[3].Context)

	require.True(t, got[4].Internal)
	for _, c := range got {
		require.NotContains(t, c.URL, "after.example.com")
	}
}

func TestCitationExtractorLimit(t *testing.T) {
	t.Parallel()

	got, err := NewCitationExtractor().Extract([]byte(wikiPage), "https://en.wikipedia.org/wiki/Climate_change", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestSanitizerText(t *testing.T) {
	t.Parallel()

	s := NewSanitizer()
	require.Equal(t, "Tom & Jerry say hi", s.Text(`<b>Tom &amp; Jerry</b> <script>alert(1)</script>say   hi`, 0))
	require.Equal(t, "abc", s.Text("abcdef", 3))
	require.Equal(t, 10, len([]rune(s.Text(strings.Repeat("é", 20), 10))))
}
