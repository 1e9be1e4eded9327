package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

// Discover looks each term up with the Wikipedia opensearch API and registers
// the matching articles as monitored pages. It returns how many pages were new.
func (m *Monitor) Discover(ctx context.Context, terms []string) (int, error) {
	created := 0
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		titles, urls, err := m.openSearch(ctx, term)
		if err != nil {
			return created, fmt.Errorf("discover %q: %w", term, err)
		}
		for i, pageURL := range urls {
			title := ""
			if i < len(titles) {
				title = titles[i]
			}
			_, isNew, err := m.store.UpsertPage(ctx, crawler.WikiPage{
				Scope:      m.cfg.Scope,
				PageURL:    pageURL,
				PageTitle:  title,
				SearchTerm: term,
				Status:     crawler.PagePending,
				Priority:   discoverPriority(i),
			})
			if err != nil {
				return created, fmt.Errorf("upsert page %s: %w", pageURL, err)
			}
			if isNew {
				created++
			}
		}
	}
	m.logger.Info("wiki discovery finished", zap.Int("terms", len(terms)), zap.Int("created", created))
	return created, nil
}

// discoverPriority favors earlier search hits.
func discoverPriority(rank int) int {
	return crawler.ClampPriority(60 - 5*rank)
}

func (m *Monitor) openSearch(ctx context.Context, term string) ([]string, []string, error) {
	q := url.Values{}
	q.Set("action", "opensearch")
	q.Set("search", term)
	q.Set("limit", fmt.Sprint(m.cfg.DiscoverLimit))
	q.Set("namespace", "0")
	q.Set("format", "json")
	endpoint := fmt.Sprintf("https://%s.wikipedia.org/w/api.php?%s", m.cfg.Language, q.Encode())

	resp, err := m.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     endpoint,
		Headers: http.Header{"Accept": {"application/json"}},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opensearch fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("opensearch status %d", resp.StatusCode)
	}
	return parseOpenSearch(resp.Body)
}

// parseOpenSearch decodes the [term, titles, descriptions, urls] array and
// keeps only article URLs on Wikipedia.
func parseOpenSearch(body []byte) ([]string, []string, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, nil, fmt.Errorf("decode opensearch: %w", err)
	}
	if len(parts) < 4 {
		return nil, nil, fmt.Errorf("decode opensearch: %d elements, want 4", len(parts))
	}
	var titles, urls []string
	if err := json.Unmarshal(parts[1], &titles); err != nil {
		return nil, nil, fmt.Errorf("decode opensearch titles: %w", err)
	}
	if err := json.Unmarshal(parts[3], &urls); err != nil {
		return nil, nil, fmt.Errorf("decode opensearch urls: %w", err)
	}
	var keptTitles, keptURLs []string
	for i, u := range urls {
		if !crawler.IsWikipediaURL(u) {
			continue
		}
		keptURLs = append(keptURLs, u)
		if i < len(titles) {
			keptTitles = append(keptTitles, titles[i])
		} else {
			keptTitles = append(keptTitles, "")
		}
	}
	return keptTitles, keptURLs, nil
}
