package simple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyAllowFetch(t *testing.T) {
	t.Parallel()

	p := New(Config{Blocklist: []string{"*.spam.example", "ads.example.com"}, MaxDepth: 2})
	tests := []struct {
		name  string
		url   string
		depth int
		want  bool
	}{
		{"plain article", "https://news.example.com/2025/heat", 1, true},
		{"blocked suffix", "https://www.spam.example/a", 0, false},
		{"blocked bare suffix", "https://spam.example/a", 0, false},
		{"blocked exact", "https://ads.example.com/x", 0, false},
		{"too deep", "https://news.example.com/a", 3, false},
		{"image", "https://news.example.com/photo.JPG", 0, false},
		{"pdf allowed", "https://agency.gov/report.pdf", 0, true},
		{"unparseable", "::::", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.AllowFetch(tc.url, tc.depth))
		})
	}
}

func TestPolicyAllowHeadless(t *testing.T) {
	t.Parallel()

	open := New(Config{})
	require.True(t, open.AllowHeadless("https://app.example.com/", 0))

	restricted := New(Config{HeadlessHosts: []string{"*.spa.example"}, Blocklist: []string{"bad.spa.example"}})
	require.True(t, restricted.AllowHeadless("https://www.spa.example/page", 0))
	require.False(t, restricted.AllowHeadless("https://news.example.com/page", 0))
	require.False(t, restricted.AllowHeadless("https://bad.spa.example/page", 0))
}
