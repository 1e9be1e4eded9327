package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostMatcher(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		m := NewHostMatcher([]string{"example.org"})
		require.True(t, m.Match("example.org"))
		require.True(t, m.Match("www.example.org"))
		require.False(t, m.Match("sub.example.org"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		m := NewHostMatcher([]string{"*.gov", ".ourworldindata.org"})
		cases := []struct {
			host  string
			match bool
		}{
			{"census.gov", true},
			{"data.census.gov", true},
			{"gov", true},
			{"ourworldindata.org", true},
			{"example.com", false},
		}
		for _, tc := range cases {
			require.Equal(t, tc.match, m.Match(tc.host), tc.host)
		}
	})

	t.Run("nil matcher", func(t *testing.T) {
		t.Parallel()
		var m *HostMatcher
		require.False(t, m.Match("anything"))
		require.True(t, m.Empty())
	})
}
