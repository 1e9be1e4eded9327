package scorer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

var topic = crawler.TopicContext{Topic: "heat waves", Entities: []string{"NOAA"}, Keywords: []string{"temperature"}}

type fakeModel struct {
	text   string
	err    error
	prompt string
}

func (m *fakeModel) GenerateJSON(_ context.Context, prompt string) (string, error) {
	m.prompt = prompt
	return m.text, m.err
}

type scorerFunc func(ctx context.Context) (crawler.Score, error)

func (f scorerFunc) Score(ctx context.Context, _ string, _ crawler.TopicContext) (crawler.Score, error) {
	return f(ctx)
}

func TestDecide(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		score crawler.Score
		want  Verdict
	}{
		{"at threshold", crawler.Score{Value: 60}, VerdictSaved},
		{"just below", crawler.Score{Value: 59}, VerdictDenied},
		{"zero", crawler.Score{Value: 0}, VerdictDenied},
		{"default scored", Default(errors.New("down")), VerdictDeferred},
		{"default scored above threshold", crawler.Score{Value: 90, DefaultScored: true}, VerdictDeferred},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Decide(tc.score, DefaultThreshold))
		})
	}
}

func TestGuardedReturnsSentinelOnFailure(t *testing.T) {
	t.Parallel()

	failing := scorerFunc(func(context.Context) (crawler.Score, error) {
		return crawler.Score{}, crawler.ErrScorerUnavailable
	})
	s, err := NewGuarded(failing, 0, nil).Score(context.Background(), "text", topic)
	require.NoError(t, err)
	require.Equal(t, DefaultScore, s.Value)
	require.True(t, s.DefaultScored)
	require.Equal(t, VerdictDeferred, Decide(s, DefaultThreshold))

	outOfRange := scorerFunc(func(context.Context) (crawler.Score, error) {
		return crawler.Score{Value: 140}, nil
	})
	s, err = NewGuarded(outOfRange, 0, nil).Score(context.Background(), "text", topic)
	require.NoError(t, err)
	require.True(t, s.DefaultScored)

	s, err = NewGuarded(nil, 0, nil).Score(context.Background(), "text", topic)
	require.NoError(t, err)
	require.True(t, s.DefaultScored)
}

func TestGuardedAppliesTimeout(t *testing.T) {
	t.Parallel()

	slow := scorerFunc(func(ctx context.Context) (crawler.Score, error) {
		<-ctx.Done()
		return crawler.Score{}, ctx.Err()
	})
	s, err := NewGuarded(slow, 10*time.Millisecond, nil).Score(context.Background(), "text", topic)
	require.NoError(t, err)
	require.True(t, s.DefaultScored)
	require.Contains(t, s.Reason, "deadline exceeded")
}

func TestGuardedPassesThroughRealScores(t *testing.T) {
	t.Parallel()

	ok := scorerFunc(func(context.Context) (crawler.Score, error) {
		return crawler.Score{Value: 72, Reason: "on topic"}, nil
	})
	s, err := NewGuarded(ok, time.Second, nil).Score(context.Background(), "text", topic)
	require.NoError(t, err)
	require.Equal(t, crawler.Score{Value: 72, Reason: "on topic"}, s)
}

func TestGeminiScorer(t *testing.T) {
	t.Parallel()

	model := &fakeModel{text: "```json\n{\"score\": 81, \"reason\": \" covers NOAA data \"}\n```"}
	s, err := NewGeminiScorer(model, 5).Score(context.Background(), "abcdefghij", topic)
	require.NoError(t, err)
	require.Equal(t, crawler.Score{Value: 81, Reason: "covers NOAA data"}, s)
	require.Contains(t, model.prompt, "Topic: heat waves")
	require.Contains(t, model.prompt, "abcde")
	require.NotContains(t, model.prompt, "abcdef")

	_, err = NewGeminiScorer(&fakeModel{text: `{"reason":"no score"}`}, 0).Score(context.Background(), "x", topic)
	require.ErrorIs(t, err, crawler.ErrScorerUnavailable)

	_, err = NewGeminiScorer(&fakeModel{err: errors.New("quota")}, 0).Score(context.Background(), "x", topic)
	require.ErrorIs(t, err, crawler.ErrScorerUnavailable)
}

func TestKeywordScorer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := KeywordScorer{}.Score(ctx, "Heat waves broke temperature records, NOAA said. More heat waves expected.", topic)
	require.NoError(t, err)
	// 3 of 3 terms (70) plus 4 mentions (12).
	require.Equal(t, 82, s.Value)

	s, err = KeywordScorer{}.Score(ctx, "A story about football.", topic)
	require.NoError(t, err)
	require.Zero(t, s.Value)
	require.Equal(t, VerdictDenied, Decide(s, DefaultThreshold))

	_, err = KeywordScorer{}.Score(ctx, "x", crawler.TopicContext{})
	require.ErrorIs(t, err, crawler.ErrScorerUnavailable)
}

func TestGeminiPrioritizer(t *testing.T) {
	t.Parallel()

	in := []crawler.CitationInput{
		{URL: "https://noaa.gov/a", Title: "NOAA"},
		{URL: "https://blog.example.com/b", Title: "Blog"},
	}
	got, err := NewGeminiPrioritizer(&fakeModel{text: `{"scores":[120,-4]}`}).Prioritize(context.Background(), topic, in)
	require.NoError(t, err)
	require.Equal(t, []int{100, 0}, got)

	_, err = NewGeminiPrioritizer(&fakeModel{text: `{"scores":[1]}`}).Prioritize(context.Background(), topic, in)
	require.Error(t, err)
}

func TestHeuristicPrioritizerPrefersPrimarySources(t *testing.T) {
	t.Parallel()

	got, err := HeuristicPrioritizer{}.Prioritize(context.Background(), topic, []crawler.CitationInput{
		{URL: "https://www.noaa.gov/heat/report.pdf", Title: "NOAA heat waves report"},
		{URL: "https://web.archive.org/web/2019/https://a.com/x", Title: "Archived"},
		{URL: "https://blog.example.com/post", Title: "Unrelated"},
	})
	require.NoError(t, err)
	// 40 + 20 (gov) + 5 (pdf) + 20 (two terms)
	require.Equal(t, []int{85, 35, 40}, got)
}

func TestFallbackPrioritizerUsesSecondaryOnError(t *testing.T) {
	t.Parallel()

	in := []crawler.CitationInput{{URL: "https://blog.example.com/post"}}
	p := NewFallbackPrioritizer(NewGeminiPrioritizer(&fakeModel{err: errors.New("down")}), HeuristicPrioritizer{}, nil)
	got, err := p.Prioritize(context.Background(), topic, in)
	require.NoError(t, err)
	require.Equal(t, []int{40}, got)
}
