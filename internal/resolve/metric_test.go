package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/ledger"
	"github.com/sells-group/verity/internal/model"
)

// mockEmbedder implements jina.Client for testing.
type mockEmbedder struct {
	vectors   [][]float32
	err       error
	calls     int
	lastTexts []string
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	m.lastTexts = texts
	if m.err != nil {
		return nil, m.err
	}
	return m.vectors, nil
}

func testVocabulary() []string {
	return []string{"Revenue", "Net Income", "Operating Margin", "Legal Proceedings"}
}

func newTestSelector(embed *mockEmbedder) *MetricSelector {
	return NewMetricSelector(embed, testVocabulary(), newTestIndex(), config.RetrievalConfig{
		TopKMetrics:         5,
		MinMetricSimilarity: 0.30,
	})
}

func TestMetricSelector_ExactHitSkipsEmbedding(t *testing.T) {
	embed := &mockEmbedder{}
	s := newTestSelector(embed)

	matches, err := s.Select(context.Background(), "Revenue", "ignored hypothesis")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Revenue", matches[0].Metric)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Zero(t, embed.calls)
}

func TestMetricSelector_FoldedHit(t *testing.T) {
	embed := &mockEmbedder{}
	s := newTestSelector(embed)

	matches, err := s.Select(context.Background(), "net income", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Net Income", matches[0].Metric)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Zero(t, embed.calls)
}

func TestMetricSelector_EmptyMention(t *testing.T) {
	embed := &mockEmbedder{}
	s := newTestSelector(embed)

	matches, err := s.Select(context.Background(), "  ", "hypothesis")
	require.NoError(t, err)
	assert.Nil(t, matches)
	assert.Zero(t, embed.calls)
}

func TestMetricSelector_VectorSearch(t *testing.T) {
	embed := &mockEmbedder{vectors: [][]float32{{1, 0.2, 0}}}
	s := newTestSelector(embed)

	matches, err := s.Select(context.Background(), "total sales", "Revenue for FY2023 was $125.5 million")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "Revenue", matches[0].Metric)
	assert.Equal(t, 1, embed.calls)

	// Mention and hypothesis are embedded as one text.
	require.Len(t, embed.lastTexts, 1)
	assert.Equal(t, "total sales Revenue for FY2023 was $125.5 million", embed.lastTexts[0])
}

func TestMetricSelector_MentionOnlyWhenNoHypothesis(t *testing.T) {
	embed := &mockEmbedder{vectors: [][]float32{{0, 1, 0}}}
	s := newTestSelector(embed)

	matches, err := s.Select(context.Background(), "profit", "")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "Net Income", matches[0].Metric)
	require.Len(t, embed.lastTexts, 1)
	assert.Equal(t, "profit", embed.lastTexts[0])
}

func TestMetricSelector_MetricGap(t *testing.T) {
	// Orthogonal to every vocab vector: nothing clears the floor.
	embed := &mockEmbedder{vectors: [][]float32{{0, 0, 0.0001}}}
	s := NewMetricSelector(embed, testVocabulary(), NewVocabIndex([]ledger.VocabEntry{
		{Metric: "Revenue", Vector: []float32{1, 0, 0}},
		{Metric: "Net Income", Vector: []float32{0, 1, 0}},
	}), config.RetrievalConfig{TopKMetrics: 5, MinMetricSimilarity: 0.30})

	matches, err := s.Select(context.Background(), "headcount", "")
	require.Error(t, err)
	assert.Nil(t, matches)
	assert.True(t, model.IsFailure(err, model.FailureMetricGap))
	assert.Contains(t, err.Error(), "headcount")
}

func TestMetricSelector_EmbedError(t *testing.T) {
	embed := &mockEmbedder{err: errors.New("boom")}
	s := newTestSelector(embed)

	matches, err := s.Select(context.Background(), "total sales", "")
	require.Error(t, err)
	assert.Nil(t, matches)
	assert.False(t, model.IsFailure(err, model.FailureMetricGap), "transport errors are not metric gaps")
}

func TestMetricSelector_NoVectorReturned(t *testing.T) {
	embed := &mockEmbedder{vectors: [][]float32{}}
	s := newTestSelector(embed)

	_, err := s.Select(context.Background(), "total sales", "")
	require.Error(t, err)
}

func TestMetricSelector_LexicalFallbackWithoutIndex(t *testing.T) {
	embed := &mockEmbedder{}
	s := NewMetricSelector(embed, testVocabulary(), NewVocabIndex(nil), config.RetrievalConfig{
		TopKMetrics:         5,
		MinMetricSimilarity: 0.30,
	})

	matches, err := s.Select(context.Background(), "income", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Net Income", matches[0].Metric)
	assert.Zero(t, embed.calls, "fallback never embeds")
}

func TestMetricSelector_LexicalFallbackGap(t *testing.T) {
	s := NewMetricSelector(&mockEmbedder{}, testVocabulary(), nil, config.RetrievalConfig{
		TopKMetrics: 5,
	})

	_, err := s.Select(context.Background(), "headcount", "")
	require.Error(t, err)
	assert.True(t, model.IsFailure(err, model.FailureMetricGap))
}

func TestMetricSelector_LexicalFallbackRanking(t *testing.T) {
	vocab := []string{"Revenue", "Deferred Revenue", "Total Revenue Growth Rate"}
	s := NewMetricSelector(&mockEmbedder{}, vocab, nil, config.RetrievalConfig{TopKMetrics: 2})

	// "revenue" folds to an exact vocabulary hit, so probe a non-vocab
	// mention that still contains one: each name contains "revenu".
	matches, err := s.Select(context.Background(), "revenu", "")
	require.NoError(t, err)
	require.Len(t, matches, 2, "top-k bound applies to the fallback too")
	assert.Equal(t, "Revenue", matches[0].Metric, "tightest containment ranks first")
	assert.Equal(t, "Deferred Revenue", matches[1].Metric)
}
