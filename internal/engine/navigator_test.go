package engine

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/ledger"
	"github.com/sells-group/verity/internal/model"
)

func newTestNavigator(t *testing.T, llm *mockAnthropicClient) *Navigator {
	t.Helper()
	ld, err := ledger.New(testSnapshot())
	require.NoError(t, err)
	return NewNavigator(llm, ld, config.AnthropicConfig{
		NavigatorModel: "claude-haiku-4-5-20251001",
		MaxTokens:      1024,
	})
}

func TestNavigator_Plan_ParsesStructuredReply(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{
		`{"entities":["ACME"],"metrics":["Total Revenue"],"periods":["FY2023"],"relationship":"","vector_hypothesis":"Total revenue for fiscal 2023 was $125.5 million.","keywords":["revenue","FY2023"]}`,
	}}
	nav := newTestNavigator(t, llm)

	plan := nav.Plan(context.Background(), "What was ACME's total revenue in FY2023?", nil)

	assert.Equal(t, []string{"ACME"}, plan.Entities)
	assert.Equal(t, []string{"Total Revenue"}, plan.Metrics)
	assert.Equal(t, []string{"FY2023"}, plan.Periods)
	assert.Equal(t, []string{"revenue", "FY2023"}, plan.Keywords)
	assert.Contains(t, plan.VectorHypothesis, "125.5")

	// The system block carries the snapshot schema so user wording can be
	// mapped onto canonical names, and it is cached across queries.
	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	require.Len(t, req.System, 1)
	assert.Contains(t, req.System[0].Text, "ID_ACME")
	assert.Contains(t, req.System[0].Text, "Acme Corporation")
	assert.Contains(t, req.System[0].Text, "Total Revenue")
	assert.Contains(t, req.System[0].Text, "FY2023")
	require.NotNil(t, req.System[0].CacheControl)
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
	assert.Equal(t, "QUERY: What was ACME's total revenue in FY2023?", req.Messages[0].Content)
}

func TestNavigator_Plan_FencedReply(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{
		"```json\n{\"metrics\":[\"Net Income\"],\"periods\":[\"FY2023\"]}\n```",
	}}
	nav := newTestNavigator(t, llm)

	plan := nav.Plan(context.Background(), "net income last year", nil)
	assert.Equal(t, []string{"Net Income"}, plan.Metrics)
	assert.Equal(t, []string{"FY2023"}, plan.Periods)
}

func TestNavigator_Plan_TransportErrorFallsBack(t *testing.T) {
	llm := &mockAnthropicClient{err: eris.New("api: overloaded")}
	nav := newTestNavigator(t, llm)

	query := "how did total debt change across the last three fiscal years"
	plan := nav.Plan(context.Background(), query, nil)

	assert.Empty(t, plan.Entities)
	assert.Empty(t, plan.Metrics)
	assert.Empty(t, plan.Periods)
	assert.Equal(t, query, plan.VectorHypothesis)
	assert.Equal(t, []string{"how", "did", "total", "debt", "change"}, plan.Keywords,
		"fallback keywords cap at the first five terms")
}

func TestNavigator_Plan_MalformedReplyFallsBack(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{"Sure! Let me think about what to retrieve."}}
	nav := newTestNavigator(t, llm)

	plan := nav.Plan(context.Background(), "ACME revenue", nil)
	assert.Empty(t, plan.Metrics)
	assert.Equal(t, "ACME revenue", plan.VectorHypothesis)
	assert.Equal(t, []string{"ACME", "revenue"}, plan.Keywords)
}

func TestNavigator_Plan_HistoryEmbedded(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{
		`{"entities":["ACME"],"metrics":["Total Revenue"],"periods":["FY2022"]}`,
	}}
	nav := newTestNavigator(t, llm)

	history := []model.SessionMessage{
		{Role: "user", Content: "What was ACME's total revenue in FY2023?"},
		{Role: "assistant", Content: "ACME's FY2023 total revenue was $125.5 million."},
	}
	plan := nav.Plan(context.Background(), "What about 2022?", history)
	assert.Equal(t, []string{"FY2022"}, plan.Periods)

	content := llm.requests[0].Messages[0].Content
	assert.Contains(t, content, "CONVERSATION SO FAR:")
	assert.Contains(t, content, "user: What was ACME's total revenue in FY2023?")
	assert.Contains(t, content, "assistant: ACME's FY2023 total revenue was $125.5 million.")
	assert.Contains(t, content, "QUERY: What about 2022?")
}

func TestNavigator_Plan_DefaultsHypothesisToQuery(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{`{"metrics":["Net Income"]}`}}
	nav := newTestNavigator(t, llm)

	plan := nav.Plan(context.Background(), "ACME net income FY2023", nil)
	assert.Equal(t, "ACME net income FY2023", plan.VectorHypothesis,
		"a plan without a hypothesis steers similarity search with the query itself")
}
