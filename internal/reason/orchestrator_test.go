package reason

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verity/internal/assemble"
	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/ledger"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/internal/sandbox"
)

const (
	planDirectReply  = `{"plan":[{"claim":"FY2023 revenue appears in the fact table","source":"rows"}],"requires_computation":false}`
	planComputeReply = `{"plan":[{"claim":"growth rate must be computed from the two revenue rows","source":"rows"}],"requires_computation":true,"code":"print((row_2 - row_1) / row_1 * 100)"}`
	synGroundedReply = `{"answer":"ACME's FY2023 revenue was $125.5 million.","data_source_type":"GROUNDED","citations":["r1","c1"],"groundedness_score":0.95}`

	garbageReply = "Sure! Let me walk you through my thinking first."
)

func fptr(v float64) *float64 { return &v }

func testBundle(t *testing.T) *assemble.Bundle {
	t.Helper()
	facts := []model.FactRecord{
		{
			RowID: "r1", EntityPrimary: "ACME_CORP", MetricName: "Revenue",
			Value: fptr(125.5), Unit: model.UnitUSD, ScaleFactor: 1e6,
			Period: "FY2023", SourceChunkID: "c1", Confidence: model.ConfidenceTable,
		},
		{
			RowID: "r2", EntityPrimary: "ACME_CORP", MetricName: "Revenue",
			Value: fptr(118.2), Unit: model.UnitUSD, ScaleFactor: 1e6,
			Period: "FY2022", SourceChunkID: "c1", Confidence: model.ConfidenceTable,
		},
	}
	ld, err := ledger.New(&ledger.Snapshot{
		Version: "snap-test",
		Facts:   facts,
		Chunks: []model.TextChunk{{
			ChunkID:      "c1",
			Text:         "Revenue was $125.5 million in FY2023, up from $118.2 million.",
			SectionPath:  []string{"Income Statement"},
			ContainsRows: []string{"r1", "r2"},
		}},
	})
	require.NoError(t, err)

	b, err := assemble.Assemble(facts, model.RetrievalPlan{}, ld,
		config.AssemblerConfig{MaxRows: 40, MaxChunks: 5})
	require.NoError(t, err)
	return b
}

func newTestOrchestrator(llm *mockAnthropicClient) *Orchestrator {
	runner := sandbox.NewRunner(config.SandboxConfig{Timeout: 2 * time.Second, MaxSteps: 200_000})
	return NewOrchestrator(llm, runner, config.AnthropicConfig{
		PlanningModel:  "claude-sonnet-4-5-20250929",
		SynthesisModel: "claude-sonnet-4-5-20250929",
		MaxTokens:      1024,
	})
}

func TestOrchestrator_DirectAnswer(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{planDirectReply, synGroundedReply}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", testBundle(t))
	require.NoError(t, err)

	assert.Equal(t, model.DataSourceGrounded, res.Synthesis.DataSourceType)
	assert.Equal(t, []string{"r1", "c1"}, res.Synthesis.Citations)
	assert.InDelta(t, 0.95, res.Synthesis.GroundednessScore, 1e-9)
	assert.Nil(t, res.Execution)
	assert.Empty(t, res.ExecutionErr)
	assert.Empty(t, res.Misalignment)
	require.Len(t, res.Trace.Plan, 1)
	assert.Equal(t, model.SourceRows, res.Trace.Plan[0].Source)

	require.Len(t, res.Phases, 2)
	assert.Equal(t, PhasePlanning, res.Phases[0].Phase)
	assert.Equal(t, PhaseSynthesizing, res.Phases[1].Phase)
	require.Len(t, llm.requests, 2)
}

func TestOrchestrator_SharedCachedSystemPrefix(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{planDirectReply, synGroundedReply}}
	o := newTestOrchestrator(llm)
	bundle := testBundle(t)

	_, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", bundle)
	require.NoError(t, err)

	require.Len(t, llm.requests, 2)
	for _, req := range llm.requests {
		require.Len(t, req.System, 1)
		assert.Equal(t, bundle.Render(), req.System[0].Text)
		require.NotNil(t, req.System[0].CacheControl)
		assert.Equal(t, "5m", req.System[0].CacheControl.TTL)
		require.NotNil(t, req.Temperature)
	}
	// Byte-identical prefix is what makes the second call a cache hit.
	assert.Equal(t, llm.requests[0].System[0].Text, llm.requests[1].System[0].Text)
}

func TestOrchestrator_ComputationPath(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{planComputeReply, synGroundedReply}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "How much did revenue grow from FY2022 to FY2023?", testBundle(t))
	require.NoError(t, err)

	// Bundle rows sort FY2022 before FY2023, so row_1 is the prior year.
	require.NotNil(t, res.Execution)
	assert.Contains(t, res.Execution.Output, "6.17")
	assert.Empty(t, res.ExecutionErr)

	require.Len(t, res.Phases, 3)
	assert.Equal(t, PhaseExecuting, res.Phases[1].Phase)

	// The synthesis call sees the computed output.
	require.Len(t, llm.requests, 2)
	synthUser := llm.requests[1].Messages[0].Content
	assert.Contains(t, synthUser, "COMPUTATION OUTPUT: 6.17")
	assert.Contains(t, synthUser, "COMPUTATION ERROR: (none)")
}

func TestOrchestrator_MissingInfoSkipsExecution(t *testing.T) {
	planMissing := `{"plan":[],"requires_computation":true,"code":"print(1)","missing_info":"the filings contain no FY2024 figures"}`
	synMissing := `{"answer":"The provided filings do not contain FY2024 figures.","data_source_type":"INTERNAL_KNOWLEDGE","groundedness_score":0.1,"self_aware_warning":true}`
	llm := &mockAnthropicClient{replies: []string{planMissing, synMissing}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "What was ACME's FY2024 revenue?", testBundle(t))
	require.NoError(t, err)

	// missing_info wins over requires_computation: nothing runs.
	assert.Nil(t, res.Execution)
	require.Len(t, res.Phases, 2)
	assert.Equal(t, PhaseSynthesizing, res.Phases[1].Phase)

	synthUser := llm.requests[1].Messages[0].Content
	assert.Contains(t, synthUser, "MISSING INFO: the filings contain no FY2024 figures")
	assert.Contains(t, synthUser, "COMPUTATION OUTPUT: (none)")
	assert.Equal(t, model.DataSourceInternalKnowledge, res.Synthesis.DataSourceType)
}

func TestOrchestrator_PlanningRetrySucceeds(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{garbageReply, planDirectReply, synGroundedReply}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", testBundle(t))
	require.NoError(t, err)
	assert.Equal(t, model.DataSourceGrounded, res.Synthesis.DataSourceType)

	require.Len(t, llm.requests, 3)
	assert.True(t, strings.HasSuffix(llm.requests[1].Messages[0].Content, strictRetryNote),
		"retry appends the stricter formatting note")
}

func TestOrchestrator_PlanningFailsAfterRetry(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{garbageReply, "still not json"}}
	o := newTestOrchestrator(llm)

	_, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", testBundle(t))
	require.Error(t, err)
	assert.True(t, model.IsFailure(err, model.FailureReasoning))
	assert.Len(t, llm.requests, 2)
}

func TestOrchestrator_SynthesisRetrySucceeds(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{planDirectReply, garbageReply, synGroundedReply}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", testBundle(t))
	require.NoError(t, err)
	assert.Equal(t, "ACME's FY2023 revenue was $125.5 million.", res.Synthesis.Answer)
	assert.Len(t, llm.requests, 3)
}

func TestOrchestrator_SynthesisFailsAfterRetry(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{planDirectReply, garbageReply, "still not json"}}
	o := newTestOrchestrator(llm)

	_, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", testBundle(t))
	require.Error(t, err)
	assert.True(t, model.IsFailure(err, model.FailureReasoning))
	assert.Len(t, llm.requests, 3)
}

func TestOrchestrator_ExecutionFailureDegrades(t *testing.T) {
	planBad := `{"plan":[{"claim":"needs arithmetic","source":"rows"}],"requires_computation":true,"code":"print(no_such_row)"}`
	llm := &mockAnthropicClient{replies: []string{planBad, synGroundedReply}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "How much did revenue grow?", testBundle(t))
	require.NoError(t, err, "a failed computation degrades, it does not abort")

	assert.Nil(t, res.Execution)
	assert.Contains(t, res.ExecutionErr, "no_such_row")

	// The synthesis call is told about the failure and the self-reported
	// score is capped.
	synthUser := llm.requests[1].Messages[0].Content
	assert.Contains(t, synthUser, "COMPUTATION ERROR:")
	assert.Contains(t, synthUser, "no_such_row")
	assert.Equal(t, 0.5, res.Synthesis.GroundednessScore)

	require.Len(t, res.Phases, 3)
	assert.Equal(t, PhaseExecuting, res.Phases[1].Phase)
}

func TestOrchestrator_GroundedWithoutCitationsDowngraded(t *testing.T) {
	synNoCites := `{"answer":"Revenue was $125.5 million.","data_source_type":"GROUNDED","citations":[],"groundedness_score":0.9}`
	llm := &mockAnthropicClient{replies: []string{planDirectReply, synNoCites}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", testBundle(t))
	require.NoError(t, err)

	assert.Equal(t, model.DataSourceInternalKnowledge, res.Synthesis.DataSourceType)
	assert.True(t, res.Synthesis.SelfAwareWarning)
	// The declared score stays on record; the sentinel is the gate that
	// catches the mismatch.
	assert.InDelta(t, 0.9, res.Synthesis.GroundednessScore, 1e-9)
}

func TestOrchestrator_GroundedOutOfBundleCitationDowngraded(t *testing.T) {
	synBadCite := `{"answer":"Revenue was $125.5 million.","data_source_type":"GROUNDED","citations":["r1","r999"],"groundedness_score":0.9}`
	llm := &mockAnthropicClient{replies: []string{planDirectReply, synBadCite}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", testBundle(t))
	require.NoError(t, err)

	assert.Equal(t, model.DataSourceInternalKnowledge, res.Synthesis.DataSourceType)
	assert.True(t, res.Synthesis.SelfAwareWarning)
	assert.Equal(t, []string{"r1", "r999"}, res.Synthesis.Citations,
		"claimed citations stay on the audit record")
}

func TestOrchestrator_MalformedPeriodRowFlagged(t *testing.T) {
	// A spreadsheet artifact slipped through extraction: the row's period
	// column header leaked in as the period label. The prose carries the
	// real fact.
	facts := []model.FactRecord{{
		RowID: "r9", EntityPrimary: "ACME_CORP", MetricName: "Net Income",
		Value: fptr(50), Unit: model.UnitUSD, ScaleFactor: 1e6,
		Period: "Unnamed: 3", SourceChunkID: "c9", Confidence: model.ConfidenceTable,
	}}
	ld, err := ledger.New(&ledger.Snapshot{
		Version: "snap-c",
		Facts:   facts,
		Chunks: []model.TextChunk{{
			ChunkID:      "c9",
			Text:         "Fiscal year 2022 net income was $50,000,000.",
			ContainsRows: []string{"r9"},
		}},
	})
	require.NoError(t, err)
	bundle, err := assemble.Assemble(facts, model.RetrievalPlan{}, ld,
		config.AssemblerConfig{MaxRows: 40, MaxChunks: 5})
	require.NoError(t, err)

	planReply := `{"plan":[{"claim":"fiscal 2022 net income is stated in the prose","source":"text"}],"requires_computation":false}`
	synReply := `{"answer":"Fiscal year 2022 net income was $50,000,000.","data_source_type":"GROUNDED","citations":["c9"],"groundedness_score":0.9}`
	llm := &mockAnthropicClient{replies: []string{planReply, synReply}}
	o := newTestOrchestrator(llm)

	res, err := o.Answer(context.Background(), "What was ACME's fiscal 2022 net income?", bundle)
	require.NoError(t, err)

	assert.Contains(t, res.Misalignment, `r9 (period "Unnamed: 3")`)
	planUser := llm.requests[0].Messages[0].Content
	assert.Contains(t, planUser, "CAUTION:")
	assert.Contains(t, planUser, "treat the source text as authoritative")

	// The text citation is in the bundle, so the answer stays grounded.
	assert.Equal(t, model.DataSourceGrounded, res.Synthesis.DataSourceType)
	assert.Equal(t, []string{"c9"}, res.Synthesis.Citations)
}

func TestMisalignmentNote_PeriodPatterns(t *testing.T) {
	flagged := []string{"Unnamed: 3", "unnamed.1", "NaN", "nan", "None", "null", "N/A", "na", "-", "--"}
	clean := []string{"FY2023", "2023", "2023-Q4", "Q4 2023", "H1 2024", "FY2022-FY2023", "TTM Jun 2024"}

	for _, p := range flagged {
		assert.True(t, malformedPeriodRe.MatchString(p), "period %q should be flagged", p)
	}
	for _, p := range clean {
		assert.False(t, malformedPeriodRe.MatchString(p), "period %q should pass", p)
	}
}

func TestOrchestrator_EmptyBundle(t *testing.T) {
	llm := &mockAnthropicClient{replies: []string{planDirectReply}}
	o := newTestOrchestrator(llm)

	_, err := o.Answer(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.Empty(t, llm.requests)
}

func TestOrchestrator_TransportError(t *testing.T) {
	llm := &mockAnthropicClient{err: eris.New("api: overloaded")}
	o := newTestOrchestrator(llm)

	_, err := o.Answer(context.Background(), "What was ACME's FY2023 revenue?", testBundle(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "planning call")
	assert.False(t, model.IsFailure(err, model.FailureReasoning),
		"transport errors are hard failures, not classified reasoning failures")
}
