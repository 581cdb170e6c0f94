package reason

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/assemble"
	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/internal/sandbox"
	"github.com/sells-group/verity/pkg/anthropic"
)

// Result carries everything one reasoning run produced: the planning
// trace, the optional sandbox execution, and the synthesized answer with
// its self-reported groundedness. The sentinel re-scores the synthesis
// independently; it never sees the trace.
type Result struct {
	Trace        model.ReasoningTrace `json:"trace"`
	Synthesis    model.Synthesis      `json:"synthesis"`
	Execution    *sandbox.Result      `json:"execution,omitempty"`
	ExecutionErr string               `json:"execution_err,omitempty"`
	Misalignment string               `json:"misalignment,omitempty"`
	Phases       []PhaseSpan          `json:"phases"`
}

// Orchestrator drives the two-pass reasoning loop over one evidence
// bundle: a planning call that decomposes the query and may emit a
// program, an optional sandboxed execution, and a synthesis call that
// writes the final answer. The bundle travels as a cached system block so
// all calls of one query share the same prompt prefix.
type Orchestrator struct {
	llm    anthropic.Client
	runner *sandbox.Runner
	cfg    config.AnthropicConfig
}

func NewOrchestrator(llm anthropic.Client, runner *sandbox.Runner, cfg config.AnthropicConfig) *Orchestrator {
	return &Orchestrator{llm: llm, runner: runner, cfg: cfg}
}

// Answer runs the full loop for one query. Classified failures
// (REASONING_FAILURE after the stricter retry) and transport errors both
// come back as errors; a degraded computation does not, it lowers the
// self-reported score instead.
func (o *Orchestrator) Answer(ctx context.Context, query string, bundle *assemble.Bundle) (*Result, error) {
	if bundle == nil || bundle.IsEmpty() {
		return nil, eris.New("reason: empty evidence bundle")
	}

	system := anthropic.BuildCachedSystemBlocks(bundle.Render())
	m := newMachine()
	res := &Result{}

	planUser := fmt.Sprintf(planningPrompt, query)
	if note := misalignmentNote(bundle); note != "" {
		res.Misalignment = note
		zap.L().Warn("reason: bundle rows conflict with readable evidence",
			zap.String("detail", note))
		planUser += "\n\nCAUTION: " + note
	}

	trace, err := o.runPlanning(ctx, system, planUser)
	if err != nil {
		return nil, o.aborted(m, err)
	}
	res.Trace = *trace

	missing := strings.TrimSpace(trace.MissingInfo)
	if missing == "" && trace.RequiresComputation {
		if terr := m.to(PhaseExecuting); terr != nil {
			return nil, o.aborted(m, terr)
		}
		exec, execErr := o.runner.Run(ctx, trace.Code, bundle.Variables())
		if execErr != nil {
			res.ExecutionErr = execErr.Error()
			zap.L().Warn("reason: computation failed, synthesizing from text only",
				zap.Error(model.WrapFailure(model.FailureExecution, execErr, "sandboxed computation failed")))
		} else {
			res.Execution = exec
		}
	}
	if terr := m.to(PhaseSynthesizing); terr != nil {
		return nil, o.aborted(m, terr)
	}

	synthUser := fmt.Sprintf(synthesisPrompt,
		query, planText(trace), execOutput(res), orNone(res.ExecutionErr), orNone(missing))
	syn, err := o.runSynthesis(ctx, system, synthUser)
	if err != nil {
		return nil, o.aborted(m, err)
	}

	if syn.DataSourceType == model.DataSourceGrounded && !citationsInBundle(syn.Citations, bundle) {
		// The citations stay on the record so the audit trail shows what
		// the model claimed; only the declared source type is corrected.
		zap.L().Warn("reason: grounded answer cites evidence outside the bundle",
			zap.Strings("citations", syn.Citations))
		syn.DataSourceType = model.DataSourceInternalKnowledge
		syn.SelfAwareWarning = true
	}
	if res.ExecutionErr != "" && syn.GroundednessScore > 0.5 {
		syn.GroundednessScore = 0.5
	}
	res.Synthesis = *syn

	if terr := m.to(PhaseDone); terr != nil {
		return nil, o.aborted(m, terr)
	}
	res.Phases = m.history()
	zap.L().Info("reason: query answered",
		zap.String("data_source", string(syn.DataSourceType)),
		zap.Float64("self_reported_score", syn.GroundednessScore),
		zap.Strings("phases", phaseSummary(res.Phases)))
	return res, nil
}

// runPlanning issues the planning call and retries once with stricter
// formatting instructions before classifying the query as a reasoning
// failure.
func (o *Orchestrator) runPlanning(ctx context.Context, system []anthropic.SystemBlock, user string) (*model.ReasoningTrace, error) {
	raw, err := o.completeText(ctx, o.cfg.PlanningModel, system, user, "planning")
	if err != nil {
		return nil, err
	}
	trace, perr := parsePlanning(raw)
	if perr == nil {
		return trace, nil
	}
	zap.L().Debug("reason: planning reply malformed, retrying", zap.Error(perr))
	raw, err = o.completeText(ctx, o.cfg.PlanningModel, system, user+strictRetryNote, "planning_retry")
	if err != nil {
		return nil, err
	}
	trace, perr = parsePlanning(raw)
	if perr != nil {
		return nil, model.WrapFailure(model.FailureReasoning, perr, "planning output malformed after retry")
	}
	return trace, nil
}

func (o *Orchestrator) runSynthesis(ctx context.Context, system []anthropic.SystemBlock, user string) (*model.Synthesis, error) {
	raw, err := o.completeText(ctx, o.cfg.SynthesisModel, system, user, "synthesis")
	if err != nil {
		return nil, err
	}
	syn, perr := parseSynthesis(raw)
	if perr == nil {
		return syn, nil
	}
	zap.L().Debug("reason: synthesis reply malformed, retrying", zap.Error(perr))
	raw, err = o.completeText(ctx, o.cfg.SynthesisModel, system, user+strictRetryNote, "synthesis_retry")
	if err != nil {
		return nil, err
	}
	syn, perr = parseSynthesis(raw)
	if perr != nil {
		return nil, model.WrapFailure(model.FailureReasoning, perr, "synthesis output malformed after retry")
	}
	return syn, nil
}

// completeText sends one user message over the shared cached system
// prefix and returns the concatenated text reply.
func (o *Orchestrator) completeText(ctx context.Context, modelID string, system []anthropic.SystemBlock, user, phase string) (string, error) {
	temp := o.cfg.Temperature
	resp, err := o.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       modelID,
		MaxTokens:   o.maxTokens(),
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	})
	if err != nil {
		return "", eris.Wrapf(err, "reason: %s call", phase)
	}
	resp.Usage.LogCost(modelID, phase)
	return resp.Text(), nil
}

func (o *Orchestrator) maxTokens() int64 {
	if o.cfg.MaxTokens > 0 {
		return int64(o.cfg.MaxTokens)
	}
	return 2048
}

func (o *Orchestrator) aborted(m *machine, err error) error {
	m.abort()
	zap.L().Warn("reason: query aborted",
		zap.Error(err),
		zap.Strings("phases", phaseSummary(m.history())))
	return err
}

// malformedPeriodRe matches period labels that are extraction artifacts
// rather than reporting periods: spreadsheet placeholder columns, NaN
// spellings, and bare dashes. Real labels like "FY2023" or "2023-Q4"
// must not match.
var malformedPeriodRe = regexp.MustCompile(`(?i)^(unnamed[:. ]?.*|nan|none|null|n/?a|-+)$`)

// misalignmentNote flags rows whose period label is unreadable. The rows
// stay in the bundle; the planning pass is told the source text is
// authoritative for those facts.
func misalignmentNote(b *assemble.Bundle) string {
	var bad []string
	for _, row := range b.Rows {
		if malformedPeriodRe.MatchString(strings.TrimSpace(row.Period)) {
			bad = append(bad, fmt.Sprintf("%s (period %q)", row.RowID, row.Period))
		}
	}
	if len(bad) == 0 {
		return ""
	}
	return fmt.Sprintf("fact rows %s carry unreadable period labels from extraction; treat the source text as authoritative for those facts and plan the affected sub-claims with source %q",
		strings.Join(bad, ", "), "text")
}

func planText(t *model.ReasoningTrace) string {
	if len(t.Plan) == 0 {
		return "(no plan)"
	}
	var b strings.Builder
	for i, sc := range t.Plan {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, sc.Source, sc.Claim)
	}
	return strings.TrimRight(b.String(), "\n")
}

func execOutput(res *Result) string {
	if res.Execution == nil || strings.TrimSpace(res.Execution.Output) == "" {
		return "(none)"
	}
	return res.Execution.Output
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func citationsInBundle(citations []string, b *assemble.Bundle) bool {
	if len(citations) == 0 {
		return false
	}
	for _, c := range citations {
		if !b.HasEvidenceID(c) {
			return false
		}
	}
	return true
}

func phaseSummary(spans []PhaseSpan) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = fmt.Sprintf("%s %s", s.Phase, s.Duration.Round(time.Millisecond))
	}
	return out
}
