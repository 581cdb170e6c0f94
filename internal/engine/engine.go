// Package engine wires the full query pipeline: plan retrieval, resolve
// entities and metrics, filter the ledger, assemble the evidence bundle,
// reason over it, audit the answer, and persist the trace. One Engine
// serves arbitrarily many concurrent queries over a single immutable
// snapshot; all per-query state lives on the stack of Answer.
package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/verity/internal/assemble"
	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/ledger"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/internal/reason"
	"github.com/sells-group/verity/internal/resolve"
	"github.com/sells-group/verity/internal/sandbox"
	"github.com/sells-group/verity/internal/store"
	"github.com/sells-group/verity/internal/verify"
	"github.com/sells-group/verity/pkg/anthropic"
	"github.com/sells-group/verity/pkg/jina"
)

// Fixed texts delivered in place of an unverified answer. The raw
// synthesis never leaves the engine on an ABSTAIN; it survives only on
// the persisted trace.
const (
	abstainText = "I cannot verify an answer to this question against the ingested filings, so I am not reporting one. Narrowing the question to a specific entity, metric, and period may help."

	insufficientText = "Insufficient data: the ingested filings contain no evidence matching this question."
)

// QueryRequest is one question posed to the pipeline. SessionID is
// optional; when set, the session transcript is used to resolve follow-up
// references and the exchange is appended to it afterward.
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// Engine runs queries end to end over one loaded snapshot.
type Engine struct {
	cfg       *config.Config
	ld        *ledger.Ledger
	store     store.Store
	navigator *Navigator
	aliases   *resolve.AliasResolver
	metrics   *resolve.MetricSelector
	reasoner  *reason.Orchestrator
	sentinel  *verify.Sentinel
}

// New wires the pipeline over a loaded ledger. The language-model and
// embedding clients are injected so serve, ask, and tests share one
// construction path.
func New(cfg *config.Config, ld *ledger.Ledger, st store.Store, llm anthropic.Client, embed jina.Client) *Engine {
	// Without an embedding client the vocab index cannot be searched, so
	// selection degrades to lexical matching even when vectors exist.
	var index *resolve.VocabIndex
	if embed != nil {
		index = resolve.NewVocabIndex(ld.VocabVectors())
	}
	runner := sandbox.NewRunner(cfg.Sandbox)
	return &Engine{
		cfg:       cfg,
		ld:        ld,
		store:     st,
		navigator: NewNavigator(llm, ld, cfg.Anthropic),
		aliases:   resolve.NewAliasResolver(ld.Entities(), ld.Aliases(), cfg.Retrieval),
		metrics:   resolve.NewMetricSelector(embed, ld.Vocabulary(), index, cfg.Retrieval),
		reasoner:  reason.NewOrchestrator(llm, runner, cfg.Anthropic),
		sentinel:  verify.NewSentinel(llm, cfg.Sentinel),
	}
}

// Answer runs one query through the full pipeline and returns the gated
// result. Handled outcomes (insufficient data, sentinel abstention) come
// back as ABSTAIN answers with a nil error; hard failures return an error
// after a best-effort failure trace is persisted, so the serving layer
// can separate abstention from breakage.
func (e *Engine) Answer(ctx context.Context, req QueryRequest) (*model.Answer, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, eris.New("engine: empty query")
	}

	log := zap.L().With(zap.String("query", query))
	if req.SessionID != "" {
		log = log.With(zap.String("session", req.SessionID))
	}
	log.Info("engine: query received", zap.String("snapshot", e.ld.Version()))

	stage := func(name string, fn func() error) error {
		s := time.Now()
		err := fn()
		ms := time.Since(s).Milliseconds()
		if err != nil {
			log.Warn("engine: stage failed",
				zap.String("stage", name),
				zap.Int64("duration_ms", ms),
				zap.Error(err))
			return err
		}
		log.Debug("engine: stage complete",
			zap.String("stage", name),
			zap.Int64("duration_ms", ms))
		return nil
	}

	// Pass zero: retrieval planning. Never fatal; a failed navigation
	// degrades to an unscoped search inside the navigator.
	var plan model.RetrievalPlan
	_ = stage("navigate", func() error {
		plan = e.navigator.Plan(ctx, query, e.history(ctx, log, req.SessionID))
		return nil
	})

	// Entity and metric resolution have no data dependency on each other.
	var (
		entityIDs   []string
		metricNames []string
		gapErr      error
	)
	err := stage("resolve", func() error {
		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			entityIDs = e.resolveEntities(plan.Entities)
			return nil
		})
		g.Go(func() error {
			var serr error
			metricNames, serr = e.selectMetrics(gCtx, plan)
			return serr
		})
		return g.Wait()
	})
	if err != nil {
		if !model.IsFailure(err, model.FailureMetricGap) {
			return nil, e.fail(ctx, log, req, query, plan, "", err, start)
		}
		// No vocabulary metric cleared the similarity floor. Retrieval
		// proceeds without a metric predicate; that is the widened half
		// of the recovery, the rest happens below if rows come back empty.
		gapErr = err
		log.Warn("engine: no vocabulary metric matched, retrieving without metric filter",
			zap.Strings("mentions", plan.Metrics))
	}

	scope := ledger.Scope{
		Entities: entityIDs,
		Metrics:  metricNames,
		Periods:  plan.Periods,
	}
	if plan.Relationship != "" && len(scope.Entities) > 0 {
		scope.Entities = e.ld.Expand(scope.Entities, plan.Relationship)
		log.Debug("engine: scope expanded over relationship",
			zap.String("relationship", plan.Relationship),
			zap.Strings("entities", scope.Entities))
	}

	var rows []model.FactRecord
	_ = stage("retrieve", func() error {
		rows = e.ld.Filter(scope)
		if len(rows) == 0 {
			rows = e.widen(scope, log)
		}
		if len(rows) > 0 {
			rows = e.ld.ExpandEvidence(rows, e.cfg.Assembler.MaxChunks)
		}
		return nil
	})
	if len(rows) == 0 {
		kind := model.FailureEmptyScope
		if gapErr != nil {
			kind = model.FailureMetricGap
		}
		return e.insufficient(ctx, log, req, query, plan, kind, start), nil
	}

	var bundle *assemble.Bundle
	if err := stage("assemble", func() error {
		var aerr error
		bundle, aerr = assemble.Assemble(rows, plan, e.ld, e.cfg.Assembler)
		return aerr
	}); err != nil {
		return nil, e.fail(ctx, log, req, query, plan, "", err, start)
	}
	if bundle.IsEmpty() {
		return e.insufficient(ctx, log, req, query, plan, model.FailureEmptyScope, start), nil
	}

	var res *reason.Result
	if err := stage("reason", func() error {
		var rerr error
		res, rerr = e.reasoner.Answer(ctx, query, bundle)
		return rerr
	}); err != nil {
		return nil, e.fail(ctx, log, req, query, plan, bundle.Fingerprint(), err, start)
	}

	var verdict *model.VerificationResult
	if err := stage("verify", func() error {
		var verr error
		verdict, verr = e.sentinel.Verify(ctx, query, bundle, &res.Synthesis)
		return verr
	}); err != nil {
		return nil, e.fail(ctx, log, req, query, plan, bundle.Fingerprint(), err, start)
	}

	trace := buildTrace(req, query, bundle, res, verdict)
	e.saveTrace(ctx, log, trace)

	ans := e.gate(trace, res, verdict, query)
	ans.Elapsed = time.Since(start)
	e.remember(ctx, log, req.SessionID, query, ans)

	log.Info("engine: query answered",
		zap.String("decision", string(ans.Decision)),
		zap.Float64("sentinel_score", ans.GroundednessScore),
		zap.Float64("self_reported_score", ans.SelfReportedScore),
		zap.Int64("duration_ms", ans.Elapsed.Milliseconds()))
	return ans, nil
}

// resolveEntities maps planner entity mentions onto canonical ids. Zero
// matches leaves the scope entity-unconstrained so retrieval still runs
// over the whole snapshot.
func (e *Engine) resolveEntities(mentions []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, mention := range mentions {
		for _, m := range e.aliases.Resolve(mention) {
			if _, dup := seen[m.EntityID]; dup {
				continue
			}
			seen[m.EntityID] = struct{}{}
			out = append(out, m.EntityID)
		}
	}
	return out
}

// selectMetrics maps planner metric mentions onto vocabulary names. A
// mention that clears no candidate is a metric gap; the gap only surfaces
// when every mention gapped, otherwise the survivors carry the scope.
func (e *Engine) selectMetrics(ctx context.Context, plan model.RetrievalPlan) ([]string, error) {
	if len(plan.Metrics) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var out []string
	var gap error
	for _, mention := range plan.Metrics {
		matches, err := e.metrics.Select(ctx, mention, plan.VectorHypothesis)
		if err != nil {
			if model.IsFailure(err, model.FailureMetricGap) {
				gap = err
				continue
			}
			return nil, err
		}
		for _, m := range matches {
			if _, dup := seen[m.Metric]; dup {
				continue
			}
			seen[m.Metric] = struct{}{}
			out = append(out, m.Metric)
		}
	}
	if len(out) == 0 && gap != nil {
		return nil, gap
	}
	return out, nil
}

// widen is the single recovery attempt after an empty retrieval: drop the
// metric predicate, then the period predicate, as configured. Still-empty
// results surface as insufficient data, never as a crash.
func (e *Engine) widen(scope ledger.Scope, log *zap.Logger) []model.FactRecord {
	widened := scope
	if e.cfg.Retrieval.Fallback.DropMetric {
		widened = widened.WithoutMetrics()
	}
	rows := e.ld.Filter(widened)
	if len(rows) == 0 && e.cfg.Retrieval.Fallback.DropPeriods {
		widened = widened.WithoutPeriods()
		rows = e.ld.Filter(widened)
	}
	log.Warn("engine: retrieval widened after empty scope", zap.Int("rows", len(rows)))
	return rows
}

// gate applies the delivery rule: the sentinel's decision, never the
// orchestrator's self-report, picks what the caller may show.
func (e *Engine) gate(trace *model.Trace, res *reason.Result, verdict *model.VerificationResult, query string) *model.Answer {
	ans := &model.Answer{
		TraceID:           trace.ID,
		Query:             query,
		Decision:          verdict.Decision,
		DataSourceType:    verdict.DataSourceType,
		GroundednessScore: verdict.GroundednessScore,
		SelfReportedScore: res.Synthesis.GroundednessScore,
	}
	if verdict.Decision == model.DecisionPass {
		ans.Text = res.Synthesis.Answer
		ans.Citations = res.Synthesis.Citations
		ans.Nuances = res.Synthesis.Nuances
		return ans
	}
	ans.Text = abstainText
	ans.FailureKind = model.FailureAbstain
	return ans
}

// insufficient delivers the handled no-evidence outcome: a fixed message,
// an ABSTAIN decision, and a trace row recording what retrieval tried.
func (e *Engine) insufficient(ctx context.Context, log *zap.Logger, req QueryRequest, query string, plan model.RetrievalPlan, kind model.FailureKind, start time.Time) *model.Answer {
	log.Info("engine: insufficient data", zap.String("failure_kind", string(kind)))

	trace := &model.Trace{
		SessionID:   req.SessionID,
		Query:       query,
		PlanJSON:    jsonString(plan),
		Answer:      insufficientText,
		Decision:    model.DecisionAbstain,
		FailureKind: string(kind),
	}
	e.saveTrace(ctx, log, trace)

	ans := &model.Answer{
		TraceID:     trace.ID,
		Query:       query,
		Text:        insufficientText,
		Decision:    model.DecisionAbstain,
		FailureKind: kind,
		Elapsed:     time.Since(start),
	}
	e.remember(ctx, log, req.SessionID, query, ans)
	return ans
}

// fail records a hard failure so aborted queries still leave an audit
// row, then hands the error back unchanged.
func (e *Engine) fail(ctx context.Context, log *zap.Logger, req QueryRequest, query string, plan model.RetrievalPlan, fingerprint string, err error, start time.Time) error {
	trace := &model.Trace{
		SessionID:         req.SessionID,
		Query:             query,
		PlanJSON:          jsonString(plan),
		BundleFingerprint: fingerprint,
		Decision:          model.DecisionAbstain,
	}
	if f, ok := model.FailureOf(err); ok {
		trace.FailureKind = string(f.Kind)
	}
	e.saveTrace(ctx, log, trace)

	log.Error("engine: query failed",
		zap.Error(err),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return err
}

// buildTrace assembles the audit row for a completed query. On an
// abstention the trace keeps the raw synthesis, showing what the gate
// suppressed.
func buildTrace(req QueryRequest, query string, bundle *assemble.Bundle, res *reason.Result, verdict *model.VerificationResult) *model.Trace {
	t := &model.Trace{
		SessionID:         req.SessionID,
		Query:             query,
		PlanJSON:          jsonString(res.Trace.Plan),
		BundleFingerprint: bundle.Fingerprint(),
		GeneratedCode:     res.Trace.Code,
		Answer:            res.Synthesis.Answer,
		Decision:          verdict.Decision,
		SentinelScore:     verdict.GroundednessScore,
		SelfReportedScore: res.Synthesis.GroundednessScore,
	}
	switch {
	case res.Execution != nil:
		t.ExecutionResult = res.Execution.Output
	case res.ExecutionErr != "":
		t.ExecutionResult = "ERROR: " + res.ExecutionErr
	}
	if verdict.Decision == model.DecisionAbstain {
		t.FailureKind = string(model.FailureAbstain)
	}
	return t
}

// history loads the session transcript window. Best effort: a storage
// error degrades to a history-free query.
func (e *Engine) history(ctx context.Context, log *zap.Logger, sessionID string) []model.SessionMessage {
	if sessionID == "" {
		return nil
	}
	msgs, err := e.store.RecentMessages(ctx, sessionID, e.cfg.Session.HistoryWindow)
	if err != nil {
		log.Warn("engine: session history unavailable", zap.Error(err))
		return nil
	}
	return msgs
}

// saveTrace persists the audit row. Best effort: the answer is already
// computed and a storage hiccup must not cost the caller the result.
func (e *Engine) saveTrace(ctx context.Context, log *zap.Logger, trace *model.Trace) {
	if err := e.store.SaveTrace(ctx, trace); err != nil {
		log.Warn("engine: failed to persist trace", zap.Error(err))
	}
}

// remember appends the exchange to the session transcript, user turn
// first. Best effort, same rationale as saveTrace.
func (e *Engine) remember(ctx context.Context, log *zap.Logger, sessionID, query string, ans *model.Answer) {
	if sessionID == "" {
		return
	}
	turns := []model.SessionMessage{
		{SessionID: sessionID, Role: "user", Content: query},
		{SessionID: sessionID, Role: "assistant", Content: ans.Text},
	}
	for i := range turns {
		if err := e.store.AppendMessage(ctx, &turns[i]); err != nil {
			log.Warn("engine: failed to append session message", zap.Error(err))
			return
		}
	}
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
