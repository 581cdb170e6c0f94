package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/ledger"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/pkg/anthropic"
)

const navigatorPrompt = `You are the retrieval planner of a financial evidence engine. Translate the question below into a retrieval plan against the ingested snapshot described in SNAPSHOT. You plan retrieval only; you never answer the question.

Rules:
- "entities" lists the company names or aliases the question refers to, as the user wrote them.
- "metrics" lists the financial measures the question asks about, in the user's words; the engine maps them onto the metric vocabulary itself.
- "periods" lists reporting periods in the snapshot's own labels. Resolve relative references ("last year", "the prior quarter") against the conversation and the snapshot's period list before emitting them; never emit a relative phrase.
- "relationship" names a relationship label (for example "subsidiary_of") only when the question spans related entities; otherwise leave it empty.
- "vector_hypothesis" is one sentence written as if it were the ideal evidence snippet answering the question.
- "keywords" holds up to five terms for ranking source text.
- For follow-up questions, resolve pronouns and elliptical references ("what about 2022?") from the conversation.

Respond with one JSON object and nothing else:
{"entities":[],"metrics":[],"periods":[],"relationship":"","vector_hypothesis":"","keywords":[]}

SNAPSHOT:
%s`

// Navigator is the pass-zero planner: one fast-model call that turns a
// natural-language question into a structured retrieval plan over the
// snapshot's entities, metric vocabulary, and periods. The schema context
// is rendered once at construction and travels as a cached system block,
// so every query of one process shares the same prompt prefix.
type Navigator struct {
	llm    anthropic.Client
	cfg    config.AnthropicConfig
	system string
}

func NewNavigator(llm anthropic.Client, ld *ledger.Ledger, cfg config.AnthropicConfig) *Navigator {
	return &Navigator{
		llm:    llm,
		cfg:    cfg,
		system: fmt.Sprintf(navigatorPrompt, schemaContext(ld)),
	}
}

// Plan completes the retrieval plan for one query. The navigator never
// fails a query: a transport error or a malformed reply degrades to an
// unstructured plan that searches with the raw query text.
func (n *Navigator) Plan(ctx context.Context, query string, history []model.SessionMessage) model.RetrievalPlan {
	temp := 0.0
	resp, err := n.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       n.cfg.NavigatorModel,
		MaxTokens:   n.maxTokens(),
		System:      anthropic.BuildCachedSystemBlocks(n.system),
		Messages:    []anthropic.Message{{Role: "user", Content: planUser(query, history)}},
		Temperature: &temp,
	})
	if err != nil {
		zap.L().Warn("engine: navigation failed, searching with the raw query", zap.Error(err))
		return heuristicPlan(query)
	}
	resp.Usage.LogCost(n.cfg.NavigatorModel, "navigate")

	plan, perr := parsePlan(resp.Text())
	if perr != nil {
		zap.L().Warn("engine: retrieval plan malformed, searching with the raw query", zap.Error(perr))
		return heuristicPlan(query)
	}
	if strings.TrimSpace(plan.VectorHypothesis) == "" {
		plan.VectorHypothesis = query
	}
	return plan
}

func (n *Navigator) maxTokens() int64 {
	if n.cfg.MaxTokens > 0 {
		return int64(n.cfg.MaxTokens)
	}
	return 1024
}

// planUser renders the user message. Prior session turns ride along so
// follow-up questions can be resolved against the conversation.
func planUser(query string, history []model.SessionMessage) string {
	if len(history) == 0 {
		return "QUERY: " + query
	}
	var b strings.Builder
	b.WriteString("CONVERSATION SO FAR:\n")
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nQUERY: ")
	b.WriteString(query)
	return b.String()
}

func parsePlan(raw string) (model.RetrievalPlan, error) {
	var plan model.RetrievalPlan
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &plan); err != nil {
		return model.RetrievalPlan{}, eris.Wrap(err, "engine: parse retrieval plan")
	}
	return plan, nil
}

// heuristicPlan is the fallback when no structured plan is available: no
// entity, metric, or period targeting, just the raw query steering text
// chunk ranking. Retrieval then runs unscoped and the assembler's caps
// bound the bundle.
func heuristicPlan(query string) model.RetrievalPlan {
	kw := strings.Fields(query)
	if len(kw) > 5 {
		kw = kw[:5]
	}
	return model.RetrievalPlan{
		VectorHypothesis: query,
		Keywords:         kw,
	}
}

// schemaContext renders the snapshot's entity table, metric vocabulary,
// and period labels. This is the only view of the data the navigator ever
// sees; it maps user wording onto canonical names without touching rows.
func schemaContext(ld *ledger.Ledger) string {
	byEntity := make(map[string][]string)
	for _, a := range ld.Aliases() {
		byEntity[a.EntityID] = append(byEntity[a.EntityID], a.Alias)
	}

	var b strings.Builder
	b.WriteString("ENTITIES:\n")
	for _, id := range ld.Entities() {
		b.WriteString("- ")
		b.WriteString(id)
		if names := byEntity[id]; len(names) > 0 {
			b.WriteString(" (")
			b.WriteString(strings.Join(names, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}

	b.WriteString("\nMETRIC VOCABULARY:\n")
	for _, m := range ld.Vocabulary() {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}

	if periods := snapshotPeriods(ld); len(periods) > 0 {
		b.WriteString("\nPERIODS: ")
		b.WriteString(strings.Join(periods, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

func snapshotPeriods(ld *ledger.Ledger) []string {
	set := make(map[string]struct{})
	for _, f := range ld.Facts() {
		if f.Period != "" {
			set[f.Period] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
