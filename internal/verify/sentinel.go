// Package verify is the delivery gate. A sentinel model, separate from
// the models that planned and wrote the answer, re-scores the answer's
// groundedness against the same evidence bundle and decides PASS or
// ABSTAIN. The sentinel sees the query, the bundle, the answer text, and
// the claimed citations; it never sees the reasoning trace or the
// orchestrator's self-reported score, so confidence cannot launder
// through the audit.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/assemble"
	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/pkg/anthropic"
)

const sentinelPrompt = `You are an independent groundedness auditor for a financial evidence engine. The system context above is the complete evidence bundle another model used to answer a query. Audit the answer below against that bundle and nothing else.

Scoring:
- groundedness_score is a 0.0-1.0 measure of how completely the answer's substance (every figure, period, entity, and claim) is supported by the bundle.
- Figures must match the bundle after scale normalization; an unsupported or wrong figure caps the score near 0.
- data_source_type is "GROUNDED" when the substance comes from the bundle, otherwise "INTERNAL_KNOWLEDGE".
- An answer that plainly states the filings do not contain the requested information is well grounded when the bundle indeed lacks it.
- Judge only support in the bundle. Ignore how confident the answer sounds.

Respond with one JSON object and nothing else:
{"groundedness_score":0.0,"data_source_type":"GROUNDED","rationale":"one sentence"}

QUERY: %s

ANSWER UNDER AUDIT:
%s

CLAIMED CITATIONS: %s`

const strictRetryNote = `

Your previous reply was not valid JSON. Respond again with ONLY the JSON object: no explanation, no markdown, no code fences.`

// Sentinel audits synthesized answers on its own model tier.
type Sentinel struct {
	llm anthropic.Client
	cfg config.SentinelConfig
}

func NewSentinel(llm anthropic.Client, cfg config.SentinelConfig) *Sentinel {
	return &Sentinel{llm: llm, cfg: cfg}
}

// Verify always produces a verdict for a well-formed input: a malformed or
// failed audit becomes a conservative ABSTAIN with score 0, never a
// pass-through of the unaudited answer.
func (s *Sentinel) Verify(ctx context.Context, query string, bundle *assemble.Bundle, answer *model.Synthesis) (*model.VerificationResult, error) {
	if bundle == nil || bundle.IsEmpty() {
		return nil, eris.New("verify: empty evidence bundle")
	}
	if answer == nil || strings.TrimSpace(answer.Answer) == "" {
		return nil, eris.New("verify: no answer to audit")
	}

	system := anthropic.BuildCachedSystemBlocks(bundle.Render())
	user := fmt.Sprintf(sentinelPrompt, query, answer.Answer, citationList(answer.Citations))

	reply, err := s.audit(ctx, system, user)
	if err != nil {
		zap.L().Warn("verify: audit unusable, abstaining", zap.Error(err))
		return s.conservative("independent audit did not return a usable result"), nil
	}

	score := clampScore(reply.GroundednessScore)
	res := &model.VerificationResult{
		GroundednessScore: score,
		DataSourceType:    reply.DataSourceType,
		Citations:         answer.Citations,
		Decision:          s.decide(score),
		Rationale:         strings.TrimSpace(reply.Rationale),
	}
	zap.L().Info("verify: audit complete",
		zap.Float64("score", score),
		zap.String("decision", string(res.Decision)),
		zap.String("data_source", string(res.DataSourceType)))
	return res, nil
}

// Threshold reports the effective PASS floor.
func (s *Sentinel) Threshold() float64 {
	if s.cfg.Threshold > 0 {
		return s.cfg.Threshold
	}
	return 0.9
}

func (s *Sentinel) decide(score float64) model.Decision {
	if score >= s.Threshold() {
		return model.DecisionPass
	}
	return model.DecisionAbstain
}

func (s *Sentinel) conservative(detail string) *model.VerificationResult {
	return &model.VerificationResult{
		GroundednessScore: 0,
		DataSourceType:    model.DataSourceInternalKnowledge,
		Decision:          model.DecisionAbstain,
		Rationale:         detail,
	}
}

// audit issues the sentinel call, retrying once with stricter formatting
// instructions on a malformed reply.
func (s *Sentinel) audit(ctx context.Context, system []anthropic.SystemBlock, user string) (*sentinelReply, error) {
	raw, err := s.completeText(ctx, system, user, "sentinel")
	if err != nil {
		return nil, err
	}
	reply, perr := parseSentinel(raw)
	if perr == nil {
		return reply, nil
	}
	zap.L().Debug("verify: audit reply malformed, retrying", zap.Error(perr))
	raw, err = s.completeText(ctx, system, user+strictRetryNote, "sentinel_retry")
	if err != nil {
		return nil, err
	}
	return parseSentinel(raw)
}

func (s *Sentinel) completeText(ctx context.Context, system []anthropic.SystemBlock, user, phase string) (string, error) {
	temp := 0.0
	resp, err := s.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.maxTokens(),
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	})
	if err != nil {
		return "", eris.Wrapf(err, "verify: %s call", phase)
	}
	resp.Usage.LogCost(s.cfg.Model, phase)
	return resp.Text(), nil
}

func (s *Sentinel) maxTokens() int64 {
	if s.cfg.MaxTokens > 0 {
		return int64(s.cfg.MaxTokens)
	}
	return 512
}

type sentinelReply struct {
	GroundednessScore float64              `json:"groundedness_score"`
	DataSourceType    model.DataSourceType `json:"data_source_type"`
	Rationale         string               `json:"rationale"`
}

func parseSentinel(raw string) (*sentinelReply, error) {
	var reply sentinelReply
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &reply); err != nil {
		return nil, eris.Wrap(err, "verify: parse audit reply")
	}
	if reply.DataSourceType != model.DataSourceGrounded && reply.DataSourceType != model.DataSourceInternalKnowledge {
		return nil, eris.Errorf("verify: audit reply has unknown data source type %q", reply.DataSourceType)
	}
	return &reply, nil
}

func citationList(citations []string) string {
	if len(citations) == 0 {
		return "(none claimed)"
	}
	return strings.Join(citations, ", ")
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

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
