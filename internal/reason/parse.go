package reason

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verity/internal/model"
)

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

// parsePlanning decodes and validates a planning pass reply.
func parsePlanning(raw string) (*model.ReasoningTrace, error) {
	var trace model.ReasoningTrace
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &trace); err != nil {
		return nil, eris.Wrap(err, "reason: parse planning reply")
	}
	for i, sc := range trace.Plan {
		if strings.TrimSpace(sc.Claim) == "" {
			return nil, eris.Errorf("reason: planning sub-claim %d has no claim text", i+1)
		}
		if sc.Source != model.SourceRows && sc.Source != model.SourceText {
			return nil, eris.Errorf("reason: planning sub-claim %d has unknown source %q", i+1, sc.Source)
		}
	}
	if trace.RequiresComputation && strings.TrimSpace(trace.Code) == "" {
		return nil, eris.New("reason: planning reply requires computation but carries no code")
	}
	return &trace, nil
}

// parseSynthesis decodes and validates a synthesis pass reply. Scores are
// clamped to [0, 1] rather than rejected.
func parseSynthesis(raw string) (*model.Synthesis, error) {
	var syn model.Synthesis
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &syn); err != nil {
		return nil, eris.Wrap(err, "reason: parse synthesis reply")
	}
	if strings.TrimSpace(syn.Answer) == "" {
		return nil, eris.New("reason: synthesis reply has no answer text")
	}
	if syn.DataSourceType != model.DataSourceGrounded && syn.DataSourceType != model.DataSourceInternalKnowledge {
		return nil, eris.Errorf("reason: synthesis reply has unknown data source type %q", syn.DataSourceType)
	}
	syn.GroundednessScore = clampScore(syn.GroundednessScore)
	return &syn, nil
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
