// Package reason runs the two-pass reasoning loop over one evidence bundle:
// a planning completion that decides sub-claims, evidence sources, and any
// computation; an optional sandboxed execution step; and a synthesis
// completion that produces the final self-scored answer. The loop is an
// explicit state machine so every query leaves an auditable phase history.
package reason

import (
	"time"

	"github.com/sells-group/verity/internal/model"
)

// Phase is one state of the reasoning loop.
type Phase string

const (
	PhasePlanning     Phase = "PLANNING"
	PhaseExecuting    Phase = "EXECUTING"
	PhaseSynthesizing Phase = "SYNTHESIZING"
	PhaseDone         Phase = "DONE"
	PhaseAborted      Phase = "ABORTED"
)

// legalTransitions is the full transition table. EXECUTING is skippable
// (planning may not require computation); ABORTED is reachable from every
// non-terminal phase.
var legalTransitions = map[Phase]map[Phase]bool{
	PhasePlanning: {
		PhaseExecuting:    true,
		PhaseSynthesizing: true,
		PhaseAborted:      true,
	},
	PhaseExecuting: {
		PhaseSynthesizing: true,
		PhaseAborted:      true,
	},
	PhaseSynthesizing: {
		PhaseDone:    true,
		PhaseAborted: true,
	},
}

// CanTransition reports whether the loop may move from one phase to
// another. Terminal phases allow no exits.
func CanTransition(from, to Phase) bool {
	return legalTransitions[from][to]
}

// PhaseSpan records how long the loop spent in one phase.
type PhaseSpan struct {
	Phase    Phase         `json:"phase"`
	Duration time.Duration `json:"duration_ns"`
}

// machine tracks the current phase and the time spent in each. An illegal
// transition is a programming error and surfaces as REASONING_FAILURE
// rather than corrupting the loop.
type machine struct {
	current Phase
	entered time.Time
	spans   []PhaseSpan
}

func newMachine() *machine {
	return &machine{current: PhasePlanning, entered: time.Now()}
}

func (m *machine) to(next Phase) error {
	if !CanTransition(m.current, next) {
		return model.NewFailure(model.FailureReasoning,
			"illegal phase transition %s -> %s", m.current, next)
	}
	m.spans = append(m.spans, PhaseSpan{Phase: m.current, Duration: time.Since(m.entered)})
	m.current = next
	m.entered = time.Now()
	return nil
}

// abort forces the machine into ABORTED from any non-terminal phase,
// closing the current span. Aborting a terminal machine is a no-op.
func (m *machine) abort() {
	if m.current == PhaseDone || m.current == PhaseAborted {
		return
	}
	m.spans = append(m.spans, PhaseSpan{Phase: m.current, Duration: time.Since(m.entered)})
	m.current = PhaseAborted
	m.entered = time.Now()
}

// history returns the closed spans recorded so far.
func (m *machine) history() []PhaseSpan {
	return m.spans
}
