// Package store persists query traces and chat sessions. Every answered
// query leaves one Trace row: the reasoning plan, generated code,
// execution output, both confidence scores, and the final gate decision,
// keyed to the fingerprint of the evidence it ran against. Sessions give
// the serve layer and the CLI short-term memory across follow-up
// questions.
//
// The evidence snapshot itself is owned by internal/ledger; this package
// only records what the answer pipeline did with it.
package store

import (
	"context"

	"github.com/sells-group/verity/internal/model"
)

// TraceFilter specifies criteria for listing traces.
type TraceFilter struct {
	SessionID string         `json:"session_id,omitempty"`
	Decision  model.Decision `json:"decision,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

// Store defines the persistence interface for traces and sessions.
type Store interface {
	// Traces
	SaveTrace(ctx context.Context, trace *model.Trace) error
	GetTrace(ctx context.Context, traceID string) (*model.Trace, error)
	ListTraces(ctx context.Context, filter TraceFilter) ([]model.Trace, error)

	// Sessions
	CreateSession(ctx context.Context, title string) (*model.Session, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	AppendMessage(ctx context.Context, msg *model.SessionMessage) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]model.SessionMessage, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
