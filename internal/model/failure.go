package model

import (
	"errors"
	"fmt"
)

// FailureKind classifies the handled failure modes of the query pipeline.
// Each kind has a fixed recovery policy; anything outside this taxonomy is
// an unhandled error.
type FailureKind string

const (
	// FailureMetricGap: metric similarity search found no vocabulary match
	// above threshold. Recovered once by widened retrieval.
	FailureMetricGap FailureKind = "METRIC_GAP"
	// FailureEmptyScope: the scope filter produced zero rows after
	// resolution. Recovered once by widened retrieval.
	FailureEmptyScope FailureKind = "EMPTY_SCOPE"
	// FailureContextMisalignment: a resolved period or entity conflicts
	// with text evidence. Resolved by the text-authoritative rule, logged.
	FailureContextMisalignment FailureKind = "CONTEXT_MISALIGNMENT"
	// FailureExecution: sandboxed computation failed or timed out.
	// Degrades to text-only synthesis.
	FailureExecution FailureKind = "EXECUTION_FAILURE"
	// FailureReasoning: structured model output stayed malformed after the
	// stricter-format retry. Fatal to the query.
	FailureReasoning FailureKind = "REASONING_FAILURE"
	// FailureAbstain: sentinel score below threshold. The designed safe
	// outcome, never fatal.
	FailureAbstain FailureKind = "ABSTAIN"
)

// Failure is a classified pipeline error. It wraps an optional cause so
// call sites can both switch on Kind and unwrap the underlying error.
type Failure struct {
	Kind   FailureKind
	Detail string
	Cause  error
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Cause }

// NewFailure builds a Failure with a formatted detail message.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapFailure classifies an underlying error.
func WrapFailure(kind FailureKind, cause error, detail string) *Failure {
	return &Failure{Kind: kind, Detail: detail, Cause: cause}
}

// FailureOf extracts the Failure classification from an error chain.
func FailureOf(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsFailure reports whether err carries the given failure kind.
func IsFailure(err error, kind FailureKind) bool {
	f, ok := FailureOf(err)
	return ok && f.Kind == kind
}
