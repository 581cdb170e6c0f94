package model

import "time"

// RetrievalPlan is the ephemeral per-query retrieval strategy produced by
// the planner before any ledger access. The vector hypothesis is a synthetic
// ideal-evidence snippet used only to steer metric similarity search; it is
// never shown to the user.
type RetrievalPlan struct {
	Entities         []string `json:"entities,omitempty"`
	Metrics          []string `json:"metrics,omitempty"`
	Periods          []string `json:"periods,omitempty"`
	Relationship     string   `json:"relationship,omitempty"`
	VectorHypothesis string   `json:"vector_hypothesis,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
}

// EvidenceSource identifies which side of the evidence bundle a sub-claim
// relies on.
type EvidenceSource string

const (
	SourceRows EvidenceSource = "rows"
	SourceText EvidenceSource = "text"
)

// SubClaim is one step of the reasoning plan with its authoritative source.
type SubClaim struct {
	Claim  string         `json:"claim"`
	Source EvidenceSource `json:"source"`
}

// ReasoningTrace is the planning pass output: per-sub-claim source
// decisions, whether execution is required, and the generated program.
// Ephemeral; the sentinel never sees it.
type ReasoningTrace struct {
	Plan                []SubClaim `json:"plan"`
	RequiresComputation bool       `json:"requires_computation"`
	Code                string     `json:"code,omitempty"`
	MissingInfo         string     `json:"missing_info,omitempty"`
}

// DataSourceType declares where a synthesized answer's substance came from.
type DataSourceType string

const (
	DataSourceGrounded          DataSourceType = "GROUNDED"
	DataSourceInternalKnowledge DataSourceType = "INTERNAL_KNOWLEDGE"
)

// Decision is the sentinel's delivery gate.
type Decision string

const (
	DecisionPass    Decision = "PASS"
	DecisionAbstain Decision = "ABSTAIN"
)

// Synthesis is the orchestrator's final-answer payload, including the
// self-reported groundedness the sentinel independently re-scores.
type Synthesis struct {
	Answer            string         `json:"answer"`
	Nuances           []string       `json:"nuances,omitempty"`
	DataSourceType    DataSourceType `json:"data_source_type"`
	Citations         []string       `json:"citations,omitempty"`
	GroundednessScore float64        `json:"groundedness_score"`
	SelfAwareWarning  bool           `json:"self_aware_warning,omitempty"`
}

// VerificationResult is the sentinel's audit of one synthesized answer.
type VerificationResult struct {
	GroundednessScore float64        `json:"groundedness_score"`
	DataSourceType    DataSourceType `json:"data_source_type"`
	Citations         []string       `json:"citations,omitempty"`
	Decision          Decision       `json:"decision"`
	Rationale         string         `json:"rationale,omitempty"`
}

// Answer is the gated pipeline output handed to the serving layer.
type Answer struct {
	TraceID           string         `json:"trace_id"`
	Query             string         `json:"query"`
	Text              string         `json:"text"`
	Decision          Decision       `json:"decision"`
	DataSourceType    DataSourceType `json:"data_source_type,omitempty"`
	Citations         []string       `json:"citations,omitempty"`
	GroundednessScore float64        `json:"groundedness_score"`
	SelfReportedScore float64        `json:"self_reported_score"`
	Nuances           []string       `json:"nuances,omitempty"`
	FailureKind       FailureKind    `json:"failure_kind,omitempty"`
	Elapsed           time.Duration  `json:"elapsed_ns"`
}

// Trace is the persisted per-query audit record.
type Trace struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id,omitempty"`
	Query             string    `json:"query"`
	PlanJSON          string    `json:"plan_json,omitempty"`
	BundleFingerprint string    `json:"bundle_fingerprint,omitempty"`
	GeneratedCode     string    `json:"generated_code,omitempty"`
	ExecutionResult   string    `json:"execution_result,omitempty"`
	Answer            string    `json:"answer"`
	Decision          Decision  `json:"decision"`
	SentinelScore     float64   `json:"sentinel_score"`
	SelfReportedScore float64   `json:"self_reported_score"`
	FailureKind       string    `json:"failure_kind,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Session groups a sequence of queries that share short-term memory.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionMessage is one turn of a session transcript.
type SessionMessage struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
