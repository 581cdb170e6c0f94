package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verity/internal/db"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/internal/resilience"
)

// PostgresStore implements Store on a pgx pool. The pool is created and
// owned by the ledger store; trace and session traffic is light enough to
// ride the same connections.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore wraps an existing pool. The caller keeps ownership of
// the pool, so Close is a no-op.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS traces (
	id                  TEXT PRIMARY KEY,
	session_id          TEXT,
	query               TEXT NOT NULL,
	plan_json           TEXT,
	bundle_fingerprint  TEXT,
	generated_code      TEXT,
	execution_result    TEXT,
	answer              TEXT NOT NULL,
	decision            TEXT NOT NULL,
	sentinel_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	self_reported_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	failure_kind        TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	title      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_messages (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_traces_session_id ON traces(session_id);
CREATE INDEX IF NOT EXISTS idx_traces_decision ON traces(decision);
CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_session_messages_session_id ON session_messages(session_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close is a no-op; the pool belongs to the ledger store.
func (s *PostgresStore) Close() error { return nil }

// writeRetry tunes the shared retry helper for trace persistence: short
// backoff, transient errors only, so a connection blip does not cost the
// caller an already-computed answer.
func writeRetry(operation string) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialBackoff = 200 * time.Millisecond
	cfg.MaxBackoff = 2 * time.Second
	cfg.OnRetry = resilience.RetryLogger("postgres", operation)
	return cfg
}

func (s *PostgresStore) SaveTrace(ctx context.Context, trace *model.Trace) error {
	if trace.ID == "" {
		trace.ID = uuid.New().String()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}

	return resilience.Do(ctx, writeRetry("save trace"), func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO traces (id, session_id, query, plan_json, bundle_fingerprint, generated_code,
				execution_result, answer, decision, sentinel_score, self_reported_score, failure_kind, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			trace.ID, trace.SessionID, trace.Query, trace.PlanJSON, trace.BundleFingerprint,
			trace.GeneratedCode, trace.ExecutionResult, trace.Answer, string(trace.Decision),
			trace.SentinelScore, trace.SelfReportedScore, trace.FailureKind, trace.CreatedAt,
		)
		return eris.Wrapf(err, "postgres: insert trace %s", trace.ID)
	})
}

func (s *PostgresStore) GetTrace(ctx context.Context, traceID string) (*model.Trace, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, query, plan_json, bundle_fingerprint, generated_code, execution_result,
			answer, decision, sentinel_score, self_reported_score, failure_kind, created_at
		 FROM traces WHERE id = $1`,
		traceID,
	)
	return s.scanTrace(row)
}

func (s *PostgresStore) ListTraces(ctx context.Context, filter TraceFilter) ([]model.Trace, error) {
	query := `SELECT id, session_id, query, plan_json, bundle_fingerprint, generated_code, execution_result,
		answer, decision, sentinel_score, self_reported_score, failure_kind, created_at
	 FROM traces WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.Decision != "" {
		query += fmt.Sprintf(` AND decision = $%d`, argIdx)
		args = append(args, string(filter.Decision))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list traces")
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		t, err := s.scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, *t)
	}
	return traces, eris.Wrap(rows.Err(), "postgres: list traces iterate")
}

func (s *PostgresStore) CreateSession(ctx context.Context, title string) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, created_at) VALUES ($1, $2, $3)`,
		id, title, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}
	return &model.Session{ID: id, Title: title, CreatedAt: now}, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var sess model.Session
	var title *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, title, created_at FROM sessions WHERE id = $1`,
		sessionID,
	).Scan(&sess.ID, &title, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan session")
	}
	if title != nil {
		sess.Title = *title
	}
	return &sess, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *model.SessionMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	return resilience.Do(ctx, writeRetry("append message"), func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx,
			`INSERT INTO session_messages (session_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
		).Scan(&msg.ID)
		return eris.Wrapf(err, "postgres: insert message for session %s", msg.SessionID)
	})
}

// RecentMessages returns the newest messages of a session in chronological
// order, capped at limit.
func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]model.SessionMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at FROM session_messages
		 WHERE session_id = $1 ORDER BY id DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: recent messages for session %s", sessionID)
	}
	defer rows.Close()

	var msgs []model.SessionMessage
	for rows.Next() {
		var m model.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: recent messages iterate")
	}
	reverseMessages(msgs)
	return msgs, nil
}

func (s *PostgresStore) scanTrace(row scannable) (*model.Trace, error) {
	var t model.Trace
	var decision string
	var sessionID, planJSON, fingerprint, code, execResult, failureKind *string

	err := row.Scan(&t.ID, &sessionID, &t.Query, &planJSON, &fingerprint, &code,
		&execResult, &t.Answer, &decision, &t.SentinelScore, &t.SelfReportedScore,
		&failureKind, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("trace not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan trace")
	}

	t.Decision = model.Decision(decision)
	if sessionID != nil {
		t.SessionID = *sessionID
	}
	if planJSON != nil {
		t.PlanJSON = *planJSON
	}
	if fingerprint != nil {
		t.BundleFingerprint = *fingerprint
	}
	if code != nil {
		t.GeneratedCode = *code
	}
	if execResult != nil {
		t.ExecutionResult = *execResult
	}
	if failureKind != nil {
		t.FailureKind = *failureKind
	}
	return &t, nil
}
