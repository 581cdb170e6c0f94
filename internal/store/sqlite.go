package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/verity/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	sentinel_score      REAL NOT NULL DEFAULT 0,
	self_reported_score REAL NOT NULL DEFAULT 0,
	failure_kind        TEXT,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS session_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_traces_session_id ON traces(session_id);
CREATE INDEX IF NOT EXISTS idx_traces_decision ON traces(decision);
CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at);
CREATE INDEX IF NOT EXISTS idx_session_messages_session_id ON session_messages(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveTrace(ctx context.Context, trace *model.Trace) error {
	if trace.ID == "" {
		trace.ID = uuid.New().String()
	}
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (id, session_id, query, plan_json, bundle_fingerprint, generated_code,
			execution_result, answer, decision, sentinel_score, self_reported_score, failure_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.ID, trace.SessionID, trace.Query, trace.PlanJSON, trace.BundleFingerprint,
		trace.GeneratedCode, trace.ExecutionResult, trace.Answer, string(trace.Decision),
		trace.SentinelScore, trace.SelfReportedScore, trace.FailureKind, trace.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert trace %s", trace.ID)
}

func (s *SQLiteStore) GetTrace(ctx context.Context, traceID string) (*model.Trace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, query, plan_json, bundle_fingerprint, generated_code, execution_result,
			answer, decision, sentinel_score, self_reported_score, failure_kind, created_at
		 FROM traces WHERE id = ?`,
		traceID,
	)
	return scanTrace(row)
}

func (s *SQLiteStore) ListTraces(ctx context.Context, filter TraceFilter) ([]model.Trace, error) {
	query := `SELECT id, session_id, query, plan_json, bundle_fingerprint, generated_code, execution_result,
		answer, decision, sentinel_score, self_reported_score, failure_kind, created_at
	 FROM traces WHERE 1=1`
	var args []any

	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Decision != "" {
		query += ` AND decision = ?`
		args = append(args, string(filter.Decision))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list traces")
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, *t)
	}
	return traces, eris.Wrap(rows.Err(), "sqlite: list traces iterate")
}

func (s *SQLiteStore) CreateSession(ctx context.Context, title string) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at) VALUES (?, ?, ?)`,
		id, title, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}
	return &model.Session{ID: id, Title: title, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM sessions WHERE id = ?`,
		sessionID,
	)

	var sess model.Session
	var title sql.NullString
	err := row.Scan(&sess.ID, &title, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	sess.Title = title.String
	return &sess, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.SessionMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert message for session %s", msg.SessionID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: message id")
	}
	msg.ID = id
	return nil
}

// RecentMessages returns the newest messages of a session in chronological
// order, capped at limit.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]model.SessionMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM session_messages
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: recent messages for session %s", sessionID)
	}
	defer rows.Close()

	var msgs []model.SessionMessage
	for rows.Next() {
		var m model.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: recent messages iterate")
	}
	reverseMessages(msgs)
	return msgs, nil
}

// helpers

// reverseMessages flips a newest-first result set into transcript order.
func reverseMessages(msgs []model.SessionMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrace(row scannable) (*model.Trace, error) {
	var t model.Trace
	var sessionID, planJSON, fingerprint, code, execResult, failureKind sql.NullString

	err := row.Scan(&t.ID, &sessionID, &t.Query, &planJSON, &fingerprint, &code,
		&execResult, &t.Answer, &t.Decision, &t.SentinelScore, &t.SelfReportedScore,
		&failureKind, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("trace not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan trace")
	}

	t.SessionID = sessionID.String
	t.PlanJSON = planJSON.String
	t.BundleFingerprint = fingerprint.String
	t.GeneratedCode = code.String
	t.ExecutionResult = execResult.String
	t.FailureKind = failureKind.String
	return &t, nil
}
