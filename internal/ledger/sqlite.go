package ledger

import (
	"context"
	"database/sql"
	"encoding/json"

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
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS facts (
	seq             INTEGER NOT NULL,
	row_id          TEXT PRIMARY KEY,
	entity_primary  TEXT NOT NULL,
	metric_name     TEXT NOT NULL,
	related_entity  TEXT NOT NULL DEFAULT '',
	relationship    TEXT NOT NULL DEFAULT '',
	value           REAL,
	unit            TEXT NOT NULL DEFAULT '',
	scale_factor    REAL NOT NULL DEFAULT 1,
	period          TEXT NOT NULL,
	doc_section     TEXT NOT NULL DEFAULT '',
	source_chunk_id TEXT NOT NULL DEFAULT '',
	nuance_note     TEXT NOT NULL DEFAULT '',
	confidence      REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id      TEXT PRIMARY KEY,
	body          TEXT NOT NULL,
	section_path  TEXT,
	contains_rows TEXT
);

CREATE TABLE IF NOT EXISTS aliases (
	alias     TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	PRIMARY KEY (alias, entity_id)
);

CREATE TABLE IF NOT EXISTS vocab (
	metric    TEXT PRIMARY KEY,
	embedding BLOB
);

CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity_primary);
CREATE INDEX IF NOT EXISTS idx_facts_metric ON facts(metric_name);
CREATE INDEX IF NOT EXISTS idx_facts_chunk ON facts(source_chunk_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ReplaceSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return eris.New("sqlite: nil snapshot")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"facts", "chunks", "aliases", "vocab"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s", table)
		}
	}

	for i := range snap.Facts {
		f := &snap.Facts[i]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO facts (seq, row_id, entity_primary, metric_name, related_entity, relationship,
			                    value, unit, scale_factor, period, doc_section, source_chunk_id, nuance_note, confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i, f.RowID, f.EntityPrimary, f.MetricName, f.RelatedEntity, f.Relationship,
			f.Value, string(f.Unit), f.ScaleFactor, f.Period, f.DocSection, f.SourceChunkID, f.NuanceNote, f.Confidence,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert fact %s", f.RowID)
		}
	}

	for i := range snap.Chunks {
		c := &snap.Chunks[i]
		sectionJSON, err := json.Marshal(c.SectionPath)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal section_path")
		}
		rowsJSON, err := json.Marshal(c.ContainsRows)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal contains_rows")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (chunk_id, body, section_path, contains_rows) VALUES (?, ?, ?, ?)`,
			c.ChunkID, c.Text, string(sectionJSON), string(rowsJSON),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert chunk %s", c.ChunkID)
		}
	}

	for _, a := range snap.Aliases {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO aliases (alias, entity_id) VALUES (?, ?)`,
			a.Alias, a.EntityID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert alias %q", a.Alias)
		}
	}

	for _, v := range snap.Vocab {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vocab (metric, embedding) VALUES (?, ?)`,
			v.Metric, encodeVector(v.Vector),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert vocab %q", v.Metric)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (id, version, created_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET version = excluded.version, created_at = excluded.created_at`,
		snap.Version, snap.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert snapshot meta")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit replace")
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	err := s.db.QueryRowContext(ctx,
		`SELECT version, created_at FROM snapshot_meta WHERE id = 1`,
	).Scan(&snap.Version, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load snapshot meta")
	}

	if snap.Facts, err = s.loadFacts(ctx); err != nil {
		return nil, err
	}
	if snap.Chunks, err = s.loadChunks(ctx); err != nil {
		return nil, err
	}
	if snap.Aliases, err = s.loadAliases(ctx); err != nil {
		return nil, err
	}
	if snap.Vocab, err = s.loadVocab(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) loadFacts(ctx context.Context) ([]model.FactRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_id, entity_primary, metric_name, related_entity, relationship,
		        value, unit, scale_factor, period, doc_section, source_chunk_id, nuance_note, confidence
		 FROM facts ORDER BY seq`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load facts")
	}
	defer rows.Close()

	var facts []model.FactRecord
	for rows.Next() {
		var f model.FactRecord
		var value sql.NullFloat64
		var unit string
		err := rows.Scan(&f.RowID, &f.EntityPrimary, &f.MetricName, &f.RelatedEntity, &f.Relationship,
			&value, &unit, &f.ScaleFactor, &f.Period, &f.DocSection, &f.SourceChunkID, &f.NuanceNote, &f.Confidence)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		if value.Valid {
			v := value.Float64
			f.Value = &v
		}
		f.Unit = model.Unit(unit)
		facts = append(facts, f)
	}
	return facts, eris.Wrap(rows.Err(), "sqlite: load facts iterate")
}

func (s *SQLiteStore) loadChunks(ctx context.Context) ([]model.TextChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, body, section_path, contains_rows FROM chunks ORDER BY chunk_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load chunks")
	}
	defer rows.Close()

	var chunks []model.TextChunk
	for rows.Next() {
		var c model.TextChunk
		var sectionJSON, rowsJSON sql.NullString
		if err := rows.Scan(&c.ChunkID, &c.Text, &sectionJSON, &rowsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chunk")
		}
		if sectionJSON.Valid {
			if err := json.Unmarshal([]byte(sectionJSON.String), &c.SectionPath); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal section_path for %s", c.ChunkID)
			}
		}
		if rowsJSON.Valid {
			if err := json.Unmarshal([]byte(rowsJSON.String), &c.ContainsRows); err != nil {
				return nil, eris.Wrapf(err, "sqlite: unmarshal contains_rows for %s", c.ChunkID)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, eris.Wrap(rows.Err(), "sqlite: load chunks iterate")
}

func (s *SQLiteStore) loadAliases(ctx context.Context) ([]model.AliasEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alias, entity_id FROM aliases ORDER BY alias, entity_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load aliases")
	}
	defer rows.Close()

	var aliases []model.AliasEntry
	for rows.Next() {
		var a model.AliasEntry
		if err := rows.Scan(&a.Alias, &a.EntityID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alias")
		}
		aliases = append(aliases, a)
	}
	return aliases, eris.Wrap(rows.Err(), "sqlite: load aliases iterate")
}

func (s *SQLiteStore) loadVocab(ctx context.Context) ([]VocabEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric, embedding FROM vocab ORDER BY metric`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load vocab")
	}
	defer rows.Close()

	var vocab []VocabEntry
	for rows.Next() {
		var v VocabEntry
		var blob []byte
		if err := rows.Scan(&v.Metric, &blob); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vocab")
		}
		v.Vector = decodeVector(blob)
		vocab = append(vocab, v)
	}
	return vocab, eris.Wrap(rows.Err(), "sqlite: load vocab iterate")
}

func (s *SQLiteStore) SaveVocab(ctx context.Context, entries []VocabEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin vocab save")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, v := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vocab (metric, embedding) VALUES (?, ?)
			 ON CONFLICT (metric) DO UPDATE SET embedding = excluded.embedding`,
			v.Metric, encodeVector(v.Vector),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert vocab %q", v.Metric)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit vocab save")
}
