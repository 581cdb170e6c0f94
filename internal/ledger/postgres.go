package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verity/internal/db"
	"github.com/sells-group/verity/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements lists queries to prepare on each new connection. The
// snapshot is read in full on every process start, so the load queries are
// the hot set.
var preparedStatements = map[string]string{
	"get_meta":     `SELECT version, created_at FROM snapshot_meta WHERE id = 1`,
	"load_facts":   `SELECT row_id, entity_primary, metric_name, related_entity, relationship, value, unit, scale_factor, period, doc_section, source_chunk_id, nuance_note, confidence FROM facts ORDER BY seq`,
	"load_chunks":  `SELECT chunk_id, body, section_path, contains_rows FROM chunks ORDER BY chunk_id`,
	"load_aliases": `SELECT alias, entity_id FROM aliases ORDER BY alias, entity_id`,
	"load_vocab":   `SELECT metric, embedding FROM vocab ORDER BY metric`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool so the trace store can share
// the same connections.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS facts (
	seq             BIGINT NOT NULL,
	row_id          TEXT PRIMARY KEY,
	entity_primary  TEXT NOT NULL,
	metric_name     TEXT NOT NULL,
	related_entity  TEXT NOT NULL DEFAULT '',
	relationship    TEXT NOT NULL DEFAULT '',
	value           DOUBLE PRECISION,
	unit            TEXT NOT NULL DEFAULT '',
	scale_factor    DOUBLE PRECISION NOT NULL DEFAULT 1,
	period          TEXT NOT NULL,
	doc_section     TEXT NOT NULL DEFAULT '',
	source_chunk_id TEXT NOT NULL DEFAULT '',
	nuance_note     TEXT NOT NULL DEFAULT '',
	confidence      DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id      TEXT PRIMARY KEY,
	body          TEXT NOT NULL,
	section_path  JSONB,
	contains_rows JSONB
);

CREATE TABLE IF NOT EXISTS aliases (
	alias     TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	PRIMARY KEY (alias, entity_id)
);

CREATE TABLE IF NOT EXISTS vocab (
	metric    TEXT PRIMARY KEY,
	embedding BYTEA
);

CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity_primary);
CREATE INDEX IF NOT EXISTS idx_facts_metric ON facts(metric_name);
CREATE INDEX IF NOT EXISTS idx_facts_chunk ON facts(source_chunk_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ReplaceSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return eris.New("postgres: nil snapshot")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, table := range []string{"facts", "chunks", "aliases", "vocab"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return eris.Wrapf(err, "postgres: clear %s", table)
		}
	}

	factRows := make([][]any, 0, len(snap.Facts))
	for i := range snap.Facts {
		f := &snap.Facts[i]
		factRows = append(factRows, []any{
			int64(i), f.RowID, f.EntityPrimary, f.MetricName, f.RelatedEntity, f.Relationship,
			f.Value, string(f.Unit), f.ScaleFactor, f.Period, f.DocSection, f.SourceChunkID, f.NuanceNote, f.Confidence,
		})
	}
	if _, err := db.CopyFrom(ctx, tx, "facts", []string{
		"seq", "row_id", "entity_primary", "metric_name", "related_entity", "relationship",
		"value", "unit", "scale_factor", "period", "doc_section", "source_chunk_id", "nuance_note", "confidence",
	}, factRows); err != nil {
		return err
	}

	chunkRows := make([][]any, 0, len(snap.Chunks))
	for i := range snap.Chunks {
		c := &snap.Chunks[i]
		sectionJSON, err := json.Marshal(c.SectionPath)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal section_path")
		}
		rowsJSON, err := json.Marshal(c.ContainsRows)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal contains_rows")
		}
		chunkRows = append(chunkRows, []any{c.ChunkID, c.Text, sectionJSON, rowsJSON})
	}
	if _, err := db.CopyFrom(ctx, tx, "chunks", []string{"chunk_id", "body", "section_path", "contains_rows"}, chunkRows); err != nil {
		return err
	}

	aliasRows := make([][]any, 0, len(snap.Aliases))
	for _, a := range snap.Aliases {
		aliasRows = append(aliasRows, []any{a.Alias, a.EntityID})
	}
	if _, err := db.CopyFrom(ctx, tx, "aliases", []string{"alias", "entity_id"}, aliasRows); err != nil {
		return err
	}

	vocabRows := make([][]any, 0, len(snap.Vocab))
	for _, v := range snap.Vocab {
		vocabRows = append(vocabRows, []any{v.Metric, encodeVector(v.Vector)})
	}
	if _, err := db.CopyFrom(ctx, tx, "vocab", []string{"metric", "embedding"}, vocabRows); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO snapshot_meta (id, version, created_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET version = $1, created_at = $2`,
		snap.Version, snap.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert snapshot meta")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace")
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	err := s.pool.QueryRow(ctx,
		`SELECT version, created_at FROM snapshot_meta WHERE id = 1`,
	).Scan(&snap.Version, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: load snapshot meta")
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

func (s *PostgresStore) loadFacts(ctx context.Context) ([]model.FactRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT row_id, entity_primary, metric_name, related_entity, relationship, value, unit, scale_factor, period, doc_section, source_chunk_id, nuance_note, confidence FROM facts ORDER BY seq`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load facts")
	}
	defer rows.Close()

	var facts []model.FactRecord
	for rows.Next() {
		var f model.FactRecord
		var value *float64
		var unit string
		err := rows.Scan(&f.RowID, &f.EntityPrimary, &f.MetricName, &f.RelatedEntity, &f.Relationship,
			&value, &unit, &f.ScaleFactor, &f.Period, &f.DocSection, &f.SourceChunkID, &f.NuanceNote, &f.Confidence)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		f.Value = value
		f.Unit = model.Unit(unit)
		facts = append(facts, f)
	}
	return facts, eris.Wrap(rows.Err(), "postgres: load facts iterate")
}

func (s *PostgresStore) loadChunks(ctx context.Context) ([]model.TextChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id, body, section_path, contains_rows FROM chunks ORDER BY chunk_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load chunks")
	}
	defer rows.Close()

	var chunks []model.TextChunk
	for rows.Next() {
		var c model.TextChunk
		var sectionJSON, rowsJSON []byte
		if err := rows.Scan(&c.ChunkID, &c.Text, &sectionJSON, &rowsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chunk")
		}
		if len(sectionJSON) > 0 {
			if err := json.Unmarshal(sectionJSON, &c.SectionPath); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal section_path for %s", c.ChunkID)
			}
		}
		if len(rowsJSON) > 0 {
			if err := json.Unmarshal(rowsJSON, &c.ContainsRows); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal contains_rows for %s", c.ChunkID)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, eris.Wrap(rows.Err(), "postgres: load chunks iterate")
}

func (s *PostgresStore) loadAliases(ctx context.Context) ([]model.AliasEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT alias, entity_id FROM aliases ORDER BY alias, entity_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load aliases")
	}
	defer rows.Close()

	var aliases []model.AliasEntry
	for rows.Next() {
		var a model.AliasEntry
		if err := rows.Scan(&a.Alias, &a.EntityID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alias")
		}
		aliases = append(aliases, a)
	}
	return aliases, eris.Wrap(rows.Err(), "postgres: load aliases iterate")
}

func (s *PostgresStore) loadVocab(ctx context.Context) ([]VocabEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT metric, embedding FROM vocab ORDER BY metric`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load vocab")
	}
	defer rows.Close()

	var vocab []VocabEntry
	for rows.Next() {
		var v VocabEntry
		var blob []byte
		if err := rows.Scan(&v.Metric, &blob); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vocab")
		}
		v.Vector = decodeVector(blob)
		vocab = append(vocab, v)
	}
	return vocab, eris.Wrap(rows.Err(), "postgres: load vocab iterate")
}

func (s *PostgresStore) SaveVocab(ctx context.Context, entries []VocabEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, v := range entries {
		rows = append(rows, []any{v.Metric, encodeVector(v.Vector)})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "vocab",
		Columns:      []string{"metric", "embedding"},
		ConflictKeys: []string{"metric"},
	}, rows)
	return err
}
