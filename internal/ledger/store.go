package ledger

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
)

// Store persists snapshots between the offline ingest/index commands and
// the query pipelines.
type Store interface {
	// LoadSnapshot returns the stored snapshot, or nil when nothing has
	// been ingested yet.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	// ReplaceSnapshot swaps the stored snapshot for snap in one
	// transaction, so readers never observe a half-loaded ledger.
	ReplaceSnapshot(ctx context.Context, snap *Snapshot) error

	// SaveVocab upserts precomputed metric embeddings without touching
	// the rest of the snapshot.
	SaveVocab(ctx context.Context, entries []VocabEntry) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Load reads the stored snapshot and indexes it.
func Load(ctx context.Context, st Store) (*Ledger, error) {
	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, eris.New("ledger: no snapshot found, run ingest first")
	}
	return New(snap)
}

// encodeVector packs an embedding as little-endian float32 bytes for blob
// storage. Empty vectors become nil so the column stays NULL.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector is the inverse of encodeVector. A blob of invalid length
// yields nil rather than a truncated vector.
func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
