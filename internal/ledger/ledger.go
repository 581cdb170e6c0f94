// Package ledger holds the immutable fact store queried by the engine.
// A snapshot is produced offline by ingestion, loaded once, and then read
// by arbitrarily many concurrent query pipelines without locking.
package ledger

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verity/internal/model"
)

// VocabEntry is one distinct metric name with its precomputed embedding.
// The vector may be empty when the vocabulary index has not been built yet.
type VocabEntry struct {
	Metric string    `json:"metric"`
	Vector []float32 `json:"vector,omitempty"`
}

// Snapshot is the raw immutable dataset handed over by ingestion.
type Snapshot struct {
	Version   string             `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	Facts     []model.FactRecord `json:"facts"`
	Chunks    []model.TextChunk  `json:"chunks"`
	Aliases   []model.AliasEntry `json:"aliases"`
	Vocab     []VocabEntry       `json:"vocab,omitempty"`
}

// Ledger is the indexed read-only view over one snapshot.
type Ledger struct {
	facts    []model.FactRecord
	byRow    map[string]int
	byEntity map[string][]int
	chunks   map[string]model.TextChunk
	aliases  []model.AliasEntry
	vocab    []VocabEntry
	entities []string
	metrics  []string
	version  string
}

// Stats summarizes a loaded ledger for operators.
type Stats struct {
	Version      string `json:"version"`
	Facts        int    `json:"facts"`
	Chunks       int    `json:"chunks"`
	Aliases      int    `json:"aliases"`
	Entities     int    `json:"entities"`
	Metrics      int    `json:"metrics"`
	VocabVectors int    `json:"vocab_vectors"`
}

// New validates a snapshot and builds the indexed ledger. Duplicate row ids
// or records violating the fact invariants reject the whole snapshot; a
// partially trusted ledger cannot back an auditable answer.
func New(snap *Snapshot) (*Ledger, error) {
	if snap == nil {
		return nil, eris.New("ledger: nil snapshot")
	}

	l := &Ledger{
		facts:    snap.Facts,
		byRow:    make(map[string]int, len(snap.Facts)),
		byEntity: make(map[string][]int),
		chunks:   make(map[string]model.TextChunk, len(snap.Chunks)),
		aliases:  snap.Aliases,
		vocab:    snap.Vocab,
		version:  snap.Version,
	}

	metricSet := make(map[string]struct{})
	entitySet := make(map[string]struct{})

	for i := range l.facts {
		f := &l.facts[i]
		if err := f.Validate(); err != nil {
			return nil, eris.Wrap(err, "ledger: invalid fact")
		}
		if _, dup := l.byRow[f.RowID]; dup {
			return nil, eris.Errorf("ledger: duplicate row_id %s", f.RowID)
		}
		l.byRow[f.RowID] = i
		l.byEntity[f.EntityPrimary] = append(l.byEntity[f.EntityPrimary], i)
		metricSet[f.MetricName] = struct{}{}
		entitySet[f.EntityPrimary] = struct{}{}
	}

	for _, c := range snap.Chunks {
		if c.ChunkID == "" {
			return nil, eris.New("ledger: chunk with empty chunk_id")
		}
		l.chunks[c.ChunkID] = c
	}

	l.metrics = sortedKeys(metricSet)
	l.entities = sortedKeys(entitySet)

	return l, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Facts returns all records in stable snapshot order. Callers must not
// mutate the returned slice.
func (l *Ledger) Facts() []model.FactRecord {
	return l.facts
}

// Fact looks up a record by row id.
func (l *Ledger) Fact(rowID string) (model.FactRecord, bool) {
	i, ok := l.byRow[rowID]
	if !ok {
		return model.FactRecord{}, false
	}
	return l.facts[i], true
}

// Chunk looks up a source text chunk by id.
func (l *Ledger) Chunk(chunkID string) (model.TextChunk, bool) {
	c, ok := l.chunks[chunkID]
	return c, ok
}

// FactsForEntity returns the records whose primary entity matches, in
// stable snapshot order.
func (l *Ledger) FactsForEntity(entityID string) []model.FactRecord {
	idxs := l.byEntity[entityID]
	out := make([]model.FactRecord, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.facts[i])
	}
	return out
}

// Vocabulary returns the distinct metric names, sorted.
func (l *Ledger) Vocabulary() []string {
	return l.metrics
}

// Entities returns the distinct primary entity ids, sorted.
func (l *Ledger) Entities() []string {
	return l.entities
}

// Aliases returns the alias table.
func (l *Ledger) Aliases() []model.AliasEntry {
	return l.aliases
}

// VocabVectors returns the precomputed metric embeddings, if built.
func (l *Ledger) VocabVectors() []VocabEntry {
	return l.vocab
}

// Version returns the snapshot version string.
func (l *Ledger) Version() string {
	return l.version
}

// Stats summarizes the loaded ledger.
func (l *Ledger) Stats() Stats {
	vectors := 0
	for _, v := range l.vocab {
		if len(v.Vector) > 0 {
			vectors++
		}
	}
	return Stats{
		Version:      l.version,
		Facts:        len(l.facts),
		Chunks:       len(l.chunks),
		Aliases:      len(l.aliases),
		Entities:     len(l.entities),
		Metrics:      len(l.metrics),
		VocabVectors: vectors,
	}
}
