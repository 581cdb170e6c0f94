// Package assemble builds the evidence bundle: the deduplicated, ordered,
// size-bounded rendering of scoped ledger rows and their source chunks that
// is the only input the reasoning passes ever see. Identical scope and plan
// always produce a byte-identical bundle, so traces can be audited by
// fingerprint.
package assemble

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/ledger"
	"github.com/sells-group/verity/internal/model"
)

// Bundle is the assembled evidence for one query.
type Bundle struct {
	Rows   []model.FactRecord
	Chunks []model.TextChunk

	rendered    string
	evidenceIDs map[string]struct{}
}

// Assemble builds a bundle from scoped rows: dedupe by row id, deterministic
// (entity, period, metric) ordering, row cap, then the linked source chunks
// ranked by row linkage and plan keyword hits under the chunk cap.
func Assemble(rows []model.FactRecord, plan model.RetrievalPlan, ld *ledger.Ledger, cfg config.AssemblerConfig) (*Bundle, error) {
	if ld == nil {
		return nil, eris.New("assemble: nil ledger")
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 40
	}
	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 5
	}

	b := &Bundle{
		Rows:        dedupeRows(rows),
		evidenceIDs: make(map[string]struct{}),
	}
	sort.SliceStable(b.Rows, func(i, j int) bool {
		a, c := &b.Rows[i], &b.Rows[j]
		if a.EntityPrimary != c.EntityPrimary {
			return a.EntityPrimary < c.EntityPrimary
		}
		if a.Period != c.Period {
			return a.Period < c.Period
		}
		return a.MetricName < c.MetricName
	})
	if len(b.Rows) > maxRows {
		zap.L().Debug("assemble: row cap applied",
			zap.Int("rows", len(b.Rows)),
			zap.Int("max_rows", maxRows),
		)
		b.Rows = b.Rows[:maxRows]
	}

	b.Chunks = collectChunks(b.Rows, plan.Keywords, ld, maxChunks)

	for i := range b.Rows {
		b.evidenceIDs[b.Rows[i].RowID] = struct{}{}
	}
	for i := range b.Chunks {
		b.evidenceIDs[b.Chunks[i].ChunkID] = struct{}{}
	}
	b.rendered = render(b.Rows, b.Chunks)

	zap.L().Debug("assemble: bundle built",
		zap.Int("rows", len(b.Rows)),
		zap.Int("chunks", len(b.Chunks)),
		zap.String("fingerprint", b.Fingerprint()),
	)
	return b, nil
}

// IsEmpty reports whether the bundle holds no evidence at all.
func (b *Bundle) IsEmpty() bool {
	return b == nil || (len(b.Rows) == 0 && len(b.Chunks) == 0)
}

// Render returns the canonical markdown rendering handed to the reasoning
// prompts.
func (b *Bundle) Render() string {
	return b.rendered
}

// Fingerprint is the sha256 of the canonical rendering, recorded on the
// trace so an audit can prove which evidence an answer saw.
func (b *Bundle) Fingerprint() string {
	sum := sha256.Sum256([]byte(b.rendered))
	return hex.EncodeToString(sum[:])
}

// HasEvidenceID reports whether an id cites a row or chunk present in this
// bundle. Citation post-validation runs against this set.
func (b *Bundle) HasEvidenceID(id string) bool {
	if b == nil {
		return false
	}
	_, ok := b.evidenceIDs[id]
	return ok
}

// Variables returns the sandbox bindings: row_<n> for each bundle row in
// table order (1-based; qualitative rows bind nil), plus a "facts" list of
// dicts mirroring the table. Generated code can reach nothing else.
func (b *Bundle) Variables() map[string]any {
	vars := make(map[string]any, len(b.Rows)+1)
	facts := make([]map[string]any, 0, len(b.Rows))
	for i := range b.Rows {
		f := &b.Rows[i]
		var value any
		if v, ok := effectiveValue(f); ok {
			value = v
		}
		vars["row_"+strconv.Itoa(i+1)] = value
		facts = append(facts, map[string]any{
			"row_id": f.RowID,
			"entity": f.EntityPrimary,
			"metric": f.MetricName,
			"value":  value,
			"unit":   string(f.Unit),
			"period": f.Period,
			"nuance": f.NuanceNote,
		})
	}
	vars["facts"] = facts
	return vars
}

func dedupeRows(rows []model.FactRecord) []model.FactRecord {
	seen := make(map[string]struct{}, len(rows))
	out := make([]model.FactRecord, 0, len(rows))
	for i := range rows {
		if _, ok := seen[rows[i].RowID]; ok {
			continue
		}
		seen[rows[i].RowID] = struct{}{}
		out = append(out, rows[i])
	}
	return out
}

// collectChunks gathers the source chunks of the bundle rows, scores them
// (+5 when the chunk is linked to a bundle row, +1 per plan keyword found in
// the chunk text), and keeps the top maxChunks. Ties keep the order in which
// a bundle row first referenced the chunk.
func collectChunks(rows []model.FactRecord, keywords []string, ld *ledger.Ledger, maxChunks int) []model.TextChunk {
	rowIDs := make(map[string]struct{}, len(rows))
	for i := range rows {
		rowIDs[rows[i].RowID] = struct{}{}
	}

	var ordered []model.TextChunk
	seen := make(map[string]struct{})
	for i := range rows {
		id := rows[i].SourceChunkID
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		chunk, ok := ld.Chunk(id)
		if !ok {
			continue
		}
		ordered = append(ordered, chunk)
	}

	if len(ordered) <= maxChunks {
		return ordered
	}

	type scored struct {
		chunk model.TextChunk
		score int
	}
	ranked := make([]scored, 0, len(ordered))
	for _, chunk := range ordered {
		score := 0
		if chunkLinksRow(&chunk, rowIDs) {
			score += 5
		}
		text := strings.ToLower(chunk.Text)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				score++
			}
		}
		ranked = append(ranked, scored{chunk: chunk, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	out := make([]model.TextChunk, 0, maxChunks)
	for _, s := range ranked[:maxChunks] {
		out = append(out, s.chunk)
	}
	return out
}

func chunkLinksRow(chunk *model.TextChunk, rowIDs map[string]struct{}) bool {
	for _, rid := range chunk.ContainsRows {
		if _, ok := rowIDs[rid]; ok {
			return true
		}
	}
	return false
}
