package ledger

import (
	"sort"

	"github.com/sells-group/verity/internal/model"
)

// Expand returns the seed entity ids plus every entity exactly one hop away
// over relationship-labeled records. Edges run from EntityPrimary to
// RelatedEntity and are traversed in both directions. An empty label
// follows every labeled edge. The result is sorted; callers chain calls
// when they need more than one hop.
func (l *Ledger) Expand(seed []string, label string) []string {
	seedSet := make(map[string]struct{}, len(seed))
	for _, id := range seed {
		seedSet[id] = struct{}{}
	}

	out := make(map[string]struct{}, len(seed))
	for id := range seedSet {
		out[id] = struct{}{}
	}

	for i := range l.facts {
		f := &l.facts[i]
		if f.Relationship == "" || f.RelatedEntity == "" {
			continue
		}
		if label != "" && f.Relationship != label {
			continue
		}
		if _, ok := seedSet[f.EntityPrimary]; ok {
			out[f.RelatedEntity] = struct{}{}
		}
		if _, ok := seedSet[f.RelatedEntity]; ok {
			out[f.EntityPrimary] = struct{}{}
		}
	}

	ids := make([]string, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ExpandEvidence widens a scoped row set along its chunk links, one hop
// only: rows listed by an already-linked chunk, plus all rows of the
// topChunks most-referenced chunks. The input rows come first and order is
// deterministic, so the assembler's output stays reproducible.
func (l *Ledger) ExpandEvidence(rows []model.FactRecord, topChunks int) []model.FactRecord {
	if len(rows) == 0 {
		return rows
	}

	have := make(map[string]struct{}, len(rows))
	for i := range rows {
		have[rows[i].RowID] = struct{}{}
	}

	out := make([]model.FactRecord, len(rows))
	copy(out, rows)

	add := func(rowID string) {
		if _, ok := have[rowID]; ok {
			return
		}
		f, ok := l.Fact(rowID)
		if !ok {
			return
		}
		have[rowID] = struct{}{}
		out = append(out, f)
	}

	// Completeness pass: a chunk that produced one scoped row usually
	// holds that row's siblings (the other cells of the same table).
	chunkFreq := make(map[string]int)
	var chunkOrder []string
	for i := range rows {
		id := rows[i].SourceChunkID
		if id == "" {
			continue
		}
		if chunkFreq[id] == 0 {
			chunkOrder = append(chunkOrder, id)
		}
		chunkFreq[id]++
	}
	for _, chunkID := range chunkOrder {
		c, ok := l.Chunk(chunkID)
		if !ok {
			continue
		}
		for _, rowID := range c.ContainsRows {
			add(rowID)
		}
	}

	// Frequency pass: the chunks referenced most often by the scope are
	// the densest evidence; pull the rest of their rows in.
	if topChunks > 0 && len(chunkOrder) > 0 {
		ranked := make([]string, len(chunkOrder))
		copy(ranked, chunkOrder)
		sort.SliceStable(ranked, func(a, b int) bool {
			return chunkFreq[ranked[a]] > chunkFreq[ranked[b]]
		})
		if len(ranked) > topChunks {
			ranked = ranked[:topChunks]
		}
		for _, chunkID := range ranked {
			for i := range l.facts {
				if l.facts[i].SourceChunkID == chunkID {
					add(l.facts[i].RowID)
				}
			}
		}
	}

	return out
}
