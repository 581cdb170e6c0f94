package resolve

import (
	"math"
	"sort"

	"github.com/sells-group/verity/internal/ledger"
)

// MetricMatch is one ranked candidate metric for a resolved mention.
type MetricMatch struct {
	Metric string  `json:"metric"`
	Score  float64 `json:"score"`
}

// VocabIndex is an in-memory similarity index over the metric vocabulary.
// Vectors are L2-normalized at build time, so a search is a dot product
// against a normalized query. The index is read-only after construction.
type VocabIndex struct {
	entries []indexEntry
}

type indexEntry struct {
	metric string
	vec    []float32
}

// NewVocabIndex builds an index from embedded vocabulary entries. Entries
// without a vector are skipped; an index over zero vectors reports Empty and
// the selector degrades to lexical matching.
func NewVocabIndex(entries []ledger.VocabEntry) *VocabIndex {
	idx := &VocabIndex{}
	for _, e := range entries {
		if e.Metric == "" || len(e.Vector) == 0 {
			continue
		}
		idx.entries = append(idx.entries, indexEntry{
			metric: e.Metric,
			vec:    normalizeVector(e.Vector),
		})
	}
	return idx
}

// Empty reports whether the index holds no vectors.
func (idx *VocabIndex) Empty() bool {
	return idx == nil || len(idx.entries) == 0
}

// Len returns the number of indexed metrics.
func (idx *VocabIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// Search returns the top-k metrics by cosine similarity to the query vector,
// keeping only scores at or above minScore. Results are ordered by score
// descending, then metric name ascending.
func (idx *VocabIndex) Search(query []float32, k int, minScore float64) []MetricMatch {
	if idx.Empty() || len(query) == 0 || k <= 0 {
		return nil
	}

	qn := normalizeVector(query)
	var matches []MetricMatch
	for _, e := range idx.entries {
		score := dotProduct(qn, e.vec)
		if score < minScore {
			continue
		}
		matches = append(matches, MetricMatch{Metric: e.metric, Score: score})
	}

	sortMetricMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func sortMetricMatches(matches []MetricMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Metric < matches[j].Metric
	})
}

func normalizeVector(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	factor := float32(1.0 / math.Sqrt(norm))
	result := make([]float32, len(vec))
	for i, v := range vec {
		result[i] = v * factor
	}
	return result
}

// dotProduct is cosine similarity for two normalized vectors. Mismatched
// dimensions score zero.
func dotProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
