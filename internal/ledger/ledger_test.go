package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verity/internal/model"
)

func fptr(v float64) *float64 { return &v }

// testSnapshot builds a small filing extract: two fiscal years for Acme,
// one related supplier, and one qualitative disclosure.
func testSnapshot() *Snapshot {
	return &Snapshot{
		Version:   "snap-1",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Facts: []model.FactRecord{
			{
				RowID: "r1", EntityPrimary: "ACME_CORP", MetricName: "Revenue",
				Value: fptr(125.5), Unit: model.UnitUSD, ScaleFactor: 1e6,
				Period: "FY2023", DocSection: "Income Statement",
				SourceChunkID: "c1", Confidence: model.ConfidenceTable,
			},
			{
				RowID: "r2", EntityPrimary: "ACME_CORP", MetricName: "Revenue",
				Value: fptr(118.2), Unit: model.UnitUSD, ScaleFactor: 1e6,
				Period: "FY2022", DocSection: "Income Statement",
				SourceChunkID: "c1", Confidence: model.ConfidenceTable,
			},
			{
				RowID: "r3", EntityPrimary: "ACME_CORP", MetricName: "Net Income",
				Value: fptr(14.8), Unit: model.UnitUSD, ScaleFactor: 1e6,
				Period: "FY2023", DocSection: "Income Statement",
				SourceChunkID: "c2", Confidence: model.ConfidenceTable,
			},
			{
				RowID: "r4", EntityPrimary: "ACME_CORP", MetricName: "Purchase Commitments",
				RelatedEntity: "GLOBEX_LTD", Relationship: "supplier",
				Value: fptr(30.0), Unit: model.UnitUSD, ScaleFactor: 1e6,
				Period: "FY2023", DocSection: "Notes",
				SourceChunkID: "c3", Confidence: model.ConfidenceTextHigh,
			},
			{
				RowID: "r5", EntityPrimary: "ACME_CORP", MetricName: "Legal Proceedings",
				Value: nil, Unit: model.UnitNone, ScaleFactor: 1,
				Period: "FY2023", DocSection: "Notes",
				SourceChunkID: "c3", NuanceNote: "pending antitrust inquiry, outcome not estimable",
				Confidence: model.ConfidenceTextLow,
			},
			{
				RowID: "r6", EntityPrimary: "GLOBEX_LTD", MetricName: "Revenue",
				Value: fptr(88.0), Unit: model.UnitUSD, ScaleFactor: 1e6,
				Period: "FY2023", DocSection: "Income Statement",
				SourceChunkID: "c4", Confidence: model.ConfidenceTable,
			},
		},
		Chunks: []model.TextChunk{
			{ChunkID: "c1", Text: "Revenue was $125.5 million in fiscal 2023, up from $118.2 million.", SectionPath: []string{"Financial Statements", "Income Statement"}, ContainsRows: []string{"r1", "r2"}},
			{ChunkID: "c2", Text: "Net income attributable to Acme was $14.8 million.", SectionPath: []string{"Financial Statements", "Income Statement"}, ContainsRows: []string{"r3"}},
			{ChunkID: "c3", Text: "Purchase commitments with Globex total $30.0 million. The company is subject to a pending antitrust inquiry.", SectionPath: []string{"Notes"}, ContainsRows: []string{"r4", "r5"}},
			{ChunkID: "c4", Text: "Globex revenue reached $88.0 million.", SectionPath: []string{"Financial Statements"}, ContainsRows: []string{"r6"}},
		},
		Aliases: []model.AliasEntry{
			{Alias: "acme", EntityID: "ACME_CORP"},
			{Alias: "acme corporation", EntityID: "ACME_CORP"},
			{Alias: "globex", EntityID: "GLOBEX_LTD"},
		},
		Vocab: []VocabEntry{
			{Metric: "Legal Proceedings", Vector: []float32{0, 0, 1}},
			{Metric: "Net Income", Vector: []float32{0, 1, 0}},
			{Metric: "Purchase Commitments", Vector: []float32{0.5, 0.5, 0}},
			{Metric: "Revenue", Vector: []float32{1, 0, 0}},
		},
	}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(testSnapshot())
	require.NoError(t, err)
	return l
}

func TestNew_NilSnapshot(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil snapshot")
}

func TestNew_RejectsDuplicateRowID(t *testing.T) {
	snap := testSnapshot()
	dup := snap.Facts[0]
	snap.Facts = append(snap.Facts, dup)

	_, err := New(snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate row_id r1")
}

func TestNew_RejectsInvalidFact(t *testing.T) {
	snap := testSnapshot()
	snap.Facts[2].Period = "prior year"

	_, err := New(snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid fact")
}

func TestNew_RejectsEmptyChunkID(t *testing.T) {
	snap := testSnapshot()
	snap.Chunks = append(snap.Chunks, model.TextChunk{Text: "orphan"})

	_, err := New(snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty chunk_id")
}

func TestLedger_Lookups(t *testing.T) {
	l := newTestLedger(t)

	f, ok := l.Fact("r3")
	require.True(t, ok)
	assert.Equal(t, "Net Income", f.MetricName)

	_, ok = l.Fact("r99")
	assert.False(t, ok)

	c, ok := l.Chunk("c2")
	require.True(t, ok)
	assert.Equal(t, []string{"r3"}, c.ContainsRows)

	_, ok = l.Chunk("c99")
	assert.False(t, ok)
}

func TestLedger_FactsForEntity(t *testing.T) {
	l := newTestLedger(t)

	acme := l.FactsForEntity("ACME_CORP")
	require.Len(t, acme, 5)
	// Snapshot order is preserved.
	assert.Equal(t, "r1", acme[0].RowID)
	assert.Equal(t, "r5", acme[4].RowID)

	assert.Empty(t, l.FactsForEntity("UNKNOWN"))
}

func TestLedger_VocabularyAndEntities_Sorted(t *testing.T) {
	l := newTestLedger(t)

	assert.Equal(t, []string{"Legal Proceedings", "Net Income", "Purchase Commitments", "Revenue"}, l.Vocabulary())
	assert.Equal(t, []string{"ACME_CORP", "GLOBEX_LTD"}, l.Entities())
}

func TestLedger_Stats(t *testing.T) {
	l := newTestLedger(t)

	got := l.Stats()
	assert.Equal(t, Stats{
		Version:      "snap-1",
		Facts:        6,
		Chunks:       4,
		Aliases:      3,
		Entities:     2,
		Metrics:      4,
		VocabVectors: 4,
	}, got)
}
