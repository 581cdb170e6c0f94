package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/model"
)

func newTestResolver(t *testing.T) *AliasResolver {
	t.Helper()
	entities := []string{"ACME_CORP", "GLOBEX_LTD", "INITECH_INC"}
	aliases := []model.AliasEntry{
		{Alias: "Acme", EntityID: "ACME_CORP"},
		{Alias: "Acme Corporation", EntityID: "ACME_CORP"},
		{Alias: "The Company", EntityID: "ACME_CORP"},
		{Alias: "Globex", EntityID: "GLOBEX_LTD"},
		{Alias: "Globex Holdings Ltd", EntityID: "GLOBEX_LTD"},
		{Alias: "Initech", EntityID: "INITECH_INC"},
	}
	return NewAliasResolver(entities, aliases, config.RetrievalConfig{MinAliasSimilarity: 0.5})
}

func TestAliasResolver_ExactAlias(t *testing.T) {
	r := newTestResolver(t)

	matches := r.Resolve("Acme")
	require.Len(t, matches, 1)
	assert.Equal(t, "ACME_CORP", matches[0].EntityID)
	assert.Equal(t, 1.0, matches[0].Score)
}

func TestAliasResolver_CanonicalIDResolvesToItself(t *testing.T) {
	r := newTestResolver(t)

	matches := r.Resolve("GLOBEX_LTD")
	require.Len(t, matches, 1)
	assert.Equal(t, "GLOBEX_LTD", matches[0].EntityID)
	assert.Equal(t, 1.0, matches[0].Score)
}

func TestAliasResolver_CaseFolded(t *testing.T) {
	r := newTestResolver(t)

	matches := r.Resolve("acme corporation")
	require.Len(t, matches, 1)
	assert.Equal(t, "ACME_CORP", matches[0].EntityID)
	assert.Equal(t, 1.0, matches[0].Score)
}

func TestAliasResolver_UnicodeFolded(t *testing.T) {
	r := newTestResolver(t)

	// Non-breaking space and odd casing normalize to the stored alias.
	matches := r.Resolve("ACME CORPORATION")
	require.Len(t, matches, 1)
	assert.Equal(t, "ACME_CORP", matches[0].EntityID)
}

func TestAliasResolver_FuzzyAboveThreshold(t *testing.T) {
	r := newTestResolver(t)

	// "Globex Holdings" vs stored "Globex Holdings Ltd": 2 of 3 words.
	matches := r.Resolve("Globex Holdings")
	require.Len(t, matches, 1)
	assert.Equal(t, "GLOBEX_LTD", matches[0].EntityID)
	assert.InDelta(t, 2.0/3.0, matches[0].Score, 1e-9)
}

func TestAliasResolver_FuzzyBelowThreshold(t *testing.T) {
	r := newTestResolver(t)

	// Single shared word out of four distinct ones stays under 0.5.
	matches := r.Resolve("Holdings International Group")
	assert.Empty(t, matches)
}

func TestAliasResolver_UnknownMention(t *testing.T) {
	r := newTestResolver(t)

	assert.Empty(t, matchIDs(r.Resolve("Wayne Enterprises")))
	assert.Empty(t, r.Resolve(""))
}

func TestAliasResolver_TieBreakByEntityID(t *testing.T) {
	entities := []string{"ZETA_CO", "ALPHA_CO"}
	aliases := []model.AliasEntry{
		{Alias: "Zeta Partners Group", EntityID: "ZETA_CO"},
		{Alias: "Alpha Partners Group", EntityID: "ALPHA_CO"},
	}
	r := NewAliasResolver(entities, aliases, config.RetrievalConfig{MinAliasSimilarity: 0.5})

	// Both aliases share 2 of 3 words with the mention; same score, so the
	// order falls back to entity id ascending.
	matches := r.Resolve("Partners Group")
	require.Len(t, matches, 2)
	assert.Equal(t, []string{"ALPHA_CO", "ZETA_CO"}, matchIDs(matches))
	assert.Equal(t, matches[0].Score, matches[1].Score)
}

func TestAliasResolver_BestAliasPerEntity(t *testing.T) {
	entities := []string{"ACME_CORP"}
	aliases := []model.AliasEntry{
		{Alias: "Acme Global Industries Holding", EntityID: "ACME_CORP"},
		{Alias: "Acme Global", EntityID: "ACME_CORP"},
	}
	r := NewAliasResolver(entities, aliases, config.RetrievalConfig{MinAliasSimilarity: 0.5})

	// One entry per entity, scored by its closest alias.
	matches := r.Resolve("Acme Global Inc")
	require.Len(t, matches, 1)
	assert.Equal(t, "ACME_CORP", matches[0].EntityID)
	assert.InDelta(t, 2.0/3.0, matches[0].Score, 1e-9)
}

func matchIDs(matches []Match) []string {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.EntityID)
	}
	return ids
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		name   string
		a, b   string
		minSim float64
		maxSim float64
	}{
		{"exact match", "Acme Corp", "Acme Corp", 1.0, 1.0},
		{"case insensitive", "ACME CORP", "acme corp", 1.0, 1.0},
		{"partial overlap", "Acme Corp LLC", "Acme Corp", 0.5, 1.0},
		{"no overlap", "Acme Corp", "Beta Industries", 0.0, 0.1},
		{"empty strings", "", "", 0.0, 0.0},
		{"one empty", "Acme", "", 0.0, 0.0},
		{"with punctuation", "Smith & Co.", "Smith Co", 0.5, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := nameSimilarity(tt.a, tt.b)
			assert.GreaterOrEqual(t, sim, tt.minSim, "similarity too low")
			assert.LessOrEqual(t, sim, tt.maxSim, "similarity too high")
		})
	}
}

func TestFoldText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Corp", "acme corp"},
		{"  ACME   Corp  ", "acme corp"},
		{"Acme Corp", "acme corp"},
		{"ＡＣＭＥ", "acme"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, foldText(tt.in))
		})
	}
}
