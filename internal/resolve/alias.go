// Package resolve maps natural-language mentions from a retrieval plan onto
// the ledger's canonical identifiers: entity mentions onto entity ids via the
// alias table, and metric mentions onto the extracted metric vocabulary via
// embedding similarity. Resolution never touches raw filing text.
package resolve

import (
	"sort"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/model"
)

// Match is one ranked candidate entity for a resolved mention.
type Match struct {
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
}

// AliasResolver maps entity mentions to canonical entity ids. Every entity
// id is registered as an alias of itself, so canonical ids always resolve.
// Zero matches is not an error: the caller proceeds unscoped by entity.
type AliasResolver struct {
	minSimilarity float64
	exact         map[string][]string
	folded        map[string][]string
	entries       []aliasEntry
}

type aliasEntry struct {
	alias    string
	entityID string
}

// NewAliasResolver builds a resolver over the ledger's entity ids and alias
// table.
func NewAliasResolver(entities []string, aliases []model.AliasEntry, cfg config.RetrievalConfig) *AliasResolver {
	r := &AliasResolver{
		minSimilarity: cfg.MinAliasSimilarity,
		exact:         make(map[string][]string),
		folded:        make(map[string][]string),
	}
	for _, id := range entities {
		r.add(id, id)
	}
	for _, a := range aliases {
		r.add(a.Alias, a.EntityID)
	}
	return r
}

func (r *AliasResolver) add(alias, entityID string) {
	if alias == "" || entityID == "" {
		return
	}
	if !contains(r.exact[alias], entityID) {
		r.exact[alias] = append(r.exact[alias], entityID)
	}
	key := foldText(alias)
	if !contains(r.folded[key], entityID) {
		r.folded[key] = append(r.folded[key], entityID)
	}
	r.entries = append(r.entries, aliasEntry{alias: alias, entityID: entityID})
}

// Resolve returns ranked canonical entity ids for a mention: a verbatim
// alias hit first, then a case/Unicode-folded hit, then fuzzy word-set
// matching over all aliases above the configured similarity floor. Ties are
// broken by score descending, then entity id ascending.
func (r *AliasResolver) Resolve(mention string) []Match {
	if mention == "" {
		return nil
	}

	if ids, ok := r.exact[mention]; ok {
		return rankExact(ids)
	}
	if ids, ok := r.folded[foldText(mention)]; ok {
		return rankExact(ids)
	}

	// Fuzzy pass: best similarity per entity across all of its aliases.
	best := make(map[string]float64)
	for _, e := range r.entries {
		sim := nameSimilarity(mention, e.alias)
		if sim < r.minSimilarity {
			continue
		}
		if sim > best[e.entityID] {
			best[e.entityID] = sim
		}
	}

	matches := make([]Match, 0, len(best))
	for id, score := range best {
		matches = append(matches, Match{EntityID: id, Score: score})
	}
	sortMatches(matches)
	return matches
}

func rankExact(ids []string) []Match {
	matches := make([]Match, 0, len(ids))
	for _, id := range ids {
		matches = append(matches, Match{EntityID: id, Score: 1.0})
	}
	sortMatches(matches)
	return matches
}

func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].EntityID < matches[j].EntityID
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
