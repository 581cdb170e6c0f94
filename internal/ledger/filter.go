package ledger

import (
	"strings"

	"github.com/sells-group/verity/internal/model"
)

// Scope is the resolved predicate set for one retrieval. Empty dimensions
// drop that predicate; a zero Scope matches every record.
type Scope struct {
	Entities []string `json:"entities,omitempty"`
	Metrics  []string `json:"metrics,omitempty"`
	Periods  []string `json:"periods,omitempty"`
}

// IsZero reports whether no dimension is constrained.
func (s Scope) IsZero() bool {
	return len(s.Entities) == 0 && len(s.Metrics) == 0 && len(s.Periods) == 0
}

// WithoutMetrics returns a copy with the metric predicate dropped.
func (s Scope) WithoutMetrics() Scope {
	return Scope{Entities: s.Entities, Periods: s.Periods}
}

// WithoutPeriods returns a copy with the period predicate dropped.
func (s Scope) WithoutPeriods() Scope {
	return Scope{Entities: s.Entities, Metrics: s.Metrics}
}

// Filter returns the subset of the ledger matching all constrained
// dimensions, in stable snapshot order.
func (l *Ledger) Filter(scope Scope) []model.FactRecord {
	return Apply(l.facts, scope)
}

// Apply filters an arbitrary record set by a scope. Filtering is pure and
// order-preserving, so applying the same scope to its own output returns
// the same set.
func Apply(rows []model.FactRecord, scope Scope) []model.FactRecord {
	out := rows
	if len(scope.Entities) > 0 {
		out = filterRows(out, func(f *model.FactRecord) bool {
			return containsString(scope.Entities, f.EntityPrimary)
		})
	}
	if len(scope.Periods) > 0 {
		out = filterRows(out, func(f *model.FactRecord) bool {
			return periodMatches(f.Period, scope.Periods)
		})
	}
	if len(scope.Metrics) > 0 {
		exact := filterRows(out, func(f *model.FactRecord) bool {
			return containsString(scope.Metrics, f.MetricName)
		})
		if len(exact) > 0 {
			out = exact
		} else {
			// No vocabulary-exact hit: fall back to case-insensitive
			// containment so "Revenue" can still reach "Total Revenue".
			out = filterRows(out, func(f *model.FactRecord) bool {
				return metricContains(f.MetricName, scope.Metrics)
			})
		}
	}
	return out
}

func filterRows(rows []model.FactRecord, keep func(*model.FactRecord) bool) []model.FactRecord {
	out := make([]model.FactRecord, 0, len(rows))
	for i := range rows {
		if keep(&rows[i]) {
			out = append(out, rows[i])
		}
	}
	return out
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// periodMatches uses substring containment so a bare year scope ("2023")
// reaches quarter- and prefix-labeled periods ("FY2023", "2023-Q4").
func periodMatches(period string, wanted []string) bool {
	lp := strings.ToLower(period)
	for _, w := range wanted {
		if w == "" {
			continue
		}
		if strings.Contains(lp, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func metricContains(metric string, wanted []string) bool {
	lm := strings.ToLower(metric)
	for _, w := range wanted {
		if w == "" {
			continue
		}
		lw := strings.ToLower(w)
		if strings.Contains(lm, lw) || strings.Contains(lw, lm) {
			return true
		}
	}
	return false
}
