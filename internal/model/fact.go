package model

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Unit classifies the measurement unit of a fact value.
type Unit string

const (
	UnitUSD     Unit = "USD"
	UnitPercent Unit = "Percent"
	UnitCount   Unit = "Count"
	UnitRatio   Unit = "Ratio"
	UnitNone    Unit = "None"
)

// Extraction confidence levels assigned by the ingestion collaborator.
// Table-derived facts are the most reliable; prose-derived facts carry
// a high or low level depending on how explicit the source sentence was.
const (
	ConfidenceTable    = 0.95
	ConfidenceTextHigh = 0.85
	ConfidenceTextLow  = 0.60
)

// relativePeriodRe matches period phrases that reference another period
// instead of naming one. Ingestion must resolve these against an anchor
// year before a fact is admitted to the ledger.
var relativePeriodRe = regexp.MustCompile(
	`(?i)\b(prior|previous|last|next|current|this|trailing|preceding)[\s-]+(fiscal\s+)?(year|quarter|period|half)\b|\b(year|quarter)[\s-]+ago\b`)

// FactRecord is one atomic extracted financial fact. Records are created
// by ingestion, immutable afterward, and read concurrently at query time.
type FactRecord struct {
	RowID         string   `json:"row_id"`
	EntityPrimary string   `json:"entity_primary"`
	MetricName    string   `json:"metric_name"`
	RelatedEntity string   `json:"related_entity,omitempty"`
	Relationship  string   `json:"relationship,omitempty"`
	Value         *float64 `json:"value"`
	Unit          Unit     `json:"unit"`
	ScaleFactor   float64  `json:"scale_factor"`
	Period        string   `json:"period"`
	DocSection    string   `json:"doc_section,omitempty"`
	SourceChunkID string   `json:"source_chunk_id,omitempty"`
	NuanceNote    string   `json:"nuance_note,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// Fingerprint derives the stable row id from the fields that identify a
// fact. Re-ingesting the same document yields the same ids.
func (f *FactRecord) Fingerprint() string {
	val := "null"
	if f.Value != nil {
		val = strconv.FormatFloat(*f.Value, 'f', -1, 64)
	}
	sum := md5.Sum([]byte(strings.Join([]string{
		f.EntityPrimary, f.MetricName, val, f.Period, f.SourceChunkID,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// EffectiveValue returns the value with its scale factor applied, suitable
// for arithmetic. Returns false for qualitative facts.
func (f *FactRecord) EffectiveValue() (float64, bool) {
	if f.Value == nil {
		return 0, false
	}
	scale := f.ScaleFactor
	if scale == 0 {
		scale = 1
	}
	return *f.Value * scale, true
}

// IsQualitative reports whether the fact carries no numeric value.
func (f *FactRecord) IsQualitative() bool {
	return f.Value == nil
}

// PeriodIsRelative reports whether a period string references another
// period ("prior year", "last quarter") instead of naming one.
func PeriodIsRelative(period string) bool {
	return relativePeriodRe.MatchString(period)
}

// Validate checks the invariants every ledger record must hold.
func (f *FactRecord) Validate() error {
	switch {
	case f.RowID == "":
		return eris.New("fact: empty row_id")
	case f.EntityPrimary == "":
		return eris.Errorf("fact %s: empty entity_primary", f.RowID)
	case f.MetricName == "":
		return eris.Errorf("fact %s: empty metric_name", f.RowID)
	case f.Period == "":
		return eris.Errorf("fact %s: empty period", f.RowID)
	case PeriodIsRelative(f.Period):
		return eris.Errorf("fact %s: relative period %q", f.RowID, f.Period)
	case f.Value == nil && strings.TrimSpace(f.NuanceNote) == "":
		return eris.Errorf("fact %s: qualitative fact without nuance_note", f.RowID)
	case f.Confidence < 0 || f.Confidence > 1:
		return eris.Errorf("fact %s: confidence %.2f out of range", f.RowID, f.Confidence)
	}
	return nil
}

// ParseUnit normalizes a free-text unit label to the Unit enum.
func ParseUnit(s string) Unit {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "usd", "$", "dollar", "dollars", "us dollar", "us dollars":
		return UnitUSD
	case "percent", "%", "pct", "percentage":
		return UnitPercent
	case "count", "units", "shares", "employees", "number":
		return UnitCount
	case "ratio", "x", "times", "multiple":
		return UnitRatio
	default:
		return UnitNone
	}
}

// TextChunk is a contiguous span of source document text. Chunks and facts
// are many-to-many: a chunk lists the rows extracted from it, and each row
// points back at its source chunk. The engine treats both links as read-only.
type TextChunk struct {
	ChunkID      string   `json:"chunk_id"`
	Text         string   `json:"text"`
	SectionPath  []string `json:"section_path,omitempty"`
	ContainsRows []string `json:"contains_rows,omitempty"`
}

// Section renders the chunk's header breadcrumb ("Item 8 > Notes > Debt").
func (c *TextChunk) Section() string {
	return strings.Join(c.SectionPath, " > ")
}

// AliasEntry maps one surface name to a canonical entity id. Entities
// typically carry several aliases.
type AliasEntry struct {
	Alias    string `json:"alias"`
	EntityID string `json:"entity_id"`
}
