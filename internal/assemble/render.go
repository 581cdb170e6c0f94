package assemble

import (
	"strconv"
	"strings"

	"github.com/sells-group/verity/internal/model"
)

// render produces the canonical markdown context: a fact table followed by
// source chunk blocks. The output is stable for identical inputs; the trace
// fingerprint is computed over it.
func render(rows []model.FactRecord, chunks []model.TextChunk) string {
	var sb strings.Builder

	sb.WriteString("# FACT LEDGER ROWS\n\n")
	if len(rows) == 0 {
		sb.WriteString("No structured facts found.\n")
	} else {
		sb.WriteString("| RowID | Entity | Metric | Value | Unit | Period | Nuance |\n")
		sb.WriteString("|---|---|---|---|---|---|---|\n")
		for i := range rows {
			f := &rows[i]
			sb.WriteString("| ")
			sb.WriteString(cell(f.RowID))
			sb.WriteString(" | ")
			sb.WriteString(cell(f.EntityPrimary))
			sb.WriteString(" | ")
			sb.WriteString(cell(f.MetricName))
			sb.WriteString(" | ")
			sb.WriteString(valueCell(f))
			sb.WriteString(" | ")
			sb.WriteString(unitCell(f.Unit))
			sb.WriteString(" | ")
			sb.WriteString(cell(f.Period))
			sb.WriteString(" | ")
			sb.WriteString(cell(f.NuanceNote))
			sb.WriteString(" |\n")
		}
	}

	sb.WriteString("\n# SOURCE TEXT CHUNKS\n\n")
	if len(chunks) == 0 {
		sb.WriteString("No source text available.\n")
	} else {
		for i := range chunks {
			c := &chunks[i]
			sb.WriteString("[CHUNK_ID: ")
			sb.WriteString(c.ChunkID)
			sb.WriteString("] [SECTION: ")
			if len(c.SectionPath) == 0 {
				sb.WriteString("Unknown")
			} else {
				sb.WriteString(c.Section())
			}
			sb.WriteString("]\n")
			sb.WriteString(c.Text)
			sb.WriteString("\n\n")
		}
	}

	return sb.String()
}

// valueCell renders the numeric value with its scale applied, so the number
// the model reads is the number the sandbox binds. Facts without a value
// render as qualitative; their nuance note carries the substance.
func valueCell(f *model.FactRecord) string {
	v, ok := effectiveValue(f)
	if !ok {
		return "qualitative"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// effectiveValue is the scaled value rounded to 15 significant digits.
// Scaling can leave sub-ulp noise ("118200000.00000001"); rounding through
// the shortest 15-digit decimal keeps the table cell and the sandbox
// binding on the same clean number.
func effectiveValue(f *model.FactRecord) (float64, bool) {
	v, ok := f.EffectiveValue()
	if !ok {
		return 0, false
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'g', 15, 64), 64)
	if err != nil {
		return v, true
	}
	return r, true
}

func unitCell(u model.Unit) string {
	if u == "" || u == model.UnitNone {
		return ""
	}
	return string(u)
}

// cell makes text safe inside a markdown table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
