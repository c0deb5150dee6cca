// Package normalize coerces heterogeneous query results from the agent and
// the ground-truth engine into a canonical, order-independent form so the
// comparator can work on like-for-like values.
package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kamilpajak/veritas/pkg/models"
)

// Form is the canonical cardinality of a normalized result.
type Form string

const (
	FormScalar Form = "scalar"
	FormRow    Form = "row"
	FormTable  Form = "table"
)

// Cell is a single normalized value. Numeric cells carry the parsed number;
// every cell keeps a canonical text rendering used for exact comparison and
// row sorting.
type Cell struct {
	Text    string
	Num     float64
	Numeric bool
}

// Row maps normalized column names to cells.
type Row map[string]Cell

// Normalized is the canonical form of one query result.
type Normalized struct {
	Form   Form
	Scalar Cell
	Row    Row
	Table  []Row
}

// ShapeMismatchError reports two results whose cardinalities cannot be
// reconciled. It is a data error, never a panic.
type ShapeMismatchError struct {
	Expected Form
	Actual   Form
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: ground truth is %s, agent returned %s", e.Expected, e.Actual)
}

// Normalize converts a raw result into canonical form. A single row with a
// single column collapses to a scalar, so "120" and a one-cell table agree.
// An empty result is an error: missing data is an engine problem, not a
// comparable value.
func Normalize(res *models.QueryResult) (*Normalized, error) {
	if res.Empty() {
		return nil, fmt.Errorf("cannot normalize empty result")
	}

	cols := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		cols[i] = NormalizeName(c)
	}

	rows := make([]Row, 0, len(res.Rows))
	for _, raw := range res.Rows {
		if len(raw) != len(cols) {
			return nil, fmt.Errorf("row has %d values for %d columns", len(raw), len(cols))
		}
		row := make(Row, len(cols))
		for i, v := range raw {
			row[cols[i]] = ParseCell(v)
		}
		rows = append(rows, row)
	}

	if len(rows) == 1 {
		if len(cols) == 1 {
			return &Normalized{Form: FormScalar, Scalar: rows[0][cols[0]]}, nil
		}
		return &Normalized{Form: FormRow, Row: rows[0]}, nil
	}

	sortRows(rows, cols)
	return &Normalized{Form: FormTable, Table: rows}, nil
}

// Reconcile verifies that two normalized results have the same cardinality.
// The ground-truth form wins the error message's "expected" slot.
func Reconcile(expected, actual *Normalized) error {
	if expected.Form != actual.Form {
		return &ShapeMismatchError{Expected: expected.Form, Actual: actual.Form}
	}
	return nil
}

// NormalizeName canonicalizes a column name: lowercase, trimmed, internal
// whitespace collapsed to single underscores. DAX-style bracket wrappers
// ("[TotalUsers]") are stripped so both engines name columns the same way.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "[")
	name = strings.TrimSuffix(name, "]")
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "_")
}

// ParseCell coerces a raw value into a Cell, stripping currency, percent,
// and thousands-separator artifacts from formatted strings.
func ParseCell(v any) Cell {
	switch x := v.(type) {
	case nil:
		return Cell{Text: ""}
	case float64:
		return numCell(x)
	case float32:
		return numCell(float64(x))
	case int:
		return numCell(float64(x))
	case int32:
		return numCell(float64(x))
	case int64:
		return numCell(float64(x))
	case bool:
		return Cell{Text: strconv.FormatBool(x)}
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return numCell(f)
		}
		return Cell{Text: x.String()}
	case string:
		return parseString(x)
	default:
		return parseString(fmt.Sprintf("%v", x))
	}
}

func numCell(f float64) Cell {
	return Cell{Text: strconv.FormatFloat(f, 'f', -1, 64), Num: f, Numeric: true}
}

func parseString(s string) Cell {
	trimmed := strings.TrimSpace(s)
	cleaned := strings.TrimSuffix(trimmed, "%")

	// Sign comes before the currency symbol ("-$5"); accounting style wraps
	// the whole value in parentheses ("($1,234)").
	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = cleaned[1 : len(cleaned)-1]
	}
	if strings.HasPrefix(cleaned, "-") {
		negative = !negative
		cleaned = cleaned[1:]
	}
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.TrimPrefix(cleaned, "€")
	cleaned = strings.TrimPrefix(cleaned, "£")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned != "" {
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			if negative {
				f = -f
			}
			return numCell(f)
		}
	}
	return Cell{Text: trimmed}
}

// sortRows orders table rows by a composite key over all columns so that
// engine-dependent row order never affects comparison.
func sortRows(rows []Row, cols []string) {
	sorted := append([]string(nil), cols...)
	sort.Strings(sorted)
	sort.SliceStable(rows, func(i, j int) bool {
		return RowKey(rows[i], sorted) < RowKey(rows[j], sorted)
	})
}

// RowKey builds the stable composite sort key for one row.
func RowKey(row Row, sortedCols []string) string {
	var b strings.Builder
	for _, c := range sortedCols {
		b.WriteString(row[c].Text)
		b.WriteByte('\x1f')
	}
	return b.String()
}

// Columns returns the row's column names in sorted order.
func Columns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
