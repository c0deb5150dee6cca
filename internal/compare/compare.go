// Package compare decides whether a normalized agent result agrees with the
// normalized ground truth under a tolerance policy.
package compare

import (
	"fmt"
	"math"

	"github.com/kamilpajak/veritas/internal/normalize"
	"github.com/kamilpajak/veritas/pkg/models"
)

// epsilon substitutes for a zero expected value in relative comparisons to
// guard the division.
const epsilon = 1e-9

// Outcome is the result of one comparison.
type Outcome struct {
	Pass bool
	// Delta is the measured deviation: absolute difference for absolute
	// mode, percentage for relative mode. Meaningful only when HasDelta.
	Delta    float64
	HasDelta bool
	// ZeroFallback marks a relative comparison where the expected value was
	// zero and exact equality was required instead of the threshold.
	ZeroFallback bool
	// MissingRows and ExtraRows are the symmetric difference for
	// set-equality comparisons: rows only in expected, rows only in actual.
	MissingRows []normalize.Row
	ExtraRows   []normalize.Row
}

// Compare evaluates actual against expected under spec. Shape mismatches
// come back as *normalize.ShapeMismatchError; they are data failures, never
// panics. Both inputs must be non-nil normalized results.
func Compare(expected, actual *normalize.Normalized, spec models.ToleranceSpec) (*Outcome, error) {
	if err := normalize.Reconcile(expected, actual); err != nil {
		return nil, err
	}

	switch spec.Mode {
	case models.ToleranceExact:
		return compareExact(expected, actual)
	case models.ToleranceAbsolute:
		return compareNumeric(expected, actual, spec.Threshold, false)
	case models.ToleranceRelativePercent:
		return compareNumeric(expected, actual, spec.Threshold, true)
	case models.ToleranceSetEquality:
		return compareSets(expected, actual)
	default:
		return nil, fmt.Errorf("unknown tolerance mode %q", spec.Mode)
	}
}

func compareExact(expected, actual *normalize.Normalized) (*Outcome, error) {
	switch expected.Form {
	case normalize.FormScalar:
		return &Outcome{Pass: cellsEqual(expected.Scalar, actual.Scalar)}, nil
	case normalize.FormRow:
		return &Outcome{Pass: rowsEqual(expected.Row, actual.Row)}, nil
	default:
		return compareSets(expected, actual)
	}
}

func compareNumeric(expected, actual *normalize.Normalized, threshold float64, relative bool) (*Outcome, error) {
	switch expected.Form {
	case normalize.FormScalar:
		return numericOutcome(expected.Scalar, actual.Scalar, threshold, relative)
	case normalize.FormRow:
		// Field-wise: same field set on both sides, every numeric field
		// within tolerance, and the worst deviation is reported.
		if len(actual.Row) != len(expected.Row) {
			return &Outcome{Pass: false}, nil
		}
		worst := &Outcome{Pass: true}
		for name, exp := range expected.Row {
			act, ok := actual.Row[name]
			if !ok {
				return &Outcome{Pass: false}, nil
			}
			o, err := numericOutcome(exp, act, threshold, relative)
			if err != nil {
				return nil, err
			}
			if !o.Pass {
				worst.Pass = false
			}
			if o.HasDelta && (!worst.HasDelta || o.Delta > worst.Delta) {
				worst.Delta = o.Delta
				worst.HasDelta = true
				worst.ZeroFallback = o.ZeroFallback
			}
		}
		return worst, nil
	default:
		return nil, fmt.Errorf("numeric tolerance requires a scalar or row result, got %s", expected.Form)
	}
}

func numericOutcome(exp, act normalize.Cell, threshold float64, relative bool) (*Outcome, error) {
	if !exp.Numeric || !act.Numeric {
		// Categorical values under a numeric tolerance degrade to equality.
		return &Outcome{Pass: cellsEqual(exp, act)}, nil
	}

	diff := math.Abs(exp.Num - act.Num)
	if !relative {
		return &Outcome{Pass: diff <= threshold, Delta: diff, HasDelta: true}, nil
	}

	if math.Abs(exp.Num) < epsilon {
		// Expected value is zero: a relative bound is meaningless, so the
		// agent value must be zero too.
		return &Outcome{Pass: diff <= epsilon, Delta: diff, HasDelta: true, ZeroFallback: true}, nil
	}

	pct := diff / math.Max(math.Abs(exp.Num), epsilon) * 100
	return &Outcome{Pass: pct <= threshold, Delta: pct, HasDelta: true}, nil
}

func compareSets(expected, actual *normalize.Normalized) (*Outcome, error) {
	expRows := tableOf(expected)
	actRows := tableOf(actual)

	expKeys := keyedRows(expRows)
	actKeys := keyedRows(actRows)

	out := &Outcome{Pass: true}
	for key, row := range expKeys {
		if _, ok := actKeys[key]; !ok {
			out.MissingRows = append(out.MissingRows, row)
		}
	}
	for key, row := range actKeys {
		if _, ok := expKeys[key]; !ok {
			out.ExtraRows = append(out.ExtraRows, row)
		}
	}
	out.Pass = len(out.MissingRows) == 0 && len(out.ExtraRows) == 0
	return out, nil
}

func tableOf(n *normalize.Normalized) []normalize.Row {
	switch n.Form {
	case normalize.FormTable:
		return n.Table
	case normalize.FormRow:
		return []normalize.Row{n.Row}
	default:
		return []normalize.Row{{"value": n.Scalar}}
	}
}

func keyedRows(rows []normalize.Row) map[string]normalize.Row {
	keyed := make(map[string]normalize.Row, len(rows))
	for _, row := range rows {
		keyed[normalize.RowKey(row, normalize.Columns(row))] = row
	}
	return keyed
}

func cellsEqual(a, b normalize.Cell) bool {
	if a.Numeric && b.Numeric {
		return a.Num == b.Num
	}
	return a.Text == b.Text
}

func rowsEqual(a, b normalize.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for name, cell := range a {
		other, ok := b[name]
		if !ok || !cellsEqual(cell, other) {
			return false
		}
	}
	return true
}
