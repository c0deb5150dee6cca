// Package analyze assigns a failure category to failing run outcomes by
// inspecting the recorded error state and the two query texts. Rules are
// checked in a fixed priority order and the first match wins, so the same
// outcome always yields the same category.
package analyze

import (
	"strings"

	"github.com/kamilpajak/veritas/pkg/models"
)

// Aggregate identifies the aggregation family a query computes.
type Aggregate string

const (
	AggCountDistinct Aggregate = "count-distinct"
	AggCount         Aggregate = "count"
	AggSum           Aggregate = "sum"
	AggAvg           Aggregate = "avg"
	AggMin           Aggregate = "min"
	AggMax           Aggregate = "max"
)

// Categorize assigns the failure category for a failing outcome:
// engine-error, then shape-mismatch, then aggregation-mismatch, then
// filter-mismatch, then unclassified. It is a pure function of the outcome.
func Categorize(o *models.RunOutcome) models.FailureCategory {
	if o.RawError != "" {
		return models.CategoryEngineError
	}
	if o.ShapeError != "" {
		return models.CategoryShapeMismatch
	}

	agentAgg, agentOK := DetectAggregate(o.AgentQuery)
	truthAgg, truthOK := DetectAggregate(o.GroundDAX)
	if agentOK && truthOK && agentAgg != truthAgg {
		return models.CategoryAggregationMismatch
	}

	if HasFilter(o.GroundDAX) && !HasFilter(o.AgentQuery) {
		return models.CategoryFilterMismatch
	}

	return models.CategoryUnclassified
}

// aggregateMarkers maps query-text markers to aggregation families. DAX and
// SQL spell the same aggregation differently; both vocabularies collapse to
// one family so COUNT(DISTINCT x) and DISTINCTCOUNT(x) agree. More specific
// markers come first.
var aggregateMarkers = []struct {
	marker string
	agg    Aggregate
}{
	{"DISTINCTCOUNT(", AggCountDistinct},
	{"COUNT(DISTINCT", AggCountDistinct},
	{"COUNT( DISTINCT", AggCountDistinct},
	{"AVERAGEX(", AggAvg},
	{"AVERAGE(", AggAvg},
	{"AVG(", AggAvg},
	{"SUMX(", AggSum},
	{"SUM(", AggSum},
	{"COUNTROWS(", AggCount},
	{"COUNT(", AggCount},
	{"MIN(", AggMin},
	{"MAX(", AggMax},
}

// DetectAggregate finds the dominant aggregation family in a query text.
// The second return is false when no known aggregate appears.
func DetectAggregate(query string) (Aggregate, bool) {
	q := strings.ToUpper(collapseSpaces(query))
	best := -1
	var found Aggregate
	for _, m := range aggregateMarkers {
		idx := strings.Index(q, m.marker)
		if idx < 0 {
			continue
		}
		// Earliest marker wins: the outermost aggregate is the one that
		// shapes the answer.
		if best == -1 || idx < best {
			best = idx
			found = m.agg
		}
	}
	return found, best >= 0
}

// filterMarkers are the predicate constructs that narrow a query to a time
// window or category. A ground-truth query using any of these while the
// agent query uses none indicates a dropped filter.
var filterMarkers = []string{
	"WHERE ",
	"HAVING ",
	"FILTER(",
	"CALCULATE(",
	"CALCULATETABLE(",
	"DATESBETWEEN(",
	"DATESINPERIOD(",
	"DATEADD(",
	"DATESYTD(",
	"DATEDIFF(",
}

// HasFilter reports whether the query restricts its input with a time or
// category predicate.
func HasFilter(query string) bool {
	q := strings.ToUpper(collapseSpaces(query))
	for _, m := range filterMarkers {
		if strings.Contains(q, m) {
			return true
		}
	}
	return false
}

// collapseSpaces joins all whitespace runs (including newlines) into single
// spaces so markers match across formatted queries.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
