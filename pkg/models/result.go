package models

// QueryResult is the raw tabular payload returned by either engine before
// normalization. Row order is engine-dependent and carries no meaning.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Empty reports whether the result carries no rows.
func (r *QueryResult) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// Scalar builds a single-cell result, the common case for metric queries.
func Scalar(name string, value any) *QueryResult {
	return &QueryResult{Columns: []string{name}, Rows: [][]any{{value}}}
}
