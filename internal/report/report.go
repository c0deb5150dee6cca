// Package report aggregates run outcomes into human-readable summaries and
// accuracy trends across runs.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/kamilpajak/veritas/pkg/models"
)

// RunReport is one run's summary plus its failure breakdown.
type RunReport struct {
	Summary    models.RunSummary              `json:"summary"`
	Categories map[models.FailureCategory]int `json:"categories,omitempty"`
	Failures   []models.RunOutcome            `json:"failures,omitempty"`
}

// Build aggregates a run's outcomes into a report. Failures are ordered by
// case id so the output is stable across invocations.
func Build(summary models.RunSummary, outcomes []models.RunOutcome) *RunReport {
	r := &RunReport{
		Summary:    summary,
		Categories: make(map[models.FailureCategory]int),
	}
	for i := range outcomes {
		o := outcomes[i]
		if o.Passed {
			continue
		}
		if o.Category != nil {
			r.Categories[*o.Category]++
		}
		r.Failures = append(r.Failures, o)
	}
	sort.Slice(r.Failures, func(i, j int) bool {
		return r.Failures[i].CaseID < r.Failures[j].CaseID
	})
	return r
}

// Write prints the report as formatted text.
func (r *RunReport) Write(w io.Writer) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	_, _ = bold.Fprintf(w, "Run %s\n", r.Summary.RunID)
	_, _ = dim.Fprintf(w, "  %s — %s\n", r.Summary.StartedAt.Format("2006-01-02 15:04:05"),
		r.Summary.FinishedAt.Format("15:04:05"))
	fmt.Fprintln(w)

	printAccuracyBar(w, r.Summary.Accuracy())
	fmt.Fprintf(w, "  %d total, %d passed, %d failed, %d errors\n",
		r.Summary.Total, r.Summary.Passed, r.Summary.Failed, r.Summary.Errors)

	if len(r.Failures) == 0 {
		return
	}

	fmt.Fprintln(w)
	_, _ = bold.Fprintln(w, "FAILURES")
	for _, o := range r.Failures {
		category := "unclassified"
		if o.Category != nil {
			category = string(*o.Category)
		}
		fmt.Fprintf(w, "  %s  %s", o.CaseID, category)
		if o.Delta != nil {
			_, _ = dim.Fprintf(w, "  (delta %.4g)", *o.Delta)
		}
		fmt.Fprintln(w)
		if o.RawError != "" {
			_, _ = dim.Fprintf(w, "    %s\n", o.RawError)
		}
	}
}

// Trend is the accuracy trajectory over a sequence of runs, oldest first.
type Trend struct {
	Runs []models.RunSummary `json:"runs"`
	// Delta is the accuracy change from the first run to the last.
	Delta float64 `json:"delta"`
}

// BuildTrend orders runs chronologically and computes the net accuracy
// change.
func BuildTrend(runs []models.RunSummary) *Trend {
	ordered := append([]models.RunSummary(nil), runs...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].StartedAt.Before(ordered[j].StartedAt)
	})

	t := &Trend{Runs: ordered}
	if len(ordered) > 1 {
		first := ordered[0]
		last := ordered[len(ordered)-1]
		t.Delta = last.Accuracy() - first.Accuracy()
	}
	return t
}

// Write prints one line per run plus the net change.
func (t *Trend) Write(w io.Writer) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	_, _ = bold.Fprintln(w, "ACCURACY TREND")
	for _, run := range t.Runs {
		fmt.Fprintf(w, "  %s  %5.1f%%  ", run.StartedAt.Format("2006-01-02 15:04"), run.Accuracy()*100)
		_, _ = dim.Fprintf(w, "(%d/%d passed, %d errors)\n", run.Passed, run.Total, run.Errors)
	}

	if len(t.Runs) > 1 {
		fmt.Fprintln(w)
		switch {
		case t.Delta > 0:
			_, _ = color.New(color.FgGreen).Fprintf(w, "  +%.1f%% over %d runs\n", t.Delta*100, len(t.Runs))
		case t.Delta < 0:
			_, _ = color.New(color.FgRed).Fprintf(w, "  %.1f%% over %d runs\n", t.Delta*100, len(t.Runs))
		default:
			_, _ = dim.Fprintf(w, "  unchanged over %d runs\n", len(t.Runs))
		}
	}
}

func printAccuracyBar(w io.Writer, accuracy float64) {
	const barWidth = 24
	filled := int(accuracy * barWidth)
	if filled > barWidth {
		filled = barWidth
	}

	var barColor *color.Color
	switch {
	case accuracy >= 0.95:
		barColor = color.New(color.FgGreen)
	case accuracy >= 0.8:
		barColor = color.New(color.FgYellow)
	default:
		barColor = color.New(color.FgRed)
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	fmt.Fprintf(w, "  Accuracy: %.1f%% ", accuracy*100)
	_, _ = barColor.Fprint(w, bar)
	fmt.Fprintln(w)
}
