package runner

import (
	"fmt"
	"io"

	"github.com/kamilpajak/veritas/pkg/models"
)

// ProgressEvent represents a single progress update during a suite run.
type ProgressEvent struct {
	Type    string             `json:"type"` // "case", "pass", "fail", "error", "info", "done"
	Done    int                `json:"done,omitempty"`
	Total   int                `json:"total,omitempty"`
	CaseID  string             `json:"case_id,omitempty"`
	Message string             `json:"message,omitempty"`
	Summary *models.RunSummary `json:"summary,omitempty"` // final summary (for "done" type)
}

// ProgressEmitter receives progress events during a suite run.
type ProgressEmitter interface {
	Emit(event ProgressEvent)
}

// TextEmitter formats progress events as human-readable text for CLI output.
type TextEmitter struct {
	W io.Writer
}

// Emit writes a formatted progress line to the underlying writer.
func (e *TextEmitter) Emit(ev ProgressEvent) {
	switch ev.Type {
	case "pass":
		fmt.Fprintf(e.W, "[%d/%d] PASS %s\n", ev.Done, ev.Total, ev.CaseID)
	case "fail":
		fmt.Fprintf(e.W, "[%d/%d] FAIL %s: %s\n", ev.Done, ev.Total, ev.CaseID, ev.Message)
	case "error":
		fmt.Fprintf(e.W, "[%d/%d] ERROR %s: %s\n", ev.Done, ev.Total, ev.CaseID, ev.Message)
	case "info":
		fmt.Fprintf(e.W, "  %s\n", ev.Message)
	case "done":
		if ev.Summary != nil {
			fmt.Fprintf(e.W, "%d/%d passed (%.1f%% accuracy), %d failed, %d errors\n",
				ev.Summary.Passed, ev.Summary.Total, ev.Summary.Accuracy()*100,
				ev.Summary.Failed, ev.Summary.Errors)
		}
	}
}

// NopEmitter discards all progress events.
type NopEmitter struct{}

func (NopEmitter) Emit(ProgressEvent) {}
