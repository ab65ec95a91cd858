package transcript

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/iambrandonn/corch/internal/protocol"
	"github.com/iambrandonn/corch/internal/tracker"
)

// Formatter renders execution events and progress for console output
type Formatter struct {
	phase   *color.Color
	success *color.Color
	failure *color.Color
	dim     *color.Color
}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{
		phase:   color.New(color.FgCyan),
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed),
		dim:     color.New(color.Faint),
	}
}

// FormatEvent formats an event for console display
func (f *Formatter) FormatEvent(evt *protocol.ExecutionEvent) string {
	task := shortID(evt.TaskID.String())

	var details string
	switch evt.Kind {
	case protocol.EventExecutionStarted:
		details = f.phase.Sprintf("spec: %s", evt.WorkingSpecID)
	case protocol.EventWorkerAssigned:
		details = fmt.Sprintf("worker: %s", evt.WorkerID)
	case protocol.EventPhaseStarted:
		details = f.phase.Sprintf("phase: %s", evt.Phase)
	case protocol.EventPhaseCompleted:
		if evt.Success {
			details = f.success.Sprintf("phase %s ok", evt.Phase)
		} else {
			details = f.failure.Sprintf("phase %s failed", evt.Phase)
		}
	case protocol.EventArtifactProduced:
		details = fmt.Sprintf("artifact: %s", evt.ArtifactPath)
	case protocol.EventQualityCheckCompleted:
		if evt.Passed {
			details = f.success.Sprintf("quality ok (%.2f)", evt.Score)
		} else {
			details = f.failure.Sprintf("quality failed (%.2f)", evt.Score)
		}
	case protocol.EventExecutionCompleted:
		details = f.success.Sprint("completed")
	case protocol.EventExecutionFailed:
		details = f.failure.Sprintf("failed: %s", evt.Error)
	}

	if details != "" {
		return fmt.Sprintf("[%s] %s: %s", task, evt.Kind, details)
	}
	return fmt.Sprintf("[%s] %s", task, evt.Kind)
}

// FormatProgress formats a progress entry for the status display
func (f *Formatter) FormatProgress(p *tracker.ExecutionProgress) string {
	task := shortID(p.TaskID.String())

	statusText := string(p.Status)
	switch p.Status {
	case protocol.StatusCompleted:
		statusText = f.success.Sprint(statusText)
	case protocol.StatusFailed, protocol.StatusCancelled:
		statusText = f.failure.Sprint(statusText)
	default:
		statusText = f.phase.Sprint(statusText)
	}

	line := fmt.Sprintf("[%s] %s %3d%%", task, statusText, p.Completion)
	if p.CurrentPhase != "" {
		line += f.dim.Sprintf(" (%s)", p.CurrentPhase)
	}
	if p.ErrorMessage != "" {
		line += f.failure.Sprintf(" error=%s", p.ErrorMessage)
	}
	return line
}

// FormatBudget renders the budget portion of a status line
func (f *Formatter) FormatBudget(state protocol.BudgetState, limits protocol.BudgetLimits) string {
	return f.dim.Sprintf("budget: %d/%d files, %d/%d loc",
		state.FilesUsed, limits.MaxFiles, state.LOCUsed, limits.MaxLOC)
}

// shortID trims a uuid to its first segment for display
func shortID(id string) string {
	if i := strings.Index(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}
