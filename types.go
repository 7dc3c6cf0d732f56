package reportagent

import (
	"time"

	"github.com/ofdreport/ReportAgent/pkg/downloads"
	"github.com/ofdreport/ReportAgent/pkg/notify"
	"github.com/ofdreport/ReportAgent/pkg/sources"
	"github.com/ofdreport/ReportAgent/pkg/types"
	"github.com/pkg/errors"
)

// ErrBatchAborted is returned when one source hit a session-fatal fault and
// the whole batch was stopped.
var ErrBatchAborted = errors.New("batch aborted")

// ClaimedFile is a download renamed to its canonical "<n>.xlsx" name.
type ClaimedFile = downloads.ClaimedFile

// SourceTask is one configured URL within a batch. Index is 1-based.
type SourceTask struct {
	URL    string
	Index  int
	Total  int
	Range  types.DateRange
	Filter types.FilterKind
}

// Counter renders the "i/n" prefix used in operator messages.
func (t SourceTask) Counter() string {
	return formatCounter(t.Index, t.Total)
}

// TaskState is the Task Runner state machine position.
type TaskState int

const (
	StateInit TaskState = iota
	StateDispatching
	StateAwaitingFile
	StateClaiming
	StateDone
	StateAuthFailed
	StateSourceError
	StateTimeout
	// StateCancelled marks a task stopped because a sibling aborted the batch
	// or the caller cancelled it.
	StateCancelled
)

var taskStateNames = map[TaskState]string{
	StateInit:         "init",
	StateDispatching:  "dispatching",
	StateAwaitingFile: "awaiting_file",
	StateClaiming:     "claiming",
	StateDone:         "done",
	StateAuthFailed:   "auth_failed",
	StateSourceError:  "source_error",
	StateTimeout:      "timeout",
	StateCancelled:    "cancelled",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state ends a task.
func (s TaskState) Terminal() bool {
	return s >= StateDone
}

// TaskOutcome is what a Task Runner reports back for one SourceTask.
type TaskOutcome struct {
	Task       SourceTask
	Source     sources.Source
	State      TaskState
	File       *ClaimedFile
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed reports whether the source ended without delivering its data.
func (o TaskOutcome) Failed() bool {
	return o.State != StateDone
}

// BatchRequest is the input of one orchestrator run.
type BatchRequest struct {
	URLs     []string
	Range    types.DateRange
	Filter   types.FilterKind
	Progress notify.Sink
}

// BatchResult aggregates one run. Files and Outcomes are in completion order.
type BatchResult struct {
	BatchID     string
	Files       []ClaimedFile
	Outcomes    []TaskOutcome
	Failed      int
	Aborted     bool
	Workers     int
	PeakWorkers int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Paths returns the absolute paths of the claimed files.
func (r *BatchResult) Paths() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, f.Path)
	}
	return out
}
