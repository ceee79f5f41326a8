package model

import (
	xerrors "github.com/seantiz/anvil/internal/errors"
)

// Task status constants.
const (
	StatusPending  = "pending"
	StatusBlocked  = "blocked"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusSending  = "sending"
)

// Task outcome constants, fixed when a task reaches finished.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeRefused = "refused"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Removal after a successful send is not a status.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusBlocked:  true,
		StatusFinished: true,
	},
	StatusBlocked: {
		StatusRunning:  true,
		StatusFinished: true,
	},
	StatusRunning: {
		StatusFinished: true,
	},
	StatusFinished: {
		StatusSending: true,
	},
	StatusSending: {
		StatusFinished: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidOutcome reports whether s is a known outcome.
func ValidOutcome(s string) bool {
	switch s {
	case OutcomeOK, OutcomeError, OutcomeRefused:
		return true
	}
	return false
}

// BlobRef identifies an immutable blob. Two refs with the same ID must agree
// on Size.
type BlobRef struct {
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// TotalSize sums the declared sizes of refs.
func TotalSize(refs []BlobRef) int64 {
	var n int64
	for _, r := range refs {
		n += r.Size
	}
	return n
}

// Task is a unit of work received from the provider.
type Task struct {
	ID      string    `json:"id"`
	Project string    `json:"project"`
	Program BlobRef   `json:"program"`
	Control []byte    `json:"control,omitempty"`
	Inputs  []BlobRef `json:"inputs"`
	Status  string    `json:"status"`

	// Set once Status reaches finished.
	Outcome string           `json:"outcome,omitempty"`
	Outputs []BlobRef        `json:"outputs,omitempty"`
	Error   *xerrors.Payload `json:"error,omitempty"`
}

// Blobs returns the program followed by the inputs, the set a task needs
// locally before it can run.
func (t *Task) Blobs() []BlobRef {
	refs := make([]BlobRef, 0, len(t.Inputs)+1)
	refs = append(refs, t.Program)
	return append(refs, t.Inputs...)
}

// Result is a finished task as submitted to the provider, with output blob
// contents inlined.
type Result struct {
	TaskID  string
	Outcome string
	Data    [][]byte
	Error   *xerrors.Payload
}

// Size is the number of payload bytes the result contributes to a send batch.
func (r *Result) Size() int {
	n := len(r.TaskID)
	for _, d := range r.Data {
		n += len(d)
	}
	if r.Error != nil {
		n += len(r.Error.Message)
	}
	return n
}
