package request

import "fmt"

// Status is the lifecycle state of a request. Transitions are restricted to
// the adjacency table below; completed is terminal.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPreProcessing  Status = "pre_processing"
	StatusDownloading    Status = "downloading"
	StatusPostProcessing Status = "post_processing"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// transitions maps each status to the set of statuses it may move to.
// Any non-terminal status may additionally move to failed.
var transitions = map[Status][]Status{
	StatusPending:        {StatusPreProcessing, StatusFailed},
	StatusPreProcessing:  {StatusDownloading, StatusFailed},
	StatusDownloading:    {StatusPostProcessing, StatusFailed},
	StatusPostProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:      {},
	StatusFailed:         {StatusPending},
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted }

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when an illegal status change is
// requested. It is never retried automatically.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	if e.From == StatusCompleted {
		return fmt.Sprintf("request has already completed, cannot change status to %s", e.To)
	}
	if !e.To.Valid() {
		return fmt.Sprintf("status %s is not supported", e.To)
	}
	return fmt.Sprintf("status change from %s to %s is not possible", e.From, e.To)
}

// RegressingProgressError is returned when a progress update would move
// backwards. The request is left unchanged.
type RegressingProgressError struct {
	Current int
	Value   int
}

func (e *RegressingProgressError) Error() string {
	return fmt.Sprintf("progress %d regresses below current progress %d", e.Value, e.Current)
}
