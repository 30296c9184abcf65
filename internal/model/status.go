package model

import "fmt"

type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted:   true,
	StatusFailed:      true,
	StatusCancelled:   true,
	StatusInterrupted: true,
}

// Task transitions: queued → running → terminal.
// queued → failed covers a session that could not be started.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusCompleted:   true,
		StatusFailed:      true,
		StatusCancelled:   true,
		StatusInterrupted: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsKnownStatus(s Status) bool {
	return s == StatusQueued || s == StatusRunning || terminalStatuses[s]
}

// ValidateTaskTransition returns an INVALID_TRANSITION error for any edge
// outside the task state machine.
func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return NewError(KindInvalidTransition, fmt.Sprintf("cannot transition from terminal status %q to %q", from, to))
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return NewError(KindInvalidTransition, fmt.Sprintf("unknown status %q", from))
	}
	if !allowed[to] {
		return NewError(KindInvalidTransition, fmt.Sprintf("invalid task transition: %q → %q", from, to))
	}
	return nil
}

// Reasons recorded alongside a terminal status.
const (
	ReasonTimeout            = "timeout"
	ReasonRecoveredStale     = "recovered_stale"
	ReasonRecoveredUnstarted = "recovered_unstarted"
	ReasonShutdown           = "shutdown"
	ReasonCancelRequested    = "cancel_requested"
	ReasonSessionStartFailed = "session_start_failed"
	ReasonTokenUnavailable   = "token_unavailable"
	ReasonSessionFailed      = "session_failed"
	ReasonSessionCompleted   = "session_completed"
)
