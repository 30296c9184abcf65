// Package session starts and stops the isolated execution environments that
// run a task's agent.
package session

import (
	"context"

	"github.com/msageha/conductor/internal/model"
)

type StartRequest struct {
	Task  model.Task
	Token string // installation token; empty when the task names no repository
}

// Session is a started execution environment. Done yields exactly one
// Outcome and is then closed.
type Session struct {
	Handle model.SessionHandle
	Done   <-chan model.Outcome
}

// Runner is the external session backend. Start must not block for the
// lifetime of the session.
type Runner interface {
	Start(ctx context.Context, req StartRequest) (*Session, error)
	Terminate(ctx context.Context, handle model.SessionHandle) error
}
