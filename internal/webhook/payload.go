package webhook

import (
	"time"

	"github.com/msageha/conductor/internal/model"
)

// Payload is the body POSTed to a task's webhook URL when it reaches a
// terminal status.
type Payload struct {
	TaskID           string       `json:"taskId"`
	Status           model.Status `json:"status"`
	Reason           string       `json:"reason,omitempty"`
	Error            string       `json:"error,omitempty"`
	ResultURL        string       `json:"resultUrl,omitempty"`
	Summary          string       `json:"summary,omitempty"`
	WorkerType       string       `json:"workerType"`
	Repository       string       `json:"repository,omitempty"`
	BaseBranch       string       `json:"baseBranch,omitempty"`
	StartedAt        *time.Time   `json:"startedAt"`
	CompletedAt      *time.Time   `json:"completedAt"`
	ActionID         string       `json:"actionId,omitempty"`
	LinkedIssueID    string       `json:"linkedIssueId,omitempty"`
	LinkedIssueTitle string       `json:"linkedIssueTitle,omitempty"`
	Slug             string       `json:"slug,omitempty"`
	// Interrupted tasks are never resumed automatically; callers must
	// resubmit.
	Resumable bool `json:"resumable"`
}

func NewPayload(t model.Task) Payload {
	return Payload{
		TaskID:           t.ID,
		Status:           t.Status,
		Reason:           t.Reason,
		Error:            t.Error,
		ResultURL:        t.ResultURL,
		Summary:          t.Summary,
		WorkerType:       t.WorkerType,
		Repository:       t.Repository,
		BaseBranch:       t.BaseBranch,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		ActionID:         t.ActionID,
		LinkedIssueID:    t.LinkedIssueID,
		LinkedIssueTitle: t.LinkedIssueTitle,
		Slug:             t.Slug,
	}
}
