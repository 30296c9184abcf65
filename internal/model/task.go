package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WorkerTypeAuto lets the session pick the agent profile.
const WorkerTypeAuto = "auto"

// SessionHandle references the execution environment that runs a task.
type SessionHandle struct {
	WorkspacePath string `json:"workspacePath"`
	SessionID     string `json:"sessionId"`
}

type Task struct {
	ID            string `json:"taskId"`
	WorkerType    string `json:"workerType"`
	Prompt        string `json:"prompt"`
	Repository    string `json:"repository,omitempty"`
	BaseBranch    string `json:"baseBranch,omitempty"`
	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`

	Session *SessionHandle `json:"sessionHandle,omitempty"`
	Status  Status         `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`

	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ResultURL string `json:"resultUrl,omitempty"`
	Summary   string `json:"summary,omitempty"`

	ActionID         string `json:"actionId,omitempty"`
	LinkedIssueID    string `json:"linkedIssueId,omitempty"`
	LinkedIssueTitle string `json:"linkedIssueTitle,omitempty"`
	Slug             string `json:"slug,omitempty"`

	Notified bool `json:"notified"`
	// DeadLettered is set when delivery was given up after max_attempts.
	DeadLettered bool `json:"deadLettered,omitempty"`
}

// NeedsToken reports whether starting the task requires an installation token.
func (t Task) NeedsToken() bool {
	return t.Repository != ""
}

// Redacted returns a copy safe to show to callers.
func (t Task) Redacted() Task {
	if t.WebhookSecret != "" {
		t.WebhookSecret = "***"
	}
	return t
}

// CreateTaskRequest is the inbound payload for POST /tasks.
type CreateTaskRequest struct {
	TaskID           string `json:"taskId"`
	WorkerType       string `json:"workerType"`
	Prompt           string `json:"prompt"`
	WebhookURL       string `json:"webhookUrl"`
	WebhookSecret    string `json:"webhookSecret"`
	Repository       string `json:"repository,omitempty"`
	BaseBranch       string `json:"baseBranch,omitempty"`
	LinkedIssueID    string `json:"linkedIssueId,omitempty"`
	LinkedIssueTitle string `json:"linkedIssueTitle,omitempty"`
	Slug             string `json:"slug,omitempty"`
	ActionID         string `json:"actionId,omitempty"`
}

// Validate checks required fields. allowedWorkerTypes may be empty, in which
// case any non-empty worker type is accepted.
func (r CreateTaskRequest) Validate(allowedWorkerTypes []string) error {
	if strings.TrimSpace(r.TaskID) == "" {
		return NewError(KindValidation, "taskId is required")
	}
	if strings.ContainsAny(r.TaskID, "/\\") || r.TaskID == "." || r.TaskID == ".." {
		return NewError(KindValidation, fmt.Sprintf("invalid taskId: %q", r.TaskID))
	}
	if strings.TrimSpace(r.WorkerType) == "" {
		return NewError(KindValidation, "workerType is required")
	}
	if r.WorkerType != WorkerTypeAuto && len(allowedWorkerTypes) > 0 {
		known := false
		for _, w := range allowedWorkerTypes {
			if w == r.WorkerType {
				known = true
				break
			}
		}
		if !known {
			return NewError(KindValidation, fmt.Sprintf("unknown workerType: %q", r.WorkerType))
		}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return NewError(KindValidation, "prompt is required")
	}
	if r.WebhookURL == "" {
		return NewError(KindValidation, "webhookUrl is required")
	}
	u, err := url.Parse(r.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewError(KindValidation, fmt.Sprintf("invalid webhookUrl: %q", r.WebhookURL))
	}
	if r.WebhookSecret == "" {
		return NewError(KindValidation, "webhookSecret is required")
	}
	if r.BaseBranch != "" && r.Repository == "" {
		return NewError(KindValidation, "baseBranch requires repository")
	}
	return nil
}

// NewTask builds a queued task from a validated request.
func NewTask(r CreateTaskRequest, now time.Time) Task {
	return Task{
		ID:               r.TaskID,
		WorkerType:       r.WorkerType,
		Prompt:           r.Prompt,
		Repository:       r.Repository,
		BaseBranch:       r.BaseBranch,
		WebhookURL:       r.WebhookURL,
		WebhookSecret:    r.WebhookSecret,
		Status:           StatusQueued,
		CreatedAt:        now.UTC(),
		ActionID:         r.ActionID,
		LinkedIssueID:    r.LinkedIssueID,
		LinkedIssueTitle: r.LinkedIssueTitle,
		Slug:             r.Slug,
	}
}

// Outcome is what a session reports when it finishes.
type Outcome struct {
	Success   bool   `json:"success"`
	ResultURL string `json:"resultUrl,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
}
