package model

import (
	"encoding/json"
	"time"
)

const StateSchemaVersion = 1

// OrchestratorState is the persisted snapshot.
type OrchestratorState struct {
	SchemaVersion     int               `json:"schemaVersion"`
	SavedAt           time.Time         `json:"savedAt"`
	Tasks             map[string]Task   `json:"tasks"`
	CachedToken       *TokenCache       `json:"cachedToken"`
	PendingDeliveries []PendingDelivery `json:"pendingDeliveries"`
}

func NewOrchestratorState() OrchestratorState {
	return OrchestratorState{
		SchemaVersion:     StateSchemaVersion,
		Tasks:             make(map[string]Task),
		PendingDeliveries: []PendingDelivery{},
	}
}

// TokenCache holds the upstream installation token.
type TokenCache struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ObtainedAt time.Time `json:"obtainedAt"`
}

// ValidAt reports whether the token is still usable at now.
func (c *TokenCache) ValidAt(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ExpiresAt)
}

// PendingDelivery is one queued terminal-status webhook.
type PendingDelivery struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"taskId"`
	Status        Status          `json:"status"`
	TargetURL     string          `json:"targetUrl"`
	Secret        string          `json:"secret"`
	Payload       json.RawMessage `json:"payload"`
	AttemptCount  int             `json:"attemptCount"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Key identifies a delivery for idempotent enqueueing.
func (d PendingDelivery) Key() string {
	return DeliveryKey(d.TaskID, d.Status)
}

func DeliveryKey(taskID string, status Status) string {
	return taskID + "|" + string(status)
}
