package webhook

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/conductor/internal/atomicfile"
	"github.com/msageha/conductor/internal/model"
)

type deadLetter struct {
	SchemaVersion  int            `yaml:"schema_version"`
	FileType       string         `yaml:"file_type"`
	DeliveryID     string         `yaml:"delivery_id"`
	TaskID         string         `yaml:"task_id"`
	Status         string         `yaml:"status"`
	TargetURL      string         `yaml:"target_url"`
	AttemptCount   int            `yaml:"attempt_count"`
	LastError      string         `yaml:"last_error,omitempty"`
	Payload        map[string]any `yaml:"payload"`
	CreatedAt      string         `yaml:"created_at"`
	DeadLetteredAt string         `yaml:"dead_lettered_at"`
	Reason         string         `yaml:"reason"`
}

// archiveDeadLetter writes a delivery that exhausted its attempts to
// dir/<timestamp>_<task>_<status>.yaml. The secret is not archived.
func archiveDeadLetter(dir string, d model.PendingDelivery, reason string, now time.Time) (string, error) {
	var payload map[string]any
	if len(d.Payload) > 0 {
		if err := json.Unmarshal(d.Payload, &payload); err != nil {
			return "", fmt.Errorf("decode payload for archive: %w", err)
		}
	}
	entry := deadLetter{
		SchemaVersion:  1,
		FileType:       "dead_letter",
		DeliveryID:     d.ID,
		TaskID:         d.TaskID,
		Status:         string(d.Status),
		TargetURL:      d.TargetURL,
		AttemptCount:   d.AttemptCount,
		LastError:      d.LastError,
		Payload:        payload,
		CreatedAt:      d.CreatedAt.UTC().Format(time.RFC3339),
		DeadLetteredAt: now.UTC().Format(time.RFC3339),
		Reason:         reason,
	}
	name := fmt.Sprintf("%s_%s_%s.yaml", now.UTC().Format("20060102T150405Z"), d.TaskID, d.Status)
	path := filepath.Join(dir, name)
	if err := atomicfile.WriteYAML(path, entry); err != nil {
		return "", fmt.Errorf("archive dead letter: %w", err)
	}
	return path, nil
}
