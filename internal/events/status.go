// Package events defines the payloads published to downstream consumers.
package events

import "time"

// StatusChanged is emitted after every committed transition and carries the
// resulting projection snapshot.
type StatusChanged struct {
	TenantID    string     `json:"tenant_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	TaskID      *string    `json:"task_id,omitempty"`
	IsAvailable bool       `json:"is_available"`
	OccurredAt  time.Time  `json:"occurred_at"`
	AutoEndAt   *time.Time `json:"auto_end_at,omitempty"`
}

// ActivityRecorded is emitted for task-related events so downstream time
// accounting can follow the raw log.
type ActivityRecorded struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	EventType  string    `json:"event_type"`
	TaskID     *string   `json:"task_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
}
