package domain

import (
	"context"
	"fmt"

	"example.com/presence/internal/events"
)

// appendOutbox records the outbox rows for a committed transition: a
// status.changed snapshot always, plus activity.recorded for task events.
func appendOutbox(ctx context.Context, tx TransitionStore, evt Event, next StatusProjection) error {
	statusKey := fmt.Sprintf("%s:%s", evt.TenantID, evt.UserID)
	changed := events.StatusChanged{
		TenantID:    next.TenantID,
		UserID:      next.UserID,
		Status:      string(next.Status),
		TaskID:      next.CurrentTaskID,
		IsAvailable: next.IsAvailable,
		OccurredAt:  next.StatusStartedAt,
		AutoEndAt:   next.AutoEndAt,
	}
	if err := tx.AppendOutbox(ctx, OutboxStatusChanged, statusKey, evt.ID+":"+OutboxStatusChanged, changed); err != nil {
		return err
	}

	if !IsTaskEvent(evt.Type) {
		return nil
	}
	recorded := events.ActivityRecorded{
		EventID:    evt.ID,
		TenantID:   evt.TenantID,
		UserID:     evt.UserID,
		EventType:  string(evt.Type),
		TaskID:     evt.TaskID,
		StartedAt:  evt.StartedAt,
		DurationMs: evt.DurationMs,
	}
	return tx.AppendOutbox(ctx, OutboxActivityRecorded, evt.ID, evt.ID+":"+OutboxActivityRecorded, recorded)
}
