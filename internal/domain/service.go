// Package domain defines the business logic for the presence service.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStatusNotFound is returned when a user has no status projection yet.
var ErrStatusNotFound = errors.New("status not found for user")

// Store captures persistence operations. ExecTransition must run fn inside a
// single database transaction that holds the user's status projection row
// locked for the duration, so concurrent transitions for the same user
// serialize. Read methods never mutate state.
type Store interface {
	ExecTransition(ctx context.Context, tenantID, userID string, fn func(ctx context.Context, tx TransitionStore) error) error

	Status(ctx context.Context, tenantID, userID string) (*StatusProjection, error)
	ListEvents(ctx context.Context, tenantID, userID string, cursor *Cursor, limit int) ([]Event, *Cursor, error)
	TaskEvents(ctx context.Context, tenantID, taskID string, userID *string) ([]Event, error)
	EventsInWindow(ctx context.Context, tenantID, userID string, from, to time.Time) ([]Event, error)
	TaskLabels(ctx context.Context, tenantID string, taskIDs []string) (map[string]string, error)
	TeamOverview(ctx context.Context, tenantID, workspaceID string) ([]MemberStatus, error)
}

// TransitionStore exposes the writes available inside a transition transaction.
type TransitionStore interface {
	StatusForUpdate(ctx context.Context, userID string) (*StatusProjection, error)
	OpenActivityStarts(ctx context.Context, userID string) ([]Event, error)
	InsertEvent(ctx context.Context, e Event) error
	UpsertStatus(ctx context.Context, p StatusProjection) error
	InsertTaskActivity(ctx context.Context, entry TaskActivityEntry) error

	TaskPrimaryAssignee(ctx context.Context, taskID string) (string, error)
	HelperLastWorkedAt(ctx context.Context, taskID, userID string) (last *time.Time, registered bool, err error)
	StampHelperStart(ctx context.Context, taskID, userID string, at time.Time) error
	SettleHelperTime(ctx context.Context, taskID, userID string, deltaMs int64, at time.Time) error

	AppendOutbox(ctx context.Context, eventType, partitionKey, dedupeKey string, payload any) error
}

// TaskActivityEntry mirrors task-related events into the task activity audit log.
type TaskActivityEntry struct {
	TenantID  string
	TaskID    string
	UserID    string
	Action    string
	Detail    *string
	CreatedAt time.Time
}

// MemberStatus is the team-overview read model: a workspace member joined to
// their current projection, if any.
type MemberStatus struct {
	UserID      string
	DisplayName string
	Status      *Status
	TaskID      *string
	Since       *time.Time
	IsAvailable bool
}

// Cursor models the pagination token for event listings.
type Cursor struct {
	StartedAt time.Time
	ID        string
}

// Outbox event type identifiers routed by the persistence layer.
const (
	OutboxStatusChanged    = "status.changed"
	OutboxActivityRecorded = "activity.recorded"
)

// Audit log action labels for task-related events.
var taskActionLabels = map[EventType]string{
	EventTaskStart:    "work_started",
	EventTaskPause:    "work_paused",
	EventTaskStop:     "work_stopped",
	EventTaskComplete: "work_completed",
}

// Service orchestrates activity transitions and reporting reads.
type Service struct {
	store Store
	now   func() time.Time
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithNow overrides the wall clock, used by tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartInput captures the payload for a transition from the API layer.
type StartInput struct {
	TenantID    string
	UserID      string
	Type        EventType
	TaskID      *string
	Description *string
	Metadata    map[string]any
	AutoEndAt   *time.Time
}

// StartActivity records a new activity for the user, closing out any
// conflicting ongoing activity first. The whole sequence runs inside one
// transaction; on failure nothing is persisted.
func (s *Service) StartActivity(ctx context.Context, in StartInput) (*Event, error) {
	// Reject unmapped event types before touching storage.
	if _, _, err := StatusFor(in.Type); err != nil {
		return nil, err
	}

	var created *Event
	err := s.store.ExecTransition(ctx, in.TenantID, in.UserID, func(ctx context.Context, tx TransitionStore) error {
		now := s.now().UTC()

		current, err := tx.StatusForUpdate(ctx, in.UserID)
		if err != nil {
			return err
		}

		// A user working on a task keeps working through pause/stop/complete
		// events for that task; anything else displaces the task.
		if current != nil && current.Status == StatusWorking && current.CurrentTaskID != nil {
			displaced := !IsTaskEvent(in.Type) ||
				(in.Type == EventTaskStart && (in.TaskID == nil || *in.TaskID != *current.CurrentTaskID))
			if displaced {
				if err := s.autoStopTask(ctx, tx, in, *current.CurrentTaskID, current.StatusStartedAt, now); err != nil {
					return err
				}
			}
		}

		open, err := tx.OpenActivityStarts(ctx, in.UserID)
		if err != nil {
			return err
		}
		for _, o := range open {
			if !shouldEnd(o.Type, in.Type) {
				continue
			}
			endType, ok := EndTypeFor(o.Type)
			if !ok {
				continue
			}
			end := Event{
				ID:        uuid.NewString(),
				TenantID:  in.TenantID,
				UserID:    in.UserID,
				Type:      endType,
				StartedAt: now,
				Metadata: map[string]any{
					"auto_ended": true,
					"ended_by":   string(in.Type),
				},
			}
			if err := tx.InsertEvent(ctx, end); err != nil {
				return err
			}
		}

		evt := Event{
			ID:          uuid.NewString(),
			TenantID:    in.TenantID,
			UserID:      in.UserID,
			Type:        in.Type,
			TaskID:      in.TaskID,
			StartedAt:   now,
			Description: in.Description,
			Metadata:    in.Metadata,
		}
		if err := tx.InsertEvent(ctx, evt); err != nil {
			return err
		}

		prev := StatusProjection{}
		if current != nil {
			prev = *current
		}
		next, err := Apply(prev, evt)
		if err != nil {
			return err
		}
		next.AutoEndAt = in.AutoEndAt
		if err := tx.UpsertStatus(ctx, next); err != nil {
			return err
		}

		if IsTaskEvent(evt.Type) && evt.TaskID != nil {
			if err := tx.InsertTaskActivity(ctx, TaskActivityEntry{
				TenantID:  in.TenantID,
				TaskID:    *evt.TaskID,
				UserID:    in.UserID,
				Action:    taskActionLabels[evt.Type],
				Detail:    in.Description,
				CreatedAt: now,
			}); err != nil {
				return err
			}

			switch evt.Type {
			case EventTaskStart:
				if err := s.settleHelper(ctx, tx, *evt.TaskID, in.UserID, helperStart, now); err != nil {
					return err
				}
			case EventTaskStop, EventTaskPause:
				if err := s.settleHelper(ctx, tx, *evt.TaskID, in.UserID, helperStop, now); err != nil {
					return err
				}
			}
		}

		if err := appendOutbox(ctx, tx, evt, next); err != nil {
			return err
		}

		created = &evt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// EndCurrentActivity unconditionally transitions the user to AVAILABLE,
// closing any ongoing task or activity. Safe to call repeatedly.
func (s *Service) EndCurrentActivity(ctx context.Context, tenantID, userID string, description *string) (*Event, error) {
	return s.StartActivity(ctx, StartInput{
		TenantID:    tenantID,
		UserID:      userID,
		Type:        EventAvailable,
		Description: description,
	})
}

// autoStopTask synthesizes a TASK_STOP for the displaced task, mirrors it to
// the audit log, and settles the helper accumulator.
func (s *Service) autoStopTask(ctx context.Context, tx TransitionStore, in StartInput, taskID string, since time.Time, now time.Time) error {
	duration := now.Sub(since).Milliseconds()
	stop := Event{
		ID:         uuid.NewString(),
		TenantID:   in.TenantID,
		UserID:     in.UserID,
		Type:       EventTaskStop,
		TaskID:     &taskID,
		StartedAt:  now,
		DurationMs: &duration,
		Metadata: map[string]any{
			"auto_stopped": true,
			"stopped_by":   string(in.Type),
		},
	}
	if err := tx.InsertEvent(ctx, stop); err != nil {
		return err
	}

	if err := tx.InsertTaskActivity(ctx, TaskActivityEntry{
		TenantID:  in.TenantID,
		TaskID:    taskID,
		UserID:    in.UserID,
		Action:    "work_stopped_auto",
		CreatedAt: now,
	}); err != nil {
		return err
	}

	return s.settleHelper(ctx, tx, taskID, in.UserID, helperStop, now)
}

type helperAction int

const (
	helperStart helperAction = iota
	helperStop
)

// settleHelper maintains the per (task, user) time accumulator for users
// helping on a task they do not own. The primary assignee is not tracked here.
func (s *Service) settleHelper(ctx context.Context, tx TransitionStore, taskID, userID string, action helperAction, now time.Time) error {
	primary, err := tx.TaskPrimaryAssignee(ctx, taskID)
	if err != nil {
		return err
	}
	if primary == userID {
		return nil
	}

	last, registered, err := tx.HelperLastWorkedAt(ctx, taskID, userID)
	if err != nil {
		return err
	}
	if !registered {
		return nil
	}

	switch action {
	case helperStart:
		return tx.StampHelperStart(ctx, taskID, userID, now)
	case helperStop:
		if last == nil {
			return nil
		}
		delta := now.Sub(*last).Milliseconds()
		return tx.SettleHelperTime(ctx, taskID, userID, delta, now)
	}
	return nil
}

// GetStatus returns the current projection for a user.
func (s *Service) GetStatus(ctx context.Context, tenantID, userID string) (*StatusProjection, error) {
	projection, err := s.store.Status(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if projection == nil {
		return nil, ErrStatusNotFound
	}
	return projection, nil
}

// ListEvents returns a user's event history with cursor pagination.
func (s *Service) ListEvents(ctx context.Context, tenantID, userID string, cursor *Cursor, limit int) ([]Event, *Cursor, error) {
	return s.store.ListEvents(ctx, tenantID, userID, cursor, limit)
}

// GetTeamOverview joins workspace membership to each member's projection.
func (s *Service) GetTeamOverview(ctx context.Context, tenantID, workspaceID string) ([]MemberStatus, error) {
	return s.store.TeamOverview(ctx, tenantID, workspaceID)
}
