package domain

import (
	"fmt"
	"time"
)

// EventType enumerates the closed set of activity transitions.
type EventType string

const (
	EventTaskStart    EventType = "TASK_START"
	EventTaskPause    EventType = "TASK_PAUSE"
	EventTaskStop     EventType = "TASK_STOP"
	EventTaskComplete EventType = "TASK_COMPLETE"

	EventLunchStart    EventType = "LUNCH_START"
	EventLunchEnd      EventType = "LUNCH_END"
	EventBreakStart    EventType = "BREAK_START"
	EventBreakEnd      EventType = "BREAK_END"
	EventMeetingStart  EventType = "MEETING_START"
	EventMeetingEnd    EventType = "MEETING_END"
	EventTravelStart   EventType = "TRAVEL_START"
	EventTravelEnd     EventType = "TRAVEL_END"
	EventReviewStart   EventType = "REVIEW_START"
	EventReviewEnd     EventType = "REVIEW_END"
	EventResearchStart EventType = "RESEARCH_START"
	EventResearchEnd   EventType = "RESEARCH_END"

	EventOffline   EventType = "OFFLINE"
	EventAvailable EventType = "AVAILABLE"
)

// Status enumerates the states a user's projection can hold.
type Status string

const (
	StatusWorking   Status = "WORKING"
	StatusLunch     Status = "LUNCH"
	StatusBreak     Status = "BREAK"
	StatusMeeting   Status = "MEETING"
	StatusTravel    Status = "TRAVEL"
	StatusReview    Status = "REVIEW"
	StatusResearch  Status = "RESEARCH"
	StatusOffline   Status = "OFFLINE"
	StatusAvailable Status = "AVAILABLE"
)

// Event is an immutable fact recorded for every transition. Synthesized
// auto-stop/auto-end events carry marker metadata but are otherwise ordinary rows.
type Event struct {
	ID          string
	TenantID    string
	UserID      string
	Type        EventType
	TaskID      *string
	StartedAt   time.Time
	EndedAt     *time.Time
	DurationMs  *int64
	Description *string
	Metadata    map[string]any
}

// StatusProjection is the single mutable row per user, materialized from the
// last applied event. CurrentTaskID is non-nil exactly when Status is WORKING.
type StatusProjection struct {
	TenantID        string
	UserID          string
	Status          Status
	CurrentTaskID   *string
	StatusStartedAt time.Time
	StatusText      *string
	IsAvailable     bool
	AutoEndAt       *time.Time
}

type statusRule struct {
	status    Status
	available bool
}

// statusByEvent is the exhaustive dispatch table from event type to projection
// state. An event type absent from this table is a programming error and is
// surfaced loudly by StatusFor rather than defaulted.
var statusByEvent = map[EventType]statusRule{
	EventTaskStart:    {StatusWorking, false},
	EventTaskPause:    {StatusAvailable, true},
	EventTaskStop:     {StatusAvailable, true},
	EventTaskComplete: {StatusAvailable, true},

	EventLunchStart:    {StatusLunch, false},
	EventLunchEnd:      {StatusAvailable, true},
	EventBreakStart:    {StatusBreak, false},
	EventBreakEnd:      {StatusAvailable, true},
	EventMeetingStart:  {StatusMeeting, false},
	EventMeetingEnd:    {StatusAvailable, true},
	EventTravelStart:   {StatusTravel, false},
	EventTravelEnd:     {StatusAvailable, true},
	EventReviewStart:   {StatusReview, false},
	EventReviewEnd:     {StatusAvailable, true},
	EventResearchStart: {StatusResearch, false},
	EventResearchEnd:   {StatusAvailable, true},

	EventOffline:   {StatusOffline, false},
	EventAvailable: {StatusAvailable, true},
}

// StatusFor resolves the projection state an event type maps to.
func StatusFor(t EventType) (Status, bool, error) {
	rule, ok := statusByEvent[t]
	if !ok {
		return "", false, fmt.Errorf("no status mapping for event type %q", t)
	}
	return rule.status, rule.available, nil
}

// endByStart pairs each non-task category start with its matching end.
var endByStart = map[EventType]EventType{
	EventLunchStart:    EventLunchEnd,
	EventBreakStart:    EventBreakEnd,
	EventMeetingStart:  EventMeetingEnd,
	EventTravelStart:   EventTravelEnd,
	EventReviewStart:   EventReviewEnd,
	EventResearchStart: EventResearchEnd,
}

// EndTypeFor returns the terminating event type for a category start.
func EndTypeFor(start EventType) (EventType, bool) {
	end, ok := endByStart[start]
	return end, ok
}

// IsTaskEvent reports whether the event type concerns a task.
func IsTaskEvent(t EventType) bool {
	switch t {
	case EventTaskStart, EventTaskPause, EventTaskStop, EventTaskComplete:
		return true
	}
	return false
}

// IsCategoryStart reports whether the event type opens a non-task activity.
func IsCategoryStart(t EventType) bool {
	_, ok := endByStart[t]
	return ok
}

// shouldEnd is the single-active-activity policy: an open activity is closed
// by any event of a different type.
func shouldEnd(ongoing, next EventType) bool {
	return ongoing != next
}

// Apply recomputes the projection from a newly appended event. It is pure:
// the previous projection is only consulted for identity fields and the result
// carries no state from it beyond tenant and user.
func Apply(prev StatusProjection, e Event) (StatusProjection, error) {
	status, available, err := StatusFor(e.Type)
	if err != nil {
		return StatusProjection{}, err
	}

	next := StatusProjection{
		TenantID:        e.TenantID,
		UserID:          e.UserID,
		Status:          status,
		StatusStartedAt: e.StartedAt,
		StatusText:      e.Description,
		IsAvailable:     available,
	}
	if prev.TenantID != "" {
		next.TenantID = prev.TenantID
	}
	if status == StatusWorking {
		next.CurrentTaskID = e.TaskID
	}
	return next, nil
}
