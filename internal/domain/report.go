package domain

import (
	"context"
	"sort"
	"time"
)

// TaskTimeSpentMs replays an ascending-ordered task event sequence and sums the
// elapsed time between each TASK_START and the next TASK_PAUSE/TASK_STOP.
// A trailing unmatched start is discarded: this query answers "completed work",
// not "live work" (the daily breakdown handles the latter).
func TaskTimeSpentMs(events []Event) int64 {
	var total int64
	var openedAt *time.Time
	for _, e := range events {
		switch e.Type {
		case EventTaskStart:
			t := e.StartedAt
			openedAt = &t
		case EventTaskPause, EventTaskStop:
			if openedAt != nil {
				total += e.StartedAt.Sub(*openedAt).Milliseconds()
				openedAt = nil
			}
		}
	}
	return total
}

// TimeBucket is one slice of a user's day: a task (keyed by task id, labeled
// with its issue key or title) or a non-task activity category.
type TimeBucket struct {
	Key       string  `json:"key"`
	Label     string  `json:"label"`
	TaskID    *string `json:"task_id,omitempty"`
	ElapsedMs int64   `json:"elapsed_ms"`
	Ongoing   bool    `json:"ongoing"`
}

// dayBucketer accumulates elapsed time per bucket while replaying a day's events.
type dayBucketer struct {
	buckets map[string]*TimeBucket
	order   []string

	openKey   string
	openSince time.Time
}

func (b *dayBucketer) credit(key, label string, taskID *string, delta int64, ongoing bool) {
	bucket, ok := b.buckets[key]
	if !ok {
		bucket = &TimeBucket{Key: key, Label: label, TaskID: taskID}
		b.buckets[key] = bucket
		b.order = append(b.order, key)
	}
	bucket.ElapsedMs += delta
	bucket.Ongoing = bucket.Ongoing || ongoing
}

// DailyBreakdownMs replays the events falling in [windowStart, windowEnd] and
// buckets elapsed time per task or activity category. An activity still open
// when the window ends is credited up to now (capped at the window end), so a
// live dashboard reflects in-progress work.
func DailyBreakdownMs(events []Event, windowEnd, now time.Time, taskLabels map[string]string) []TimeBucket {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})

	b := &dayBucketer{buckets: make(map[string]*TimeBucket)}

	for _, e := range sorted {
		if b.openKey != "" {
			bucket := b.buckets[b.openKey]
			bucket.ElapsedMs += e.StartedAt.Sub(b.openSince).Milliseconds()
			b.openKey = ""
		}

		switch {
		case e.Type == EventTaskStart && e.TaskID != nil:
			label := taskLabels[*e.TaskID]
			if label == "" {
				label = *e.TaskID
			}
			b.credit("task:"+*e.TaskID, label, e.TaskID, 0, false)
			b.openKey = "task:" + *e.TaskID
			b.openSince = e.StartedAt
		case IsCategoryStart(e.Type):
			status, _, err := StatusFor(e.Type)
			if err != nil {
				continue
			}
			key := "activity:" + string(status)
			b.credit(key, string(status), nil, 0, false)
			b.openKey = key
			b.openSince = e.StartedAt
		}
	}

	if b.openKey != "" {
		end := now
		if end.After(windowEnd) {
			end = windowEnd
		}
		if end.After(b.openSince) {
			bucket := b.buckets[b.openKey]
			bucket.ElapsedMs += end.Sub(b.openSince).Milliseconds()
			bucket.Ongoing = true
		}
	}

	out := make([]TimeBucket, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, *b.buckets[key])
	}
	return out
}

// GetTaskTimeSpent reports completed working milliseconds on a task, optionally
// for a single user.
func (s *Service) GetTaskTimeSpent(ctx context.Context, tenantID, taskID string, userID *string) (int64, error) {
	taskEvents, err := s.store.TaskEvents(ctx, tenantID, taskID, userID)
	if err != nil {
		return 0, err
	}
	return TaskTimeSpentMs(taskEvents), nil
}

// GetDailyBreakdown buckets a user's day [00:00:00.000, 23:59:59.999] in the
// provided location.
func (s *Service) GetDailyBreakdown(ctx context.Context, tenantID, userID string, day time.Time) ([]TimeBucket, error) {
	windowStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	windowEnd := windowStart.Add(24*time.Hour - time.Millisecond)

	dayEvents, err := s.store.EventsInWindow(ctx, tenantID, userID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	taskIDs := make([]string, 0)
	seen := make(map[string]struct{})
	for _, e := range dayEvents {
		if e.TaskID == nil {
			continue
		}
		if _, ok := seen[*e.TaskID]; ok {
			continue
		}
		seen[*e.TaskID] = struct{}{}
		taskIDs = append(taskIDs, *e.TaskID)
	}

	labels := map[string]string{}
	if len(taskIDs) > 0 {
		labels, err = s.store.TaskLabels(ctx, tenantID, taskIDs)
		if err != nil {
			return nil, err
		}
	}

	return DailyBreakdownMs(dayEvents, windowEnd, s.now().UTC(), labels), nil
}
