package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type outboxCall struct {
	eventType    string
	partitionKey string
	dedupeKey    string
	payload      any
}

type helperSettle struct {
	taskID  string
	userID  string
	deltaMs int64
}

// fakeTx is an in-memory TransitionStore recording every write.
type fakeTx struct {
	status *StatusProjection
	open   []Event

	inserted []Event
	upserts  []StatusProjection
	audits   []TaskActivityEntry
	outbox   []outboxCall

	primaryByTask    map[string]string
	helperRegistered map[string]bool
	helperLast       map[string]time.Time

	stamps  []time.Time
	settles []helperSettle
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		primaryByTask:    map[string]string{},
		helperRegistered: map[string]bool{},
		helperLast:       map[string]time.Time{},
	}
}

func helperKey(taskID, userID string) string { return taskID + "|" + userID }

func (f *fakeTx) StatusForUpdate(_ context.Context, _ string) (*StatusProjection, error) {
	return f.status, nil
}

func (f *fakeTx) OpenActivityStarts(_ context.Context, _ string) ([]Event, error) {
	return f.open, nil
}

func (f *fakeTx) InsertEvent(_ context.Context, e Event) error {
	f.inserted = append(f.inserted, e)
	return nil
}

func (f *fakeTx) UpsertStatus(_ context.Context, p StatusProjection) error {
	f.upserts = append(f.upserts, p)
	return nil
}

func (f *fakeTx) InsertTaskActivity(_ context.Context, entry TaskActivityEntry) error {
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeTx) TaskPrimaryAssignee(_ context.Context, taskID string) (string, error) {
	return f.primaryByTask[taskID], nil
}

func (f *fakeTx) HelperLastWorkedAt(_ context.Context, taskID, userID string) (*time.Time, bool, error) {
	key := helperKey(taskID, userID)
	if !f.helperRegistered[key] {
		return nil, false, nil
	}
	if last, ok := f.helperLast[key]; ok {
		t := last
		return &t, true, nil
	}
	return nil, true, nil
}

func (f *fakeTx) StampHelperStart(_ context.Context, taskID, userID string, at time.Time) error {
	f.helperLast[helperKey(taskID, userID)] = at
	f.stamps = append(f.stamps, at)
	return nil
}

func (f *fakeTx) SettleHelperTime(_ context.Context, taskID, userID string, deltaMs int64, at time.Time) error {
	f.helperLast[helperKey(taskID, userID)] = at
	f.settles = append(f.settles, helperSettle{taskID: taskID, userID: userID, deltaMs: deltaMs})
	return nil
}

func (f *fakeTx) AppendOutbox(_ context.Context, eventType, partitionKey, dedupeKey string, payload any) error {
	f.outbox = append(f.outbox, outboxCall{eventType: eventType, partitionKey: partitionKey, dedupeKey: dedupeKey, payload: payload})
	return nil
}

// fakeStore routes every transition through a single fakeTx.
type fakeStore struct {
	tx          *fakeTx
	transitions int
}

func (s *fakeStore) ExecTransition(ctx context.Context, _, _ string, fn func(ctx context.Context, tx TransitionStore) error) error {
	s.transitions++
	return fn(ctx, s.tx)
}

func (s *fakeStore) Status(_ context.Context, _, _ string) (*StatusProjection, error) {
	return s.tx.status, nil
}

func (s *fakeStore) ListEvents(_ context.Context, _, _ string, _ *Cursor, _ int) ([]Event, *Cursor, error) {
	return nil, nil, nil
}

func (s *fakeStore) TaskEvents(_ context.Context, _, _ string, _ *string) ([]Event, error) {
	return nil, nil
}

func (s *fakeStore) EventsInWindow(_ context.Context, _, _ string, _, _ time.Time) ([]Event, error) {
	return nil, nil
}

func (s *fakeStore) TaskLabels(_ context.Context, _ string, _ []string) (map[string]string, error) {
	return nil, nil
}

func (s *fakeStore) TeamOverview(_ context.Context, _, _ string) ([]MemberStatus, error) {
	return nil, nil
}

func fixedClock(at time.Time) Option {
	return WithNow(func() time.Time { return at })
}

func strPtr(s string) *string { return &s }

func TestStartActivityFromEmptyState(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{tx: newFakeTx()}
	svc := NewService(store, fixedClock(now))

	evt, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     EventMeetingStart,
	})
	require.NoError(t, err)
	require.NotNil(t, evt)
	require.Equal(t, EventMeetingStart, evt.Type)
	require.Equal(t, now, evt.StartedAt)

	require.Len(t, store.tx.inserted, 1)
	require.Len(t, store.tx.upserts, 1)
	projection := store.tx.upserts[0]
	require.Equal(t, StatusMeeting, projection.Status)
	require.False(t, projection.IsAvailable)
	require.Equal(t, now, projection.StatusStartedAt)

	require.Len(t, store.tx.outbox, 1)
	require.Equal(t, OutboxStatusChanged, store.tx.outbox[0].eventType)
	require.Equal(t, "tenant-1:user-1", store.tx.outbox[0].partitionKey)
	require.Equal(t, evt.ID+":status.changed", store.tx.outbox[0].dedupeKey)
}

func TestStartActivityRejectsUnknownType(t *testing.T) {
	store := &fakeStore{tx: newFakeTx()}
	svc := NewService(store)

	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     EventType("COFFEE_START"),
	})
	require.Error(t, err)
	require.Zero(t, store.transitions, "invalid types must not open a transaction")
}

func TestLunchDisplacesRunningTask(t *testing.T) {
	startedWork := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	now := startedWork.Add(90 * time.Minute)

	tx := newFakeTx()
	tx.status = &StatusProjection{
		TenantID:        "tenant-1",
		UserID:          "user-1",
		Status:          StatusWorking,
		CurrentTaskID:   strPtr("task-7"),
		StatusStartedAt: startedWork,
	}
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	evt, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     EventLunchStart,
	})
	require.NoError(t, err)

	require.Len(t, tx.inserted, 2)
	stop := tx.inserted[0]
	require.Equal(t, EventTaskStop, stop.Type)
	require.Equal(t, "task-7", *stop.TaskID)
	require.NotNil(t, stop.DurationMs)
	require.Equal(t, int64(90*60*1000), *stop.DurationMs)
	require.Equal(t, true, stop.Metadata["auto_stopped"])
	require.Equal(t, "LUNCH_START", stop.Metadata["stopped_by"])

	require.Equal(t, EventLunchStart, tx.inserted[1].Type)
	require.Equal(t, evt.ID, tx.inserted[1].ID)

	require.Len(t, tx.audits, 1)
	require.Equal(t, "work_stopped_auto", tx.audits[0].Action)
	require.Equal(t, "task-7", tx.audits[0].TaskID)

	require.Len(t, tx.upserts, 1)
	require.Equal(t, StatusLunch, tx.upserts[0].Status)
	require.Nil(t, tx.upserts[0].CurrentTaskID)
}

func TestStartingDifferentTaskDisplacesCurrent(t *testing.T) {
	startedWork := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	now := startedWork.Add(30 * time.Minute)

	tx := newFakeTx()
	tx.status = &StatusProjection{
		TenantID:        "tenant-1",
		UserID:          "user-1",
		Status:          StatusWorking,
		CurrentTaskID:   strPtr("task-7"),
		StatusStartedAt: startedWork,
	}
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     EventTaskStart,
		TaskID:   strPtr("task-9"),
	})
	require.NoError(t, err)

	require.Len(t, tx.inserted, 2)
	require.Equal(t, EventTaskStop, tx.inserted[0].Type)
	require.Equal(t, "task-7", *tx.inserted[0].TaskID)
	require.Equal(t, EventTaskStart, tx.inserted[1].Type)
	require.Equal(t, "task-9", *tx.inserted[1].TaskID)

	require.Equal(t, StatusWorking, tx.upserts[0].Status)
	require.Equal(t, "task-9", *tx.upserts[0].CurrentTaskID)
}

func TestPausingCurrentTaskDoesNotAutoStop(t *testing.T) {
	startedWork := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	now := startedWork.Add(30 * time.Minute)

	tx := newFakeTx()
	tx.status = &StatusProjection{
		TenantID:        "tenant-1",
		UserID:          "user-1",
		Status:          StatusWorking,
		CurrentTaskID:   strPtr("task-7"),
		StatusStartedAt: startedWork,
	}
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     EventTaskPause,
		TaskID:   strPtr("task-7"),
	})
	require.NoError(t, err)

	require.Len(t, tx.inserted, 1)
	require.Equal(t, EventTaskPause, tx.inserted[0].Type)
	require.Equal(t, StatusAvailable, tx.upserts[0].Status)
	require.True(t, tx.upserts[0].IsAvailable)
}

func TestOpenCategoryActivityIsAutoEnded(t *testing.T) {
	now := time.Date(2026, time.March, 2, 13, 0, 0, 0, time.UTC)

	tx := newFakeTx()
	tx.open = []Event{
		{
			ID:        "evt-meeting",
			TenantID:  "tenant-1",
			UserID:    "user-1",
			Type:      EventMeetingStart,
			StartedAt: now.Add(-time.Hour),
		},
	}
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     EventLunchStart,
	})
	require.NoError(t, err)

	require.Len(t, tx.inserted, 2)
	end := tx.inserted[0]
	require.Equal(t, EventMeetingEnd, end.Type)
	require.Equal(t, true, end.Metadata["auto_ended"])
	require.Equal(t, "LUNCH_START", end.Metadata["ended_by"])
	require.Equal(t, EventLunchStart, tx.inserted[1].Type)
}

func TestRestartingSameCategoryDoesNotAutoEnd(t *testing.T) {
	now := time.Date(2026, time.March, 2, 13, 0, 0, 0, time.UTC)

	tx := newFakeTx()
	tx.open = []Event{
		{ID: "evt-lunch", TenantID: "tenant-1", UserID: "user-1", Type: EventLunchStart, StartedAt: now.Add(-time.Minute)},
	}
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     EventLunchStart,
	})
	require.NoError(t, err)

	require.Len(t, tx.inserted, 1, "same category start must not synthesize an end")
	require.Equal(t, EventLunchStart, tx.inserted[0].Type)
}

func TestEndCurrentActivityIsIdempotent(t *testing.T) {
	now := time.Date(2026, time.March, 2, 17, 0, 0, 0, time.UTC)

	tx := newFakeTx()
	tx.status = &StatusProjection{
		TenantID:        "tenant-1",
		UserID:          "user-1",
		Status:          StatusAvailable,
		StatusStartedAt: now.Add(-time.Hour),
		IsAvailable:     true,
	}
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	for i := 0; i < 2; i++ {
		evt, err := svc.EndCurrentActivity(context.Background(), "tenant-1", "user-1", nil)
		require.NoError(t, err)
		require.Equal(t, EventAvailable, evt.Type)
	}

	require.Len(t, tx.inserted, 2)
	for _, projection := range tx.upserts {
		require.Equal(t, StatusAvailable, projection.Status)
		require.True(t, projection.IsAvailable)
	}
}

func TestTaskEventsWriteAuditAndOutbox(t *testing.T) {
	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	tx := newFakeTx()
	tx.primaryByTask["task-7"] = "user-1"
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	evt, err := svc.StartActivity(context.Background(), StartInput{
		TenantID:    "tenant-1",
		UserID:      "user-1",
		Type:        EventTaskStart,
		TaskID:      strPtr("task-7"),
		Description: strPtr("picking this back up"),
	})
	require.NoError(t, err)

	require.Len(t, tx.audits, 1)
	require.Equal(t, "work_started", tx.audits[0].Action)
	require.Equal(t, "picking this back up", *tx.audits[0].Detail)

	require.Len(t, tx.outbox, 2)
	require.Equal(t, OutboxStatusChanged, tx.outbox[0].eventType)
	require.Equal(t, OutboxActivityRecorded, tx.outbox[1].eventType)
	require.Equal(t, evt.ID, tx.outbox[1].partitionKey)
}

func TestHelperTimeAccruesForNonPrimaryAssignee(t *testing.T) {
	start := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	tx := newFakeTx()
	tx.primaryByTask["task-7"] = "owner-1"
	tx.helperRegistered[helperKey("task-7", "helper-1")] = true
	store := &fakeStore{tx: tx}

	svc := NewService(store, fixedClock(start))
	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "helper-1",
		Type:     EventTaskStart,
		TaskID:   strPtr("task-7"),
	})
	require.NoError(t, err)
	require.Len(t, tx.stamps, 1)
	require.Equal(t, start, tx.stamps[0])

	stop := start.Add(45 * time.Minute)
	tx.status = &StatusProjection{
		TenantID:        "tenant-1",
		UserID:          "helper-1",
		Status:          StatusWorking,
		CurrentTaskID:   strPtr("task-7"),
		StatusStartedAt: start,
	}
	svc = NewService(store, fixedClock(stop))
	_, err = svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "helper-1",
		Type:     EventTaskStop,
		TaskID:   strPtr("task-7"),
	})
	require.NoError(t, err)

	require.Len(t, tx.settles, 1)
	require.Equal(t, "task-7", tx.settles[0].taskID)
	require.Equal(t, "helper-1", tx.settles[0].userID)
	require.Equal(t, int64(45*60*1000), tx.settles[0].deltaMs)
}

func TestHelperSettleSkipsPrimaryAssignee(t *testing.T) {
	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	tx := newFakeTx()
	tx.primaryByTask["task-7"] = "user-1"
	tx.helperRegistered[helperKey("task-7", "user-1")] = true
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Type:     EventTaskStart,
		TaskID:   strPtr("task-7"),
	})
	require.NoError(t, err)
	require.Empty(t, tx.stamps)
	require.Empty(t, tx.settles)
}

func TestHelperSettleSkipsUnregisteredUsers(t *testing.T) {
	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	tx := newFakeTx()
	tx.primaryByTask["task-7"] = "owner-1"
	store := &fakeStore{tx: tx}
	svc := NewService(store, fixedClock(now))

	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID: "tenant-1",
		UserID:   "drive-by-1",
		Type:     EventTaskStart,
		TaskID:   strPtr("task-7"),
	})
	require.NoError(t, err)
	require.Empty(t, tx.stamps)
	require.Empty(t, tx.settles)
}

func TestGetStatusMapsMissingProjection(t *testing.T) {
	store := &fakeStore{tx: newFakeTx()}
	svc := NewService(store)

	_, err := svc.GetStatus(context.Background(), "tenant-1", "user-1")
	require.ErrorIs(t, err, ErrStatusNotFound)
}

func TestAutoEndAtIsCarriedOntoProjection(t *testing.T) {
	now := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	until := now.Add(30 * time.Minute)

	store := &fakeStore{tx: newFakeTx()}
	svc := NewService(store, fixedClock(now))

	_, err := svc.StartActivity(context.Background(), StartInput{
		TenantID:  "tenant-1",
		UserID:    "user-1",
		Type:      EventLunchStart,
		AutoEndAt: &until,
	})
	require.NoError(t, err)

	require.Len(t, store.tx.upserts, 1)
	require.NotNil(t, store.tx.upserts[0].AutoEndAt)
	require.Equal(t, until, *store.tx.upserts[0].AutoEndAt)
}
