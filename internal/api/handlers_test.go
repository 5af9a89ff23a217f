package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/presence/internal/auth"
	"example.com/presence/internal/domain"
)

func TestStartActivityHappyPath(t *testing.T) {
	store := newMockStore()
	service := domain.NewService(store)
	handler := NewHandler(service)

	body := `{"user_id":"user-1","event_type":"MEETING_START","description":"standup"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/activities/start", strings.NewReader(body))
	req = req.WithContext(auth.WithClaims(req.Context(), writeClaims()))

	rr := httptest.NewRecorder()
	handler.startActivity(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp EventView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.EventType != "MEETING_START" {
		t.Fatalf("unexpected event type %s", resp.EventType)
	}
	if resp.UserID != "user-1" {
		t.Fatalf("unexpected user %s", resp.UserID)
	}
	if len(store.tx.inserted) != 1 {
		t.Fatalf("expected one inserted event, got %d", len(store.tx.inserted))
	}
	if store.tx.inserted[0].TenantID != "tenant-1" {
		t.Fatalf("tenant must come from the token, got %s", store.tx.inserted[0].TenantID)
	}
}

func TestStartActivityRejectsUnknownEventType(t *testing.T) {
	handler := NewHandler(domain.NewService(newMockStore()))

	body := `{"user_id":"user-1","event_type":"NAP_START"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/activities/start", strings.NewReader(body))
	req = req.WithContext(auth.WithClaims(req.Context(), writeClaims()))

	rr := httptest.NewRecorder()
	handler.startActivity(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestStartActivityRequiresWriteScope(t *testing.T) {
	handler := NewHandler(domain.NewService(newMockStore()))

	body := `{"user_id":"user-1","event_type":"LUNCH_START"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/activities/start", strings.NewReader(body))
	req = req.WithContext(auth.WithClaims(req.Context(), readClaims()))

	rr := httptest.NewRecorder()
	handler.startActivity(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestStartActivityRequiresToken(t *testing.T) {
	handler := NewHandler(domain.NewService(newMockStore()))

	req := httptest.NewRequest(http.MethodPost, "/v1/activities/start", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	handler.startActivity(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
}

func TestEndActivityRecordsAvailable(t *testing.T) {
	store := newMockStore()
	handler := NewHandler(domain.NewService(store))

	body := `{"user_id":"user-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/activities/end", strings.NewReader(body))
	req = req.WithContext(auth.WithClaims(req.Context(), writeClaims()))

	rr := httptest.NewRecorder()
	handler.endActivity(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp EventView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.EventType != "AVAILABLE" {
		t.Fatalf("expected AVAILABLE got %s", resp.EventType)
	}
}

func TestUserStatusReturnsProjection(t *testing.T) {
	taskID := "task-7"
	since := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	store := newMockStore()
	store.status = &domain.StatusProjection{
		TenantID:        "tenant-1",
		UserID:          "user-1",
		Status:          domain.StatusWorking,
		CurrentTaskID:   &taskID,
		StatusStartedAt: since,
	}
	handler := NewHandler(domain.NewService(store))

	req := httptest.NewRequest(http.MethodGet, "/v1/status/user-1", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), readClaims()))

	rr := httptest.NewRecorder()
	handler.userStatus(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp StatusView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "WORKING" {
		t.Fatalf("expected WORKING got %s", resp.Status)
	}
	if resp.CurrentTaskID == nil || *resp.CurrentTaskID != taskID {
		t.Fatalf("unexpected task id %v", resp.CurrentTaskID)
	}
}

func TestUserStatusNotFound(t *testing.T) {
	handler := NewHandler(domain.NewService(newMockStore()))

	req := httptest.NewRequest(http.MethodGet, "/v1/status/ghost", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), readClaims()))

	rr := httptest.NewRecorder()
	handler.userStatus(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestTaskTimeRequiresTaskID(t *testing.T) {
	handler := NewHandler(domain.NewService(newMockStore()))

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/task-time", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), readClaims()))

	rr := httptest.NewRecorder()
	handler.taskTime(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestTaskTimeSumsCompletedIntervals(t *testing.T) {
	taskID := "task-7"
	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	store := newMockStore()
	store.taskEvents = []domain.Event{
		{Type: domain.EventTaskStart, TaskID: &taskID, StartedAt: base},
		{Type: domain.EventTaskStop, TaskID: &taskID, StartedAt: base.Add(time.Hour)},
	}
	handler := NewHandler(domain.NewService(store))

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/task-time?task_id=task-7", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), readClaims()))

	rr := httptest.NewRecorder()
	handler.taskTime(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp TaskTimeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TotalMs != int64(60*60*1000) {
		t.Fatalf("expected 3600000 got %d", resp.TotalMs)
	}
}

func TestDailyBreakdownValidatesDate(t *testing.T) {
	handler := NewHandler(domain.NewService(newMockStore()))

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/daily?user_id=user-1&date=tomorrow", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), readClaims()))

	rr := httptest.NewRecorder()
	handler.dailyBreakdown(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestTeamOverviewListsMembers(t *testing.T) {
	working := domain.StatusWorking
	since := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	store := newMockStore()
	store.members = []domain.MemberStatus{
		{UserID: "user-1", DisplayName: "Dana", Status: &working, Since: &since},
		{UserID: "user-2", DisplayName: "Riley", IsAvailable: false},
	}
	handler := NewHandler(domain.NewService(store))

	req := httptest.NewRequest(http.MethodGet, "/v1/team/overview?workspace_id=ws-1", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), readClaims()))

	rr := httptest.NewRecorder()
	handler.teamOverview(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp TeamOverviewResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Members) != 2 {
		t.Fatalf("expected 2 members got %d", len(resp.Members))
	}
	if resp.Members[0].Status == nil || *resp.Members[0].Status != "WORKING" {
		t.Fatalf("unexpected first member status %v", resp.Members[0].Status)
	}
	if resp.Members[1].Status != nil {
		t.Fatalf("member without projection must have nil status")
	}
}

func writeClaims() *auth.Claims {
	return &auth.Claims{
		Subject:  "tester",
		TenantID: "tenant-1",
		Scopes: map[string]struct{}{
			auth.ScopeStatusWrite: {},
		},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func readClaims() *auth.Claims {
	return &auth.Claims{
		Subject:  "tester",
		TenantID: "tenant-1",
		Scopes: map[string]struct{}{
			auth.ScopeStatusRead: {},
		},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// mockStore satisfies domain.Store with canned data and an in-memory
// transition transaction.
type mockStore struct {
	tx         *mockTx
	status     *domain.StatusProjection
	taskEvents []domain.Event
	members    []domain.MemberStatus
}

func newMockStore() *mockStore {
	return &mockStore{tx: &mockTx{}}
}

func (m *mockStore) ExecTransition(ctx context.Context, _, _ string, fn func(ctx context.Context, tx domain.TransitionStore) error) error {
	m.tx.status = m.status
	return fn(ctx, m.tx)
}

func (m *mockStore) Status(_ context.Context, _, _ string) (*domain.StatusProjection, error) {
	return m.status, nil
}

func (m *mockStore) ListEvents(_ context.Context, _, _ string, _ *domain.Cursor, _ int) ([]domain.Event, *domain.Cursor, error) {
	return nil, nil, nil
}

func (m *mockStore) TaskEvents(_ context.Context, _, _ string, _ *string) ([]domain.Event, error) {
	return m.taskEvents, nil
}

func (m *mockStore) EventsInWindow(_ context.Context, _, _ string, _, _ time.Time) ([]domain.Event, error) {
	return nil, nil
}

func (m *mockStore) TaskLabels(_ context.Context, _ string, _ []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (m *mockStore) TeamOverview(_ context.Context, _, _ string) ([]domain.MemberStatus, error) {
	return m.members, nil
}

type mockTx struct {
	status   *domain.StatusProjection
	inserted []domain.Event
}

func (m *mockTx) StatusForUpdate(_ context.Context, _ string) (*domain.StatusProjection, error) {
	return m.status, nil
}

func (m *mockTx) OpenActivityStarts(_ context.Context, _ string) ([]domain.Event, error) {
	return nil, nil
}

func (m *mockTx) InsertEvent(_ context.Context, e domain.Event) error {
	m.inserted = append(m.inserted, e)
	return nil
}

func (m *mockTx) UpsertStatus(_ context.Context, _ domain.StatusProjection) error {
	return nil
}

func (m *mockTx) InsertTaskActivity(_ context.Context, _ domain.TaskActivityEntry) error {
	return nil
}

func (m *mockTx) TaskPrimaryAssignee(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (m *mockTx) HelperLastWorkedAt(_ context.Context, _, _ string) (*time.Time, bool, error) {
	return nil, false, nil
}

func (m *mockTx) StampHelperStart(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

func (m *mockTx) SettleHelperTime(_ context.Context, _, _ string, _ int64, _ time.Time) error {
	return nil
}

func (m *mockTx) AppendOutbox(_ context.Context, _, _, _ string, _ any) error {
	return nil
}
