// Package api exposes HTTP handlers for the presence service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/presence/internal/auth"
	"example.com/presence/internal/domain"
	"example.com/presence/internal/persistence"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activities", h.listActivities)
	mux.HandleFunc("/v1/activities/start", h.startActivity)
	mux.HandleFunc("/v1/activities/end", h.endActivity)
	mux.HandleFunc("/v1/status/", h.userStatus)
	mux.HandleFunc("/v1/reports/task-time", h.taskTime)
	mux.HandleFunc("/v1/reports/daily", h.dailyBreakdown)
	mux.HandleFunc("/v1/team/overview", h.teamOverview)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) startActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeStatusWrite)
	if !ok {
		return
	}

	var req StartActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	event, err := h.service.StartActivity(r.Context(), domain.StartInput{
		TenantID:    claims.TenantID,
		UserID:      req.UserID,
		Type:        domain.EventType(req.EventType),
		TaskID:      req.TaskID,
		Description: req.Description,
		Metadata:    req.Metadata,
		AutoEndAt:   req.AutoEndAt,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toEventView(*event))
}

func (h *Handler) endActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeStatusWrite)
	if !ok {
		return
	}

	var req EndActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "user_id is required")
		return
	}

	event, err := h.service.EndCurrentActivity(r.Context(), claims.TenantID, req.UserID, req.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toEventView(*event))
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	eventList, next, err := h.service.ListEvents(r.Context(), claims.TenantID, userID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]EventView, 0, len(eventList))
	for _, e := range eventList {
		items = append(items, toEventView(e))
	}

	writeJSON(w, http.StatusOK, ListEventsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) userStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/v1/status/")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}

	projection, err := h.service.GetStatus(r.Context(), claims.TenantID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrStatusNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no status recorded for user")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toStatusView(*projection))
}

func (h *Handler) taskTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing task_id parameter")
		return
	}
	var userID *string
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		userID = &raw
	}

	totalMs, err := h.service.GetTaskTimeSpent(r.Context(), claims.TenantID, taskID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, TaskTimeResponse{TaskID: taskID, UserID: userID, TotalMs: totalMs})
}

func (h *Handler) dailyBreakdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}

	day, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "date must be YYYY-MM-DD")
		return
	}

	buckets, err := h.service.GetDailyBreakdown(r.Context(), claims.TenantID, userID, day.UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, DailyBreakdownResponse{
		UserID:  userID,
		Date:    day.Format("2006-01-02"),
		Buckets: buckets,
	})
}

func (h *Handler) teamOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireReadScope(w, r)
	if !ok {
		return
	}

	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing workspace_id parameter")
		return
	}

	members, err := h.service.GetTeamOverview(r.Context(), claims.TenantID, workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	views := make([]MemberStatusView, 0, len(members))
	for _, m := range members {
		view := MemberStatusView{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			TaskID:      m.TaskID,
			Since:       m.Since,
			IsAvailable: m.IsAvailable,
		}
		if m.Status != nil {
			s := string(*m.Status)
			view.Status = &s
		}
		views = append(views, view)
	}

	writeJSON(w, http.StatusOK, TeamOverviewResponse{WorkspaceID: workspaceID, Members: views})
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

func requireReadScope(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeStatusRead) && !claims.HasScope(auth.ScopeStatusWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope status:read required")
		return nil, false
	}
	return claims, true
}

// StartActivityRequest is the payload for POST /v1/activities/start.
type StartActivityRequest struct {
	UserID      string         `json:"user_id"`
	EventType   string         `json:"event_type"`
	TaskID      *string        `json:"task_id,omitempty"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AutoEndAt   *time.Time     `json:"auto_end_at,omitempty"`
}

// Validate ensures request correctness.
func (r StartActivityRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(r.EventType) == "" {
		return errors.New("event_type is required")
	}
	if _, _, err := domain.StatusFor(domain.EventType(r.EventType)); err != nil {
		return errors.New("event_type is not a recognized activity event")
	}
	return nil
}

// EndActivityRequest is the payload for POST /v1/activities/end.
type EndActivityRequest struct {
	UserID      string  `json:"user_id"`
	Description *string `json:"description,omitempty"`
}

// EventView exposes a recorded activity event.
type EventView struct {
	EventID     string         `json:"event_id"`
	UserID      string         `json:"user_id"`
	EventType   string         `json:"event_type"`
	TaskID      *string        `json:"task_id,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StatusView exposes the projection for GET /v1/status/{user_id}.
type StatusView struct {
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	CurrentTaskID   *string    `json:"current_task_id,omitempty"`
	StatusStartedAt time.Time  `json:"status_started_at"`
	StatusText      *string    `json:"status_text,omitempty"`
	IsAvailable     bool       `json:"is_available"`
	AutoEndAt       *time.Time `json:"auto_end_at,omitempty"`
}

// ListEventsResponse packages list results.
type ListEventsResponse struct {
	Items      []EventView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// TaskTimeResponse reports completed working time on a task.
type TaskTimeResponse struct {
	TaskID  string  `json:"task_id"`
	UserID  *string `json:"user_id,omitempty"`
	TotalMs int64   `json:"total_ms"`
}

// DailyBreakdownResponse buckets a user's day.
type DailyBreakdownResponse struct {
	UserID  string              `json:"user_id"`
	Date    string              `json:"date"`
	Buckets []domain.TimeBucket `json:"buckets"`
}

// MemberStatusView is one row of the team overview.
type MemberStatusView struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Status      *string    `json:"status,omitempty"`
	TaskID      *string    `json:"task_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	IsAvailable bool       `json:"is_available"`
}

// TeamOverviewResponse lists workspace members with their projections.
type TeamOverviewResponse struct {
	WorkspaceID string             `json:"workspace_id"`
	Members     []MemberStatusView `json:"members"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toEventView(e domain.Event) EventView {
	return EventView{
		EventID:     e.ID,
		UserID:      e.UserID,
		EventType:   string(e.Type),
		TaskID:      e.TaskID,
		StartedAt:   e.StartedAt,
		EndedAt:     e.EndedAt,
		DurationMs:  e.DurationMs,
		Description: e.Description,
		Metadata:    e.Metadata,
	}
}

func toStatusView(p domain.StatusProjection) StatusView {
	return StatusView{
		UserID:          p.UserID,
		Status:          string(p.Status),
		CurrentTaskID:   p.CurrentTaskID,
		StatusStartedAt: p.StatusStartedAt,
		StatusText:      p.StatusText,
		IsAvailable:     p.IsAvailable,
		AutoEndAt:       p.AutoEndAt,
	}
}
