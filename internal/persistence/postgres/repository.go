package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/presence/internal/domain"
	"example.com/presence/internal/observability"
)

// Repository provides Postgres-backed persistence for activity events, status
// projections, helper accumulators, the task activity log, and the outbox.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const eventColumns = `event_id, tenant_id, user_id, event_type, task_id, started_at, ended_at, duration_ms, description, metadata`

// ExecTransition runs fn inside a single transaction. A per-user advisory lock
// serializes concurrent transitions for the same user even before the first
// projection row exists; different users proceed independently.
func (r *Repository) ExecTransition(ctx context.Context, tenantID, userID string, fn func(ctx context.Context, tx domain.TransitionStore) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", tenantID+":"+userID); err != nil {
		return err
	}

	if err = fn(ctx, &txStore{tx: tx, tenantID: tenantID}); err != nil {
		return err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return err
	}
	observability.RecordTransitionCommitted(time.Now().UTC())
	return nil
}

// txStore implements domain.TransitionStore bound to one open transaction.
type txStore struct {
	tx       pgx.Tx
	tenantID string
}

func (s *txStore) StatusForUpdate(ctx context.Context, userID string) (*domain.StatusProjection, error) {
	const query = `SELECT tenant_id, user_id, current_status, current_task_id, status_started_at, status_text, is_available, auto_end_at
        FROM user_status WHERE user_id=$1 FOR UPDATE`

	row := s.tx.QueryRow(ctx, query, userID)
	var p domain.StatusProjection
	if err := row.Scan(&p.TenantID, &p.UserID, &p.Status, &p.CurrentTaskID, &p.StatusStartedAt, &p.StatusText, &p.IsAvailable, &p.AutoEndAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// categoryStarts and categoryEnds bound the open-activity scan to the closed
// non-task enumeration.
var categoryStarts = []string{
	string(domain.EventLunchStart), string(domain.EventBreakStart), string(domain.EventMeetingStart),
	string(domain.EventTravelStart), string(domain.EventReviewStart), string(domain.EventResearchStart),
}

var categoryEnds = []string{
	string(domain.EventLunchEnd), string(domain.EventBreakEnd), string(domain.EventMeetingEnd),
	string(domain.EventTravelEnd), string(domain.EventReviewEnd), string(domain.EventResearchEnd),
}

// OpenActivityStarts returns, per non-task category, the latest start event
// that has no subsequent matching end.
func (s *txStore) OpenActivityStarts(ctx context.Context, userID string) ([]domain.Event, error) {
	query := fmt.Sprintf(`SELECT DISTINCT ON (category) %s FROM (
            SELECT *, split_part(event_type, '_', 1) AS category
            FROM activity_events
            WHERE user_id=$1 AND event_type = ANY($2)
        ) latest
        ORDER BY category, started_at DESC, event_id DESC`, eventColumns)

	types := append(append([]string{}, categoryStarts...), categoryEnds...)
	rows, err := s.tx.Query(ctx, query, userID, types)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	open := make([]domain.Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if domain.IsCategoryStart(evt.Type) {
			open = append(open, evt)
		}
	}
	return open, rows.Err()
}

func (s *txStore) InsertEvent(ctx context.Context, e domain.Event) error {
	const stmt = `INSERT INTO activity_events (event_id, tenant_id, user_id, event_type, task_id, started_at, ended_at, duration_ms, description, metadata)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.tx.Exec(ctx, stmt,
		e.ID, e.TenantID, e.UserID, string(e.Type), e.TaskID,
		e.StartedAt, e.EndedAt, e.DurationMs, e.Description, metadata,
	)
	if err != nil {
		return err
	}

	observability.RecordEvent(string(e.Type))
	if flag, ok := e.Metadata["auto_stopped"].(bool); ok && flag {
		observability.RecordAutoClosed("task_stop")
	}
	if flag, ok := e.Metadata["auto_ended"].(bool); ok && flag {
		observability.RecordAutoClosed("activity_end")
	}
	return nil
}

func (s *txStore) UpsertStatus(ctx context.Context, p domain.StatusProjection) error {
	const stmt = `INSERT INTO user_status (user_id, tenant_id, current_status, current_task_id, status_started_at, status_text, is_available, auto_end_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
        ON CONFLICT (user_id) DO UPDATE SET
            current_status=EXCLUDED.current_status,
            current_task_id=EXCLUDED.current_task_id,
            status_started_at=EXCLUDED.status_started_at,
            status_text=EXCLUDED.status_text,
            is_available=EXCLUDED.is_available,
            auto_end_at=EXCLUDED.auto_end_at,
            updated_at=NOW()`

	_, err := s.tx.Exec(ctx, stmt,
		p.UserID, p.TenantID, string(p.Status), p.CurrentTaskID,
		p.StatusStartedAt, p.StatusText, p.IsAvailable, p.AutoEndAt,
	)
	return err
}

func (s *txStore) InsertTaskActivity(ctx context.Context, entry domain.TaskActivityEntry) error {
	const stmt = `INSERT INTO task_activity (tenant_id, task_id, user_id, action, detail, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`

	_, err := s.tx.Exec(ctx, stmt, entry.TenantID, entry.TaskID, entry.UserID, entry.Action, entry.Detail, entry.CreatedAt)
	return err
}

func (s *txStore) TaskPrimaryAssignee(ctx context.Context, taskID string) (string, error) {
	row := s.tx.QueryRow(ctx, `SELECT assignee_id FROM tasks WHERE task_id=$1`, taskID)
	var assignee *string
	if err := row.Scan(&assignee); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if assignee == nil {
		return "", nil
	}
	return *assignee, nil
}

func (s *txStore) HelperLastWorkedAt(ctx context.Context, taskID, userID string) (*time.Time, bool, error) {
	row := s.tx.QueryRow(ctx, `SELECT last_worked_at FROM task_assignees WHERE task_id=$1 AND user_id=$2`, taskID, userID)
	var last *time.Time
	if err := row.Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return last, true, nil
}

func (s *txStore) StampHelperStart(ctx context.Context, taskID, userID string, at time.Time) error {
	_, err := s.tx.Exec(ctx, `UPDATE task_assignees SET last_worked_at=$3 WHERE task_id=$1 AND user_id=$2`, taskID, userID, at)
	return err
}

func (s *txStore) SettleHelperTime(ctx context.Context, taskID, userID string, deltaMs int64, at time.Time) error {
	_, err := s.tx.Exec(ctx,
		`UPDATE task_assignees SET total_time_worked_ms = total_time_worked_ms + $3, last_worked_at=$4
         WHERE task_id=$1 AND user_id=$2`,
		taskID, userID, deltaMs, at,
	)
	return err
}

func (s *txStore) AppendOutbox(ctx context.Context, eventType, partitionKey, dedupeKey string, payload any) error {
	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown outbox event type: %s", eventType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = s.tx.Exec(ctx, stmt,
		s.tenantID, "user_status", partitionKey, eventType,
		meta.Topic, meta.SchemaSubject, partitionKey, body, dedupeKey,
	)
	return err
}

// Status returns the current projection without locking.
func (r *Repository) Status(ctx context.Context, tenantID, userID string) (*domain.StatusProjection, error) {
	const query = `SELECT tenant_id, user_id, current_status, current_task_id, status_started_at, status_text, is_available, auto_end_at
        FROM user_status WHERE tenant_id=$1 AND user_id=$2`

	var p domain.StatusProjection
	err := r.withTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query, tenantID, userID)
		return row.Scan(&p.TenantID, &p.UserID, &p.Status, &p.CurrentTaskID, &p.StatusStartedAt, &p.StatusText, &p.IsAvailable, &p.AutoEndAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListEvents returns a user's events newest first with keyset pagination.
func (r *Repository) ListEvents(ctx context.Context, tenantID, userID string, cursor *domain.Cursor, limit int) ([]domain.Event, *domain.Cursor, error) {
	args := []interface{}{tenantID, userID, limit}
	query := fmt.Sprintf(`SELECT %s FROM activity_events WHERE tenant_id=$1 AND user_id=$2`, eventColumns)

	if cursor != nil {
		query += ` AND (started_at, event_id) < ($4, $5)`
		args = append(args, cursor.StartedAt, cursor.ID)
	}
	query += ` ORDER BY started_at DESC, event_id DESC LIMIT $3`

	var results []domain.Event
	err := r.withTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		results = make([]domain.Event, 0, limit)
		for rows.Next() {
			evt, err := scanEvent(rows)
			if err != nil {
				return err
			}
			results = append(results, evt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// TaskEvents returns the ordered TASK_START/TASK_PAUSE/TASK_STOP sequence for
// a task, optionally filtered to one user.
func (r *Repository) TaskEvents(ctx context.Context, tenantID, taskID string, userID *string) ([]domain.Event, error) {
	types := []string{string(domain.EventTaskStart), string(domain.EventTaskPause), string(domain.EventTaskStop)}
	args := []interface{}{taskID, types}
	query := fmt.Sprintf(`SELECT %s FROM activity_events WHERE tenant_id=$1 AND task_id=$2 AND event_type = ANY($3)`, eventColumns)
	if userID != nil {
		query += ` AND user_id=$4`
		args = append(args, *userID)
	}
	query += ` ORDER BY started_at ASC, event_id ASC`

	return r.queryEvents(ctx, tenantID, query, args...)
}

// EventsInWindow returns all of a user's events inside [from, to], oldest first.
func (r *Repository) EventsInWindow(ctx context.Context, tenantID, userID string, from, to time.Time) ([]domain.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM activity_events
        WHERE tenant_id=$1 AND user_id=$2 AND started_at BETWEEN $3 AND $4
        ORDER BY started_at ASC, event_id ASC`, eventColumns)

	return r.queryEvents(ctx, tenantID, query, userID, from, to)
}

// TaskLabels resolves display labels (issue key, falling back to title) for tasks.
func (r *Repository) TaskLabels(ctx context.Context, tenantID string, taskIDs []string) (map[string]string, error) {
	labels := make(map[string]string, len(taskIDs))
	err := r.withTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT task_id, COALESCE(NULLIF(issue_key, ''), title) FROM tasks WHERE tenant_id=$1 AND task_id = ANY($2)`,
			tenantID, taskIDs,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id, label string
			if err := rows.Scan(&id, &label); err != nil {
				return err
			}
			labels[id] = label
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return labels, nil
}

// TeamOverview joins workspace membership to current projections.
func (r *Repository) TeamOverview(ctx context.Context, tenantID, workspaceID string) ([]domain.MemberStatus, error) {
	const query = `SELECT m.user_id, u.display_name, s.current_status, s.current_task_id, s.status_started_at, COALESCE(s.is_available, false)
        FROM workspace_members m
        JOIN users u ON u.user_id = m.user_id
        LEFT JOIN user_status s ON s.user_id = m.user_id
        WHERE m.tenant_id=$1 AND m.workspace_id=$2
        ORDER BY u.display_name`

	var members []domain.MemberStatus
	err := r.withTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, tenantID, workspaceID)
		if err != nil {
			return err
		}
		defer rows.Close()

		members = make([]domain.MemberStatus, 0)
		for rows.Next() {
			var m domain.MemberStatus
			var status *string
			if err := rows.Scan(&m.UserID, &m.DisplayName, &status, &m.TaskID, &m.Since, &m.IsAvailable); err != nil {
				return err
			}
			if status != nil {
				s := domain.Status(*status)
				m.Status = &s
			}
			members = append(members, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *Repository) queryEvents(ctx context.Context, tenantID, query string, args ...interface{}) ([]domain.Event, error) {
	var out []domain.Event
	err := r.withTenantTx(ctx, tenantID, func(tx pgx.Tx) error {
		queryArgs := append([]interface{}{tenantID}, args...)
		rows, err := tx.Query(ctx, query, queryArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]domain.Event, 0)
		for rows.Next() {
			evt, err := scanEvent(rows)
			if err != nil {
				return err
			}
			out = append(out, evt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withTenantTx wraps a read in a transaction carrying the tenant RLS setting.
func (r *Repository) withTenantTx(ctx context.Context, tenantID string, fn func(tx pgx.Tx) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanEvent(rows pgx.Rows) (domain.Event, error) {
	var e domain.Event
	var eventType string
	var metadata []byte
	if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &eventType, &e.TaskID, &e.StartedAt, &e.EndedAt, &e.DurationMs, &e.Description, &metadata); err != nil {
		return domain.Event{}, err
	}
	e.Type = domain.EventType(eventType)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return domain.Event{}, err
		}
	}
	return e, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	return json.Marshal(metadata)
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	domain.OutboxStatusChanged: {
		Topic:         "user_status_changed",
		SchemaSubject: "user_status_changed-value",
	},
	domain.OutboxActivityRecorded: {
		Topic:         "activity_events",
		SchemaSubject: "activity_events-value",
	},
}
