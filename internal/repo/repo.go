package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/store"
)

// Repo is the sqlite-backed record store. It is the only component that
// mutates persisted state; every mutation bumps the record version and
// appends an audit event in the same transaction.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

// ErrNotFound aliases the store sentinel for callers that only import repo.
var ErrNotFound = store.ErrNotFound

// unavailable tags a driver-level failure with store.ErrUnavailable so
// callers can tell infrastructure trouble apart from domain outcomes.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(store.ErrUnavailable, err))
}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) writer() events.Writer {
	return events.Writer{DB: r.DB, Now: r.Now}
}

const recordColumns = `id,entity_type,state,priority,assignee,attributes_json,created_at,state_entered_at,answered_at,resolved_at,closed_at,updated_at,version`

// Read fetches a record by entity type and id.
func (r Repo) Read(ctx context.Context, entityType, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE entity_type=? AND id=?`, entityType, id)
	item, err := scanRecord(row)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return item, unavailable("read record", err)
	}
	return item, err
}

func (r Repo) readTx(ctx context.Context, tx *sql.Tx, entityType, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE entity_type=? AND id=?`, entityType, id)
	return scanRecord(row)
}

// Write applies a transition update under optimistic concurrency: the update
// only lands if the stored version still equals expectedVersion, otherwise
// store.ErrConflict. Write-once marks use COALESCE so an already-set
// timestamp is never overwritten, whatever the caller sends.
func (r Repo) Write(ctx context.Context, entityType, id string, u store.Update, expectedVersion int64) (domain.WorkItem, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, unavailable("begin write", err)
	}
	defer tx.Rollback()

	cur, err := r.readTx(ctx, tx, entityType, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	now := r.now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE records SET
		state=?,
		state_entered_at=?,
		answered_at=COALESCE(answered_at, ?),
		resolved_at=COALESCE(resolved_at, ?),
		closed_at=COALESCE(closed_at, ?),
		updated_at=?,
		version=version+1
	WHERE entity_type=? AND id=? AND version=?`,
		u.State, formatTime(u.StateEnteredAt), nullableTime(u.AnsweredAt), nullableTime(u.ResolvedAt), nullableTime(u.ClosedAt),
		formatTime(now), entityType, id, expectedVersion)
	if err != nil {
		return domain.WorkItem{}, unavailable("update record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.WorkItem{}, store.ErrConflict
	}
	if err := r.writer().Append(ctx, tx, "record.transitioned", entityType, id, u.Actor, events.EventPayload{
		"transition": u.Transition,
		"from_state": cur.State,
		"to_state":   u.State,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, unavailable("commit write", err)
	}
	return r.Read(ctx, entityType, id)
}

// Create inserts a record and its creation event. The caller is responsible
// for putting the record in its entity's initial state.
func (r Repo) Create(ctx context.Context, item domain.WorkItem, actor string) (domain.WorkItem, error) {
	attrs, err := marshalAttributes(item.Attributes)
	if err != nil {
		return domain.WorkItem{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO records(`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.EntityType, item.State, item.Priority, nullableStringPtr(item.Assignee), attrs,
		formatTime(item.CreatedAt), formatTime(item.StateEnteredAt),
		nullableTime(item.AnsweredAt), nullableTime(item.ResolvedAt), nullableTime(item.ClosedAt),
		formatTime(item.UpdatedAt), 1); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert record: %w", err)
	}
	if err := r.writer().Append(ctx, tx, "record.created", item.EntityType, item.ID, actor, events.EventPayload{
		"state":    item.State,
		"priority": item.Priority,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return r.Read(ctx, item.EntityType, item.ID)
}

// MetaUpdate patches non-lifecycle fields. Assignee "" clears the assignment;
// SetAttributes entries are merged into the stored snapshot, nil values
// delete the attribute.
type MetaUpdate struct {
	Assignee      *string
	Priority      *int
	SetAttributes map[string]any
}

// UpdateMeta applies a metadata patch, bumping the version so in-flight
// transitions against the old snapshot fail with a conflict.
func (r Repo) UpdateMeta(ctx context.Context, entityType, id string, patch MetaUpdate, actor string) (domain.WorkItem, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, unavailable("begin write", err)
	}
	defer tx.Rollback()

	cur, err := r.readTx(ctx, tx, entityType, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	var fields []string
	var args []any
	if patch.Assignee != nil {
		fields = append(fields, "assignee=?")
		args = append(args, nullable(*patch.Assignee))
	}
	if patch.Priority != nil {
		if *patch.Priority < 0 || *patch.Priority > 3 {
			return domain.WorkItem{}, domain.ValidationError{Field: "priority", Message: fmt.Sprintf("%d is outside 0..3", *patch.Priority)}
		}
		fields = append(fields, "priority=?")
		args = append(args, *patch.Priority)
	}
	if len(patch.SetAttributes) > 0 {
		merged := map[string]any{}
		for k, v := range cur.Attributes {
			merged[k] = v
		}
		for k, v := range patch.SetAttributes {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		attrs, err := marshalAttributes(merged)
		if err != nil {
			return domain.WorkItem{}, err
		}
		fields = append(fields, "attributes_json=?")
		args = append(args, attrs)
	}
	if len(fields) == 0 {
		return cur, nil
	}
	fields = append(fields, "updated_at=?", "version=version+1")
	args = append(args, formatTime(r.now().UTC()), entityType, id)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE records SET %s WHERE entity_type=? AND id=?`, strings.Join(fields, ", ")), args...); err != nil {
		return domain.WorkItem{}, err
	}
	if err := r.writer().Append(ctx, tx, "record.updated", entityType, id, actor, events.EventPayload{}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return r.Read(ctx, entityType, id)
}

// List returns records of one entity type matching the filter, newest first.
func (r Repo) List(ctx context.Context, entityType string, f store.Filter) ([]domain.WorkItem, error) {
	clauses := []string{"entity_type=?"}
	args := []any{entityType}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Assignee != "" {
		if f.Assignee == "unassigned" {
			clauses = append(clauses, "assignee IS NULL")
		} else {
			clauses = append(clauses, "assignee=?")
			args = append(args, f.Assignee)
		}
	}
	if f.MinPriority != nil {
		clauses = append(clauses, "priority>=?")
		args = append(args, *f.MinPriority)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		cursor := f.CursorCreatedAt
		if t, err := parseTime(cursor); err == nil {
			cursor = formatTime(t)
		}
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursor, cursor, f.CursorID)
	}
	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query records", err)
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		item, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query records", err)
	}
	return res, nil
}

// LatestEvents returns recent events, newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityType, recordID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, entityType)
	}
	if recordID != "" {
		clauses = append(clauses, "record_id=?")
		args = append(args, recordID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_type,record_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order; the webhook dispatcher's feed.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_type,record_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var recordID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityType, &recordID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if recordID.Valid {
			e.RecordID = recordID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountByState returns record counts per state for one entity type.
func (r Repo) CountByState(ctx context.Context, entityType string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM records WHERE entity_type=? GROUP BY state`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var assignee, attrs, answered, resolved, closed sql.NullString
	var created, entered, updated string
	err := row.Scan(&w.ID, &w.EntityType, &w.State, &w.Priority, &assignee, &attrs,
		&created, &entered, &answered, &resolved, &closed, &updated, &w.Version)
	if err == sql.ErrNoRows {
		return w, store.ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if assignee.Valid {
		w.Assignee = &assignee.String
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &w.Attributes); err != nil {
			return w, fmt.Errorf("record %s attributes: %w", w.ID, err)
		}
	}
	if w.CreatedAt, err = parseTime(created); err != nil {
		return w, err
	}
	if w.StateEnteredAt, err = parseTime(entered); err != nil {
		return w, err
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return w, err
	}
	if w.AnsweredAt, err = parseTimePtr(answered); err != nil {
		return w, err
	}
	if w.ResolvedAt, err = parseTimePtr(resolved); err != nil {
		return w, err
	}
	if w.ClosedAt, err = parseTimePtr(closed); err != nil {
		return w, err
	}
	return w, nil
}

func marshalAttributes(attrs map[string]any) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return string(b), nil
}

// timeLayout keeps a fixed-width fractional part so stored timestamps sort
// lexicographically in chronological order; List's ORDER BY and the keyset
// cursor both compare these as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
