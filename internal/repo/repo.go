package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"guardline/internal/domain"
	"guardline/internal/events"
)

// Repo is the SQLite key-value backend behind the state store.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

// Get returns the value stored under key; ok is false when the key is absent.
func (r Repo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put upserts key and appends the audit entry in the same transaction.
func (r Repo) Put(ctx context.Context, key string, value []byte, entry events.Entry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := putTx(ctx, tx, key, value, r.now()); err != nil {
		return err
	}
	if entry.Type != "" {
		if err := r.Events.Append(ctx, tx, entry); err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
	}
	return tx.Commit()
}

// Take reads and deletes key in one transaction.
func (r Repo) Take(ctx context.Context, key string, entry events.Entry) ([]byte, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	var value []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key=?`, key); err != nil {
		return nil, false, err
	}
	if entry.Type != "" {
		if err := r.Events.Append(ctx, tx, entry); err != nil {
			return nil, false, fmt.Errorf("append audit event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func putTx(ctx context.Context, tx *sql.Tx, key string, value []byte, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, now.UTC().Format(time.RFC3339Nano))
	return err
}

func (r Repo) now() time.Time {
	if r.Events.Now != nil {
		return r.Events.Now()
	}
	return time.Now()
}

// AuditFilter narrows LatestAuditEvents. Zero fields match everything.
type AuditFilter struct {
	Limit      int
	Cursor     int64
	Type       string
	EntityKind string
	EntityID   string
}

// LatestAuditEvents returns audit events newest first. Cursor pages
// backwards: only ids strictly below it are returned.
func (r Repo) LatestAuditEvents(ctx context.Context, f AuditFilter) ([]domain.AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AuditEventsAfter returns up to limit events with id above cursor, oldest
// first.
func (r Repo) AuditEventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM audit_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestAuditEventID is 0 for an empty log.
func (r Repo) LatestAuditEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM audit_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
