// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/dosesync"
	"github.com/ssanver/medication-reminder-app-sub000/reminder"
)

// OfflineQueue is the durable outbox of events waiting for push.
// Items are keyed by event id; a repeated enqueue replaces the content but keeps the position.
type OfflineQueue struct {
	db      *sql.DB
	writeMu sync.Mutex
	now     func() time.Time
}

// NewOfflineQueue returns a queue over db. InitializeDatabase must have run.
func NewOfflineQueue(db *sql.DB) *OfflineQueue {
	return &OfflineQueue{db: db, now: time.Now}
}

func validateItem(it dosesync.SyncItem) error {
	switch {
	case it.EventID == "":
		return doserr.NewValidation(doserr.CodeInvalidEvent, "eventId", "must not be empty")
	case it.EventType == "":
		return doserr.NewValidation(doserr.CodeInvalidEvent, "eventType", "must not be empty")
	case !json.Valid([]byte(it.PayloadJSON)):
		return doserr.NewValidation(doserr.CodeInvalidEvent, "payloadJson", "not a JSON document")
	}
	return nil
}

// Enqueue inserts item, or replaces the queued item with the same event id
func (q *OfflineQueue) Enqueue(ctx context.Context, item dosesync.SyncItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO _offline_queue (event_id, event_type, payload_json, client_updated_at, queued_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			event_type = excluded.event_type,
			payload_json = excluded.payload_json,
			client_updated_at = excluded.client_updated_at`,
		item.EventID, item.EventType, item.PayloadJSON, formatTime(item.ClientUpdatedAt), formatTime(q.now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", item.EventID, err)
	}
	return nil
}

// EnqueueEvent queues a reminder domain event
func (q *OfflineQueue) EnqueueEvent(ctx context.Context, e reminder.Event) error {
	return q.Enqueue(ctx, dosesync.SyncItem{
		EventID:         e.ID,
		EventType:       e.Type,
		PayloadJSON:     string(e.Payload),
		ClientUpdatedAt: e.ClientUpdatedAt,
	})
}

// DequeueBatch returns up to limit items in queue order without removing them
func (q *OfflineQueue) DequeueBatch(ctx context.Context, limit int) ([]dosesync.SyncItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT event_id, event_type, payload_json, client_updated_at
		FROM _offline_queue
		ORDER BY seq
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var items []dosesync.SyncItem
	for rows.Next() {
		var (
			it       dosesync.SyncItem
			clientAt string
		)
		if err := rows.Scan(&it.EventID, &it.EventType, &it.PayloadJSON, &clientAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued event: %w", err)
		}
		if it.ClientUpdatedAt, err = parseTime(clientAt); err != nil {
			return nil, fmt.Errorf("bad client_updated_at for %s: %w", it.EventID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkSynced removes the given event ids; unknown ids are ignored
func (q *OfflineQueue) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM _offline_queue WHERE event_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to mark events synced: %w", err)
	}
	return nil
}

// Size returns the number of queued items
func (q *OfflineQueue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _offline_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// RejectedItem is a queued event the server refused with a validation error
type RejectedItem struct {
	Item         dosesync.SyncItem
	ErrorCode    string
	ErrorMessage string
	RejectedAt   time.Time
}

// Reject moves item out of the queue into _offline_queue_rejected, recording cause
func (q *OfflineQueue) Reject(ctx context.Context, item dosesync.SyncItem, cause error) error {
	code, msg := "", ""
	if cause != nil {
		msg = cause.Error()
	}
	var verr *doserr.ValidationError
	if errors.As(cause, &verr) {
		code = verr.Code
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reject tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _offline_queue_rejected (event_id, event_type, payload_json, client_updated_at, error_code, error_message, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			event_type = excluded.event_type,
			payload_json = excluded.payload_json,
			client_updated_at = excluded.client_updated_at,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			rejected_at = excluded.rejected_at`,
		item.EventID, item.EventType, item.PayloadJSON, formatTime(item.ClientUpdatedAt), code, msg, formatTime(q.now())); err != nil {
		return fmt.Errorf("failed to record rejected event %s: %w", item.EventID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _offline_queue WHERE event_id = ?`, item.EventID); err != nil {
		return fmt.Errorf("failed to dequeue rejected event %s: %w", item.EventID, err)
	}
	return tx.Commit()
}

// Rejected lists rejected events, oldest first
func (q *OfflineQueue) Rejected(ctx context.Context) ([]RejectedItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT event_id, event_type, payload_json, client_updated_at, error_code, error_message, rejected_at
		FROM _offline_queue_rejected
		ORDER BY rejected_at, event_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rejected events: %w", err)
	}
	defer rows.Close()

	var out []RejectedItem
	for rows.Next() {
		var (
			r                    RejectedItem
			clientAt, rejectedAt string
		)
		if err := rows.Scan(&r.Item.EventID, &r.Item.EventType, &r.Item.PayloadJSON, &clientAt, &r.ErrorCode, &r.ErrorMessage, &rejectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rejected event: %w", err)
		}
		if r.Item.ClientUpdatedAt, err = parseTime(clientAt); err != nil {
			return nil, fmt.Errorf("bad client_updated_at for %s: %w", r.Item.EventID, err)
		}
		if r.RejectedAt, err = parseTime(rejectedAt); err != nil {
			return nil, fmt.Errorf("bad rejected_at for %s: %w", r.Item.EventID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
