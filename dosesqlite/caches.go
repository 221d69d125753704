// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
	"github.com/ssanver/medication-reminder-app-sub000/reminder"
)

// DeliveryCache is a reminder.DeliveryCache kept in _delivery_cache
type DeliveryCache struct {
	db *sql.DB
}

func NewDeliveryCache(db *sql.DB) *DeliveryCache { return &DeliveryCache{db: db} }

func (c *DeliveryCache) DeliveryID(key reminder.OccurrenceKey) (string, bool, error) {
	var id string
	err := c.db.QueryRow(`SELECT delivery_id FROM _delivery_cache WHERE occurrence_key = ?`, key.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read delivery cache: %w", err)
	}
	return id, true, nil
}

func (c *DeliveryCache) PutDeliveryID(key reminder.OccurrenceKey, deliveryID string) error {
	_, err := c.db.Exec(`
		INSERT INTO _delivery_cache (occurrence_key, delivery_id) VALUES (?, ?)
		ON CONFLICT (occurrence_key) DO UPDATE SET delivery_id = excluded.delivery_id`,
		key.String(), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to write delivery cache: %w", err)
	}
	return nil
}

// HandleStore is a reminder.HandleStore kept in _scheduled_handles
type HandleStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

func NewHandleStore(db *sql.DB) *HandleStore { return &HandleStore{db: db} }

func (s *HandleStore) Handles(group reminder.HandleGroup) ([]reminder.Handle, error) {
	rows, err := s.db.Query(`SELECT handle FROM _scheduled_handles WHERE group_name = ? ORDER BY position`, string(group))
	if err != nil {
		return nil, fmt.Errorf("failed to query handles: %w", err)
	}
	defer rows.Close()
	var out []reminder.Handle
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan handle: %w", err)
		}
		out = append(out, reminder.Handle(h))
	}
	return out, rows.Err()
}

// ReplaceHandles swaps the whole group in one transaction. Handles already in
// the group keep their recorded fire time.
func (s *HandleStore) ReplaceHandles(group reminder.HandleGroup, handles []reminder.Handle) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fireAt := make(map[string]int64)
	rows, err := tx.Query(`SELECT handle, fire_at FROM _scheduled_handles WHERE group_name = ?`, string(group))
	if err != nil {
		return fmt.Errorf("failed to query handles: %w", err)
	}
	for rows.Next() {
		var (
			h  string
			at int64
		)
		if err := rows.Scan(&h, &at); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan handle: %w", err)
		}
		fireAt[h] = at
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("failed to read handles: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM _scheduled_handles WHERE group_name = ?`, string(group)); err != nil {
		return fmt.Errorf("failed to clear handles: %w", err)
	}
	for i, h := range handles {
		if _, err := tx.Exec(`INSERT INTO _scheduled_handles (group_name, position, handle, fire_at) VALUES (?, ?, ?, ?)`,
			string(group), i, string(h), fireAt[string(h)]); err != nil {
			return fmt.Errorf("failed to insert handle: %w", err)
		}
	}
	return tx.Commit()
}

func (s *HandleStore) AddHandle(group reminder.HandleGroup, h reminder.Handle, fireAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var at int64
	if !fireAt.IsZero() {
		at = fireAt.UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO _scheduled_handles (group_name, position, handle, fire_at)
		SELECT ?, COALESCE(MAX(position) + 1, 0), ?, ? FROM _scheduled_handles WHERE group_name = ?`,
		string(group), string(h), at, string(group))
	if err != nil {
		return fmt.Errorf("failed to add handle: %w", err)
	}
	return nil
}

// PruneHandles deletes handles of group that fired at or before the given instant
func (s *HandleStore) PruneHandles(group reminder.HandleGroup, before time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM _scheduled_handles WHERE group_name = ? AND fire_at > 0 AND fire_at <= ?`,
		string(group), before.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to prune handles: %w", err)
	}
	return nil
}

// RuleCache keeps the last fetched schedule rules and serves them as a reminder.RuleSource
type RuleCache struct {
	db *sql.DB
}

func NewRuleCache(db *sql.DB) *RuleCache { return &RuleCache{db: db} }

// ReplaceRules overwrites the cache with rules
func (c *RuleCache) ReplaceRules(ctx context.Context, rules []recurrence.Rule) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _schedule_cache`); err != nil {
		return fmt.Errorf("failed to clear schedule cache: %w", err)
	}
	for _, r := range rules {
		weekdays, err := json.Marshal(r.Weekdays)
		if err != nil {
			return fmt.Errorf("failed to encode weekdays: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _schedule_cache (id, medication_id, kind, time_of_day, weekdays)
			VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.MedicationID, string(r.Kind), r.TimeOfDay.String(), string(weekdays)); err != nil {
			return fmt.Errorf("failed to cache rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (c *RuleCache) ActiveRules(ctx context.Context) ([]recurrence.Rule, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, medication_id, kind, time_of_day, weekdays
		FROM _schedule_cache
		ORDER BY medication_id, time_of_day, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule cache: %w", err)
	}
	defer rows.Close()

	var rules []recurrence.Rule
	for rows.Next() {
		var (
			r                  recurrence.Rule
			kind, tod, weekday string
		)
		if err := rows.Scan(&r.ID, &r.MedicationID, &kind, &tod, &weekday); err != nil {
			return nil, fmt.Errorf("failed to scan cached rule: %w", err)
		}
		r.Kind = recurrence.Kind(kind)
		if r.TimeOfDay, err = recurrence.ParseTimeOfDay(tod); err != nil {
			return nil, fmt.Errorf("cached rule %s: %w", r.ID, err)
		}
		if weekday != "" && weekday != "null" {
			if err := json.Unmarshal([]byte(weekday), &r.Weekdays); err != nil {
				return nil, fmt.Errorf("cached rule %s weekdays: %w", r.ID, err)
			}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
