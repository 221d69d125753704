// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/reminder"
)

// StateStore is a reminder.StateStore kept in the _dose_state table
type StateStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewStateStore(db *sql.DB, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{db: db, logger: logger, now: time.Now}
}

// Get falls back to the inferred status when the row is missing or unreadable
func (s *StateStore) Get(key reminder.OccurrenceKey) reminder.DoseStatus {
	if e, ok := s.Lookup(key); ok {
		return e.Status
	}
	return reminder.InferStatus(key, s.now())
}

func (s *StateStore) Lookup(key reminder.OccurrenceKey) (reminder.Entry, bool) {
	var status, at string
	err := s.db.QueryRow(`SELECT status, last_action_at FROM _dose_state WHERE occurrence_key = ?`, key.String()).
		Scan(&status, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Entry{}, false
	}
	if err != nil {
		s.logger.Warn("Failed to read dose state", "error", err, "key", key.String())
		return reminder.Entry{}, false
	}
	lastAt, err := parseTime(at)
	if err != nil {
		s.logger.Warn("Bad dose state timestamp", "error", err, "key", key.String())
	}
	return reminder.Entry{Key: key, Status: reminder.DoseStatus(status), LastActionAt: lastAt}, true
}

func (s *StateStore) Set(key reminder.OccurrenceKey, status reminder.DoseStatus, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid dose status %q", status)
	}
	_, err := s.db.Exec(`
		INSERT INTO _dose_state (occurrence_key, medication_id, date_key, scheduled_time, status, last_action_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (occurrence_key) DO UPDATE SET
			status = excluded.status,
			last_action_at = excluded.last_action_at`,
		key.String(), key.MedicationID, key.DateKey, key.ScheduledTime, string(status), formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to set dose state: %w", err)
	}
	return nil
}

func (s *StateStore) Clear(key reminder.OccurrenceKey) error {
	if _, err := s.db.Exec(`DELETE FROM _dose_state WHERE occurrence_key = ?`, key.String()); err != nil {
		return fmt.Errorf("failed to clear dose state: %w", err)
	}
	return nil
}

// Entries returns all entries ordered by key
func (s *StateStore) Entries() ([]reminder.Entry, error) {
	rows, err := s.db.Query(`
		SELECT medication_id, date_key, scheduled_time, status, last_action_at
		FROM _dose_state
		ORDER BY occurrence_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dose state: %w", err)
	}
	defer rows.Close()

	var out []reminder.Entry
	for rows.Next() {
		var (
			e          reminder.Entry
			status, at string
		)
		if err := rows.Scan(&e.Key.MedicationID, &e.Key.DateKey, &e.Key.ScheduledTime, &status, &at); err != nil {
			return nil, fmt.Errorf("failed to scan dose state: %w", err)
		}
		e.Status = reminder.DoseStatus(status)
		if e.LastActionAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("bad last_action_at for %s: %w", e.Key.String(), err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
