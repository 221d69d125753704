// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package dosesqlite is the device side of medication reminders: SQLite
// persistence for the offline queue, reminder state, scheduled handles and
// caches, plus the HTTP client that syncs the queue with a dosesync server.
package dosesqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const timeLayout = time.RFC3339Nano

// InitializeDatabase creates the client tables if they do not exist
func InitializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client/device info (one row per signed-in user)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			user_id         TEXT NOT NULL PRIMARY KEY,
			source_id       TEXT NOT NULL,
			pull_watermark  TEXT NOT NULL DEFAULT ''  -- receivedAt of the newest pulled event
		)`,

		// Offline queue, one row per event id; seq keeps the first-enqueue position
		`CREATE TABLE IF NOT EXISTS _offline_queue (
			seq                INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id           TEXT NOT NULL UNIQUE,
			event_type         TEXT NOT NULL,
			payload_json       TEXT NOT NULL,
			client_updated_at  TEXT NOT NULL,
			queued_at          TEXT NOT NULL
		)`,

		// Events the server refused with a validation error, kept out of the push path
		`CREATE TABLE IF NOT EXISTS _offline_queue_rejected (
			event_id           TEXT NOT NULL PRIMARY KEY,
			event_type         TEXT NOT NULL,
			payload_json       TEXT NOT NULL,
			client_updated_at  TEXT NOT NULL,
			error_code         TEXT NOT NULL,
			error_message      TEXT NOT NULL,
			rejected_at        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _dose_state (
			occurrence_key  TEXT NOT NULL PRIMARY KEY,
			medication_id   TEXT NOT NULL,
			date_key        TEXT NOT NULL,
			scheduled_time  TEXT NOT NULL,
			status          TEXT NOT NULL CHECK (status IN ('pending','taken','missed','snoozed')),
			last_action_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _delivery_cache (
			occurrence_key  TEXT NOT NULL PRIMARY KEY,
			delivery_id     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _scheduled_handles (
			group_name  TEXT NOT NULL,
			position    INTEGER NOT NULL,
			handle      TEXT NOT NULL,
			fire_at     INTEGER NOT NULL DEFAULT 0,  -- unix nanos, 0 when unknown
			PRIMARY KEY (group_name, position)
		)`,

		// Last schedule rules fetched from the server, used while offline
		`CREATE TABLE IF NOT EXISTS _schedule_cache (
			id             TEXT NOT NULL PRIMARY KEY,
			medication_id  TEXT NOT NULL,
			kind           TEXT NOT NULL,
			time_of_day    TEXT NOT NULL,
			weekdays       TEXT NOT NULL DEFAULT '[]'
		)`,
	}

	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// EnsureSourceID generates and persists a source ID if not already present
func EnsureSourceID(db *sql.DB, userID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _sync_client_info WHERE user_id = ?`, userID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`INSERT INTO _sync_client_info (user_id, source_id) VALUES (?, ?)`, userID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// PullWatermark returns the receivedAt of the newest pulled event (zero if none)
func PullWatermark(ctx context.Context, db *sql.DB, userID string) (time.Time, error) {
	var s string
	err := db.QueryRowContext(ctx, `SELECT pull_watermark FROM _sync_client_info WHERE user_id = ?`, userID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && s == "") {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read pull watermark: %w", err)
	}
	return time.Parse(timeLayout, s)
}

func setPullWatermark(ctx context.Context, db *sql.DB, userID string, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE _sync_client_info SET pull_watermark = ? WHERE user_id = ?`,
		formatTime(at), userID)
	if err != nil {
		return fmt.Errorf("failed to store pull watermark: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
