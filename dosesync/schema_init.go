// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS medications (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		dosage      TEXT NOT NULL DEFAULT '',
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS medications_user_idx ON medications (user_id)`,

	// one rule per (medication, time of day)
	`CREATE TABLE IF NOT EXISTS medication_schedules (
		id             TEXT PRIMARY KEY,
		medication_id  TEXT NOT NULL REFERENCES medications (id) ON DELETE CASCADE,
		kind           TEXT NOT NULL CHECK (kind IN ('daily', 'weekly')),
		time_of_day    TEXT NOT NULL,
		weekdays       INTEGER[] NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (medication_id, time_of_day)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_events (
		event_id           TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		event_type         TEXT NOT NULL,
		payload_json       TEXT NOT NULL,
		client_updated_at  TIMESTAMPTZ,
		received_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sync_events_user_received_idx ON sync_events (user_id, received_at)`,

	`CREATE TABLE IF NOT EXISTS dose_events (
		event_id        TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		medication_id   TEXT NOT NULL,
		date_key        TEXT NOT NULL,
		scheduled_time  TEXT NOT NULL,
		status          TEXT NOT NULL CHECK (status IN ('taken', 'missed', 'snoozed')),
		action_type     TEXT NOT NULL DEFAULT '',
		action_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS dose_events_user_action_idx ON dose_events (user_id, action_at)`,

	`CREATE TABLE IF NOT EXISTS notification_deliveries (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		medication_id   TEXT,
		occurrence_key  TEXT,
		scheduled_at    TIMESTAMPTZ NOT NULL,
		sent_at         TIMESTAMPTZ,
		channel         TEXT NOT NULL,
		status          TEXT NOT NULL CHECK (status IN ('scheduled', 'sent', 'failed'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS notification_deliveries_occurrence_uq
		ON notification_deliveries (user_id, occurrence_key) WHERE occurrence_key IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS notification_actions (
		id           TEXT PRIMARY KEY,
		delivery_id  TEXT NOT NULL REFERENCES notification_deliveries (id) ON DELETE CASCADE,
		user_id      TEXT NOT NULL,
		action_type  TEXT NOT NULL CHECK (action_type IN ('take-now', 'skip', 'snooze-5min', 'open')),
		action_at    TIMESTAMPTZ NOT NULL,
		metadata     JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS notification_actions_delivery_idx ON notification_actions (delivery_id, action_at)`,
}

// initializeSchemaInTx creates all server tables if they do not exist
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
