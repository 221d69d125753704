// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ssanver/medication-reminder-app-sub000/dosesync"
	"github.com/ssanver/medication-reminder-app-sub000/reminder"
)

// StateApplier writes pulled dose.taken and dose.missed events into a StateStore.
// An event only wins when its clientUpdatedAt is newer than the local entry.
type StateApplier struct {
	Store  reminder.StateStore
	Logger *slog.Logger
}

func (a *StateApplier) Apply(_ context.Context, item dosesync.SyncItem) error {
	var status reminder.DoseStatus
	switch item.EventType {
	case reminder.EventDoseTaken:
		status = reminder.StatusTaken
	case reminder.EventDoseMissed:
		status = reminder.StatusMissed
	default:
		return nil
	}

	var p reminder.DoseEventPayload
	if err := json.Unmarshal([]byte(item.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode dose payload: %w", err)
	}
	key := reminder.OccurrenceKey{MedicationID: p.MedicationID, DateKey: p.DateKey, ScheduledTime: p.ScheduledTime}
	if key.MedicationID == "" {
		return fmt.Errorf("dose payload missing medicationId")
	}

	if local, ok := a.Store.Lookup(key); ok && !item.ClientUpdatedAt.After(local.LastActionAt) {
		return nil
	}
	if err := a.Store.Set(key, status, item.ClientUpdatedAt); err != nil {
		return err
	}
	if a.Logger != nil {
		a.Logger.Debug("Applied remote dose event", "key", key.String(), "status", string(status), "event_id", item.EventID)
	}
	return nil
}
