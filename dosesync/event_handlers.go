// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// Dose event types
const (
	EventDoseTaken   = "dose.taken"
	EventDoseMissed  = "dose.missed"
	EventDoseSnoozed = "dose.snoozed"
)

var doseStatusByEvent = map[string]string{
	EventDoseTaken:   DoseTaken,
	EventDoseMissed:  DoseMissed,
	EventDoseSnoozed: DoseSnoozed,
}

type doseEventPayload struct {
	MedicationID  string    `json:"medicationId"`
	DateKey       string    `json:"dateKey"`
	ScheduledTime string    `json:"scheduledTime"`
	Status        string    `json:"status"`
	ActionType    string    `json:"actionType"`
	ActionAt      time.Time `json:"actionAt"`
}

// DoseEventHandler writes dose.* events into the dose_events table used by adherence
type DoseEventHandler struct {
	repo   DoseEventRepo
	logger *slog.Logger
}

func NewDoseEventHandler(repo DoseEventRepo, logger *slog.Logger) *DoseEventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DoseEventHandler{repo: repo, logger: logger}
}

// Register attaches the handler to every dose event type
func (h *DoseEventHandler) Register(s *SyncService) {
	for eventType := range doseStatusByEvent {
		s.RegisterHandler(eventType, h)
	}
}

func (h *DoseEventHandler) HandleEvent(ctx context.Context, userID string, item SyncItem) error {
	status, ok := doseStatusByEvent[item.EventType]
	if !ok {
		return fmt.Errorf("unsupported event type %q", item.EventType)
	}
	var p doseEventPayload
	if err := json.Unmarshal([]byte(item.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decode dose payload: %w", err)
	}
	if p.MedicationID == "" {
		return fmt.Errorf("dose payload missing medicationId")
	}
	if _, err := recurrence.ParseDate(p.DateKey, time.UTC); err != nil {
		return fmt.Errorf("dose payload dateKey: %w", err)
	}
	if _, err := recurrence.ParseTimeOfDay(p.ScheduledTime); err != nil {
		return fmt.Errorf("dose payload scheduledTime: %w", err)
	}
	if p.Status != "" && p.Status != status {
		h.logger.Warn("Dose payload status disagrees with event type",
			"event_id", item.EventID, "event_type", item.EventType, "status", p.Status)
	}
	actionAt := p.ActionAt
	if actionAt.IsZero() {
		actionAt = item.ClientUpdatedAt
	}
	return h.repo.Insert(ctx, DoseEvent{
		EventID:       item.EventID,
		UserID:        userID,
		MedicationID:  p.MedicationID,
		DateKey:       p.DateKey,
		ScheduledTime: p.ScheduledTime,
		Status:        status,
		ActionType:    p.ActionType,
		ActionAt:      actionAt,
	})
}
