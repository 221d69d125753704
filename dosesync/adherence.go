// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/adherence"
)

// AdherenceService reports adherence from active medications and materialized dose events
type AdherenceService struct {
	medications MedicationRepo
	doseEvents  DoseEventRepo
}

func NewAdherenceService(medications MedicationRepo, doseEvents DoseEventRepo) *AdherenceService {
	return &AdherenceService{medications: medications, doseEvents: doseEvents}
}

// Summary covers the calendar dates from..to inclusive in from's location
func (s *AdherenceService) Summary(ctx context.Context, userID string, from, to time.Time) (adherence.Summary, error) {
	// reject a reversed range before touching storage
	if _, err := adherence.Summarize(nil, nil, from, to); err != nil {
		return adherence.Summary{}, err
	}
	meds, err := s.medications.ActiveList(ctx, userID)
	if err != nil {
		return adherence.Summary{}, err
	}
	loc := from.Location()
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	toLocal := to.In(loc)
	end := time.Date(toLocal.Year(), toLocal.Month(), toLocal.Day()+1, 0, 0, 0, 0, loc)
	events, err := s.doseEvents.Query(ctx, userID, start, end)
	if err != nil {
		return adherence.Summary{}, err
	}

	planned := make([]adherence.Medication, 0, len(meds))
	for _, m := range meds {
		planned = append(planned, adherence.Medication{ID: m.ID, Rules: m.Schedules})
	}
	actions := make([]adherence.Action, 0, len(events))
	for _, e := range events {
		actions = append(actions, adherence.Action{
			MedicationID: e.MedicationID,
			Kind:         adherence.ActionKind(e.Status),
			At:           e.ActionAt,
		})
	}
	return adherence.Summarize(planned, actions, from, to)
}
