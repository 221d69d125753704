// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// MedicationService manages medications and their schedule rules.
// Reminder times are unique per medication; the check runs here and again in storage.
type MedicationService struct {
	repo   MedicationRepo
	logger *slog.Logger
	now    func() time.Time
}

func NewMedicationService(repo MedicationRepo, logger *slog.Logger) *MedicationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MedicationService{repo: repo, logger: logger, now: time.Now}
}

func duplicateTime(t recurrence.TimeOfDay) error {
	return doserr.NewValidation(doserr.CodeDuplicateTime, "timeOfDay", "reminder time %s already exists for this medication", t)
}

func ruleFromRequest(id, medicationID string, req ScheduleRequest) (recurrence.Rule, error) {
	r := recurrence.Rule{
		ID:           id,
		MedicationID: medicationID,
		Kind:         req.Kind,
		TimeOfDay:    req.TimeOfDay,
		Weekdays:     req.Weekdays,
	}
	if err := r.Validate(); err != nil {
		return recurrence.Rule{}, err
	}
	return r, nil
}

// List returns the user's active medications with their schedules
func (s *MedicationService) List(ctx context.Context, userID string) ([]Medication, error) {
	meds, err := s.repo.ActiveList(ctx, userID)
	if err != nil {
		return nil, err
	}
	if meds == nil {
		meds = []Medication{}
	}
	return meds, nil
}

// ActiveRules flattens the schedules of all active medications
func (s *MedicationService) ActiveRules(ctx context.Context, userID string) ([]recurrence.Rule, error) {
	meds, err := s.repo.ActiveList(ctx, userID)
	if err != nil {
		return nil, err
	}
	var rules []recurrence.Rule
	for _, m := range meds {
		rules = append(rules, m.Schedules...)
	}
	return rules, nil
}

// Create validates req and stores a new active medication
func (s *MedicationService) Create(ctx context.Context, userID string, req CreateMedicationRequest) (Medication, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Medication{}, doserr.NewValidation(doserr.CodeInvalidArgument, "name", "must not be empty")
	}
	m := Medication{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Dosage:    strings.TrimSpace(req.Dosage),
		Active:    true,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	seen := make(map[recurrence.TimeOfDay]bool, len(req.Schedules))
	for _, sr := range req.Schedules {
		rule, err := ruleFromRequest(uuid.NewString(), m.ID, sr)
		if err != nil {
			return Medication{}, err
		}
		if seen[rule.TimeOfDay] {
			return Medication{}, duplicateTime(rule.TimeOfDay)
		}
		seen[rule.TimeOfDay] = true
		m.Schedules = append(m.Schedules, rule)
	}
	if err := s.repo.Create(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicateSchedule) {
			return Medication{}, doserr.NewValidation(doserr.CodeDuplicateTime, "schedules", "reminder times must be unique")
		}
		return Medication{}, err
	}
	s.logger.Debug("Created medication", "user_id", userID, "medication_id", m.ID, "schedules", len(m.Schedules))
	return m, nil
}

// Delete removes a medication and its schedules
func (s *MedicationService) Delete(ctx context.Context, userID, id string) error {
	return s.repo.Delete(ctx, userID, id)
}

// AddSchedule adds a rule to an existing medication
func (s *MedicationService) AddSchedule(ctx context.Context, userID, medicationID string, req ScheduleRequest) (recurrence.Rule, error) {
	m, err := s.repo.Get(ctx, userID, medicationID)
	if err != nil {
		return recurrence.Rule{}, err
	}
	rule, err := ruleFromRequest(uuid.NewString(), m.ID, req)
	if err != nil {
		return recurrence.Rule{}, err
	}
	for _, existing := range m.Schedules {
		if existing.TimeOfDay == rule.TimeOfDay {
			return recurrence.Rule{}, duplicateTime(rule.TimeOfDay)
		}
	}
	if err := s.repo.CreateSchedule(ctx, userID, rule); err != nil {
		if errors.Is(err, ErrDuplicateSchedule) {
			return recurrence.Rule{}, duplicateTime(rule.TimeOfDay)
		}
		return recurrence.Rule{}, err
	}
	return rule, nil
}

// ReplaceSchedule overwrites kind, time and weekdays of an existing rule
func (s *MedicationService) ReplaceSchedule(ctx context.Context, userID, scheduleID string, req ScheduleRequest) (recurrence.Rule, error) {
	current, err := s.repo.GetSchedule(ctx, userID, scheduleID)
	if err != nil {
		return recurrence.Rule{}, err
	}
	rule, err := ruleFromRequest(scheduleID, current.MedicationID, req)
	if err != nil {
		return recurrence.Rule{}, err
	}
	m, err := s.repo.Get(ctx, userID, current.MedicationID)
	if err != nil {
		return recurrence.Rule{}, err
	}
	for _, sibling := range m.Schedules {
		if sibling.ID != scheduleID && sibling.TimeOfDay == rule.TimeOfDay {
			return recurrence.Rule{}, duplicateTime(rule.TimeOfDay)
		}
	}
	if err := s.repo.ReplaceSchedule(ctx, userID, rule); err != nil {
		if errors.Is(err, ErrDuplicateSchedule) {
			return recurrence.Rule{}, duplicateTime(rule.TimeOfDay)
		}
		return recurrence.Rule{}, err
	}
	return rule, nil
}

// DeleteSchedule removes one rule
func (s *MedicationService) DeleteSchedule(ctx context.Context, userID, scheduleID string) error {
	return s.repo.DeleteSchedule(ctx, userID, scheduleID)
}
