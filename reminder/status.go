// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package reminder is the client side of the medication reminder: per-occurrence
// dose state, delivery scheduling, the prompt state machine and the bridge that
// turns dose changes into sync events and server notification records.
package reminder

import (
	"strings"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// DoseStatus of one occurrence
type DoseStatus string

const (
	StatusPending DoseStatus = "pending"
	StatusTaken   DoseStatus = "taken"
	StatusMissed  DoseStatus = "missed"
	StatusSnoozed DoseStatus = "snoozed"
)

// Valid reports whether s is a known status
func (s DoseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusTaken, StatusMissed, StatusSnoozed:
		return true
	}
	return false
}

// OccurrenceKey identifies an occurrence by medication, calendar date and time of day.
type OccurrenceKey struct {
	MedicationID  string
	DateKey       string
	ScheduledTime string
}

// KeyOf returns the identity of o
func KeyOf(o recurrence.Occurrence) OccurrenceKey {
	return OccurrenceKey{MedicationID: o.MedicationID, DateKey: o.DateKey, ScheduledTime: o.ScheduledTime}
}

// String renders the key as medicationId|YYYY-MM-DD|HH:MM
func (k OccurrenceKey) String() string {
	return k.MedicationID + "|" + k.DateKey + "|" + k.ScheduledTime
}

// ParseKey parses the String form
func ParseKey(s string) (OccurrenceKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 || parts[0] == "" {
		return OccurrenceKey{}, doserr.NewValidation(doserr.CodeInvalidArgument, "occurrenceKey", "malformed occurrence key %q", s)
	}
	k := OccurrenceKey{MedicationID: parts[0], DateKey: parts[1], ScheduledTime: parts[2]}
	if _, err := k.Instant(time.UTC); err != nil {
		return OccurrenceKey{}, err
	}
	return k, nil
}

// Instant is the wall-clock instant of the occurrence in loc
func (k OccurrenceKey) Instant(loc *time.Location) (time.Time, error) {
	t, err := recurrence.InstantOf(k.DateKey, k.ScheduledTime, loc)
	if err != nil {
		return time.Time{}, doserr.NewValidation(doserr.CodeInvalidArgument, "occurrenceKey", "bad date or time in %q: %v", k.String(), err)
	}
	return t, nil
}

// InferStatus is the status of an occurrence nobody acted on: pending until its instant, missed after.
func InferStatus(k OccurrenceKey, now time.Time) DoseStatus {
	inst, err := k.Instant(now.Location())
	if err != nil || !inst.After(now) {
		return StatusMissed
	}
	return StatusPending
}
