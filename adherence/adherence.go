// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package adherence computes planned versus recorded dose counts over a date range.
//
// Recorded actions are counted on their own and are not matched to individual
// occurrences, so actions for inactive or deleted medications still count.
package adherence

import (
	"math"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// ActionKind is the kind of recorded dose action
type ActionKind string

const (
	ActionTaken   ActionKind = "taken"
	ActionMissed  ActionKind = "missed"
	ActionSnoozed ActionKind = "snoozed"
)

// Medication is an active medication and its schedule rules
type Medication struct {
	ID    string
	Rules []recurrence.Rule
}

// Action is one recorded dose action
type Action struct {
	MedicationID string
	Kind         ActionKind
	At           time.Time
}

// Summary is the adherence report for [FromDate, ToDate].
type Summary struct {
	FromDate      string  `json:"fromDate"`
	ToDate        string  `json:"toDate"`
	PlannedCount  int     `json:"plannedCount"`
	TakenCount    int     `json:"takenCount"`
	MissedCount   int     `json:"missedCount"`
	SnoozedCount  int     `json:"snoozedCount"`
	AdherenceRate float64 `json:"adherenceRate"`
}

// Summarize counts planned occurrences of meds and recorded actions between the
// calendar dates of from and to (inclusive), in from's location.
func Summarize(meds []Medication, actions []Action, from, to time.Time) (Summary, error) {
	if recurrence.DayNumber(to) < recurrence.DayNumber(from) {
		return Summary{}, doserr.NewValidation(doserr.CodeInvalidRange, "to", "toDate %s is before fromDate %s",
			recurrence.DateKey(to), recurrence.DateKey(from))
	}

	loc := from.Location()
	to = to.In(loc)
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	end := time.Date(to.Year(), to.Month(), to.Day()+1, 0, 0, 0, 0, loc)
	dayCount := recurrence.DayCount(from, to)

	s := Summary{
		FromDate: recurrence.DateKey(from),
		ToDate:   recurrence.DateKey(to),
	}
	for _, m := range meds {
		for _, r := range m.Rules {
			s.PlannedCount += len(recurrence.Occurrences(r, start, dayCount))
		}
	}

	for _, a := range actions {
		if a.At.Before(start) || !a.At.Before(end) {
			continue
		}
		switch a.Kind {
		case ActionTaken:
			s.TakenCount++
		case ActionMissed:
			s.MissedCount++
		case ActionSnoozed:
			s.SnoozedCount++
		}
	}

	s.AdherenceRate = Rate(s.TakenCount, s.PlannedCount)
	return s, nil
}

// Rate is taken/planned rounded to four decimals, half away from zero. It is 0 when
// nothing was planned and never exceeds 1, even when unmatched actions outnumber the plan.
func Rate(taken, planned int) float64 {
	if planned <= 0 || taken <= 0 {
		return 0
	}
	if taken >= planned {
		return 1
	}
	return math.Round(float64(taken)/float64(planned)*1e4) / 1e4
}
