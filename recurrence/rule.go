// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recurrence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
)

// Kind of recurrence
type Kind string

const (
	KindDaily  Kind = "daily"
	KindWeekly Kind = "weekly"
)

// Wire formats used for occurrence identity
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// TimeOfDay is a local wall-clock time without date or zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse(TimeLayout, strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, doserr.NewValidation(doserr.CodeInvalidRule, "timeOfDay", "expected HH:MM, got %q", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// WeekdaySet is the set of weekdays a weekly rule fires on. JSON form is ["mon","wed"].
type WeekdaySet []time.Weekday

// ParseWeekdays accepts a comma separated list of three-letter or full English day names.
func ParseWeekdays(s string) (WeekdaySet, error) {
	var out WeekdaySet
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if len(part) > 3 {
			part = part[:3]
		}
		d, ok := weekdayNames[part]
		if !ok {
			return nil, doserr.NewValidation(doserr.CodeInvalidRule, "weekdays", "unknown weekday %q", part)
		}
		out = append(out, d)
	}
	return out, nil
}

// Contains reports membership
func (w WeekdaySet) Contains(d time.Weekday) bool {
	for _, x := range w {
		if x == d {
			return true
		}
	}
	return false
}

func (w WeekdaySet) MarshalJSON() ([]byte, error) {
	names := make([]string, len(w))
	for i, d := range w {
		names[i] = strings.ToLower(d.String()[:3])
	}
	return json.Marshal(names)
}

func (w *WeekdaySet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	parsed, err := ParseWeekdays(strings.Join(names, ","))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Rule is a medication schedule entry: daily, or weekly on a set of weekdays, at one time of day.
type Rule struct {
	ID           string     `json:"id"`
	MedicationID string     `json:"medicationId"`
	Kind         Kind       `json:"kind"`
	TimeOfDay    TimeOfDay  `json:"timeOfDay"`
	Weekdays     WeekdaySet `json:"weekdays,omitempty"`
}

// Validate checks rule shape. Weekdays are required for weekly rules and forbidden for daily ones.
func (r Rule) Validate() error {
	if r.MedicationID == "" {
		return doserr.NewValidation(doserr.CodeInvalidRule, "medicationId", "medication id is required")
	}
	if !r.TimeOfDay.valid() {
		return doserr.NewValidation(doserr.CodeInvalidRule, "timeOfDay", "time %02d:%02d out of range", r.TimeOfDay.Hour, r.TimeOfDay.Minute)
	}
	switch r.Kind {
	case KindDaily:
		if len(r.Weekdays) > 0 {
			return doserr.NewValidation(doserr.CodeInvalidRule, "weekdays", "daily rule must not list weekdays")
		}
	case KindWeekly:
		if len(r.Weekdays) == 0 {
			return doserr.NewValidation(doserr.CodeInvalidRule, "weekdays", "weekly rule requires at least one weekday")
		}
		seen := make(map[time.Weekday]bool, len(r.Weekdays))
		for _, d := range r.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return doserr.NewValidation(doserr.CodeInvalidRule, "weekdays", "invalid weekday %d", int(d))
			}
			if seen[d] {
				return doserr.NewValidation(doserr.CodeInvalidRule, "weekdays", "duplicate weekday %s", d)
			}
			seen[d] = true
		}
	default:
		return doserr.NewValidation(doserr.CodeInvalidRule, "kind", "unknown kind %q", r.Kind)
	}
	return nil
}
