// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recurrence

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// Occurrence is one concrete firing of a rule. It is derived and never persisted.
type Occurrence struct {
	MedicationID  string    `json:"medicationId"`
	DateKey       string    `json:"dateKey"`
	ScheduledTime string    `json:"scheduledTime"`
	Instant       time.Time `json:"instant"`
}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// Occurrences expands rule over the dayCount calendar days starting at from's date,
// in from's location. Invalid rules and non-positive windows yield nil.
func Occurrences(rule Rule, from time.Time, dayCount int) []Occurrence {
	if dayCount <= 0 || rule.Validate() != nil {
		return nil
	}

	// rrule picks the days; noon is never inside a DST transition
	loc := from.Location()
	start := time.Date(from.Year(), from.Month(), from.Day(), 12, 0, 0, 0, loc)
	last := time.Date(from.Year(), from.Month(), from.Day()+dayCount-1, 12, 0, 0, 0, loc)

	opt := rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: start,
		Until:   last,
	}
	if rule.Kind == KindWeekly {
		opt.Freq = rrule.WEEKLY
		for _, d := range rule.Weekdays {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
	}

	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil
	}

	scheduled := rule.TimeOfDay.String()
	days := rr.All()
	out := make([]Occurrence, 0, len(days))
	for _, day := range days {
		y, m, d := day.In(loc).Date()
		at := wallTime(y, m, d, rule.TimeOfDay.Hour, rule.TimeOfDay.Minute, loc)
		out = append(out, Occurrence{
			MedicationID:  rule.MedicationID,
			DateKey:       time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Format(DateLayout),
			ScheduledTime: scheduled,
			Instant:       at,
		})
	}
	return out
}

// wallTime returns hh:mm on the given date in loc. A wall time skipped by a
// forward DST jump moves forward by the size of the gap (02:30 becomes 03:30).
func wallTime(year int, month time.Month, day, hh, mm int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hh, mm, 0, 0, loc)
	if t.Hour() == hh && t.Minute() == mm {
		return t
	}
	_, before := t.Add(-6 * time.Hour).Zone()
	naive := time.Date(year, month, day, hh, mm, 0, 0, time.UTC)
	return naive.Add(-time.Duration(before) * time.Second).In(loc)
}

// Expand generates occurrences for several rules and merges them by instant.
// Equal instants keep the order of rules.
func Expand(rules []Rule, from time.Time, dayCount int) []Occurrence {
	var out []Occurrence
	for _, r := range rules {
		out = append(out, Occurrences(r, from, dayCount)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Instant.Before(out[j].Instant)
	})
	return out
}

// DateKey formats t's calendar date.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD date at midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, loc)
}

// InstantOf rebuilds the instant of an occurrence from its date key and HH:MM time in loc.
func InstantOf(dateKey, scheduledTime string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, dateKey+" "+scheduledTime, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return wallTime(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), loc), nil
}

// DayNumber returns the civil day index of t's calendar date.
func DayNumber(t time.Time) int {
	civil := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(civil.Unix() / 86400)
}

// DayCount returns the inclusive number of calendar days in [from, to]. It is below 1 when to precedes from.
func DayCount(from, to time.Time) int {
	return DayNumber(to) - DayNumber(from) + 1
}
