// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// MemoryStore implements Store in process memory. One mutex guards all tables,
// which gives InsertMany the same one-winner semantics as a primary key.
type MemoryStore struct {
	mu           sync.Mutex
	medications  map[string]*Medication
	doseEvents   map[string]DoseEvent
	deliveries   map[string]NotificationDelivery
	byOccurrence map[string]string // user|occurrenceKey -> delivery id
	actions      []NotificationAction
	events       map[string]SyncItem
	eventOwner   map[string]string
	lastReceived time.Time
	now          func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		medications:  make(map[string]*Medication),
		doseEvents:   make(map[string]DoseEvent),
		deliveries:   make(map[string]NotificationDelivery),
		byOccurrence: make(map[string]string),
		events:       make(map[string]SyncItem),
		eventOwner:   make(map[string]string),
		now:          time.Now,
	}
}

func (s *MemoryStore) Medications() MedicationRepo { return memoryMedications{s} }
func (s *MemoryStore) DoseEvents() DoseEventRepo   { return memoryDoseEvents{s} }
func (s *MemoryStore) Deliveries() DeliveryRepo    { return memoryDeliveries{s} }
func (s *MemoryStore) Actions() ActionRepo         { return memoryActions{s} }
func (s *MemoryStore) SyncEvents() SyncEventRepo   { return memorySyncEvents{s} }

func copyMedication(m *Medication) Medication {
	out := *m
	out.Schedules = append([]recurrence.Rule(nil), m.Schedules...)
	return out
}

type memoryMedications struct{ s *MemoryStore }

func (r memoryMedications) ActiveList(_ context.Context, userID string) ([]Medication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Medication
	for _, m := range r.s.medications {
		if m.UserID == userID && m.Active {
			out = append(out, copyMedication(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r memoryMedications) Get(_ context.Context, userID, id string) (Medication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.medications[id]
	if !ok || m.UserID != userID {
		return Medication{}, doserr.NewNotFound("medication", id)
	}
	return copyMedication(m), nil
}

func (r memoryMedications) Create(_ context.Context, m Medication) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[recurrence.TimeOfDay]bool)
	for _, rule := range m.Schedules {
		if seen[rule.TimeOfDay] {
			return ErrDuplicateSchedule
		}
		seen[rule.TimeOfDay] = true
	}
	cp := copyMedication(&m)
	r.s.medications[m.ID] = &cp
	return nil
}

func (r memoryMedications) Delete(_ context.Context, userID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.medications[id]
	if !ok || m.UserID != userID {
		return doserr.NewNotFound("medication", id)
	}
	delete(r.s.medications, id)
	return nil
}

// findSchedule returns owning medication and rule index. Caller holds mu.
func (r memoryMedications) findSchedule(userID, scheduleID string) (*Medication, int) {
	for _, m := range r.s.medications {
		if m.UserID != userID {
			continue
		}
		for i, rule := range m.Schedules {
			if rule.ID == scheduleID {
				return m, i
			}
		}
	}
	return nil, -1
}

func (r memoryMedications) GetSchedule(_ context.Context, userID, scheduleID string) (recurrence.Rule, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, i := r.findSchedule(userID, scheduleID)
	if m == nil {
		return recurrence.Rule{}, doserr.NewNotFound("schedule", scheduleID)
	}
	return m.Schedules[i], nil
}

func (r memoryMedications) CreateSchedule(_ context.Context, userID string, rule recurrence.Rule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.medications[rule.MedicationID]
	if !ok || m.UserID != userID {
		return doserr.NewNotFound("medication", rule.MedicationID)
	}
	for _, existing := range m.Schedules {
		if existing.TimeOfDay == rule.TimeOfDay {
			return ErrDuplicateSchedule
		}
	}
	m.Schedules = append(m.Schedules, rule)
	return nil
}

func (r memoryMedications) ReplaceSchedule(_ context.Context, userID string, rule recurrence.Rule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, i := r.findSchedule(userID, rule.ID)
	if m == nil {
		return doserr.NewNotFound("schedule", rule.ID)
	}
	for j, existing := range m.Schedules {
		if j != i && existing.TimeOfDay == rule.TimeOfDay {
			return ErrDuplicateSchedule
		}
	}
	rule.MedicationID = m.ID
	m.Schedules[i] = rule
	return nil
}

func (r memoryMedications) DeleteSchedule(_ context.Context, userID, scheduleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, i := r.findSchedule(userID, scheduleID)
	if m == nil {
		return doserr.NewNotFound("schedule", scheduleID)
	}
	m.Schedules = append(m.Schedules[:i], m.Schedules[i+1:]...)
	return nil
}

type memoryDoseEvents struct{ s *MemoryStore }

func (r memoryDoseEvents) Insert(_ context.Context, e DoseEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.doseEvents[e.EventID]; !ok {
		r.s.doseEvents[e.EventID] = e
	}
	return nil
}

func (r memoryDoseEvents) Query(_ context.Context, userID string, from, to time.Time) ([]DoseEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []DoseEvent
	for _, e := range r.s.doseEvents {
		if e.UserID == userID && !e.ActionAt.Before(from) && e.ActionAt.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionAt.Before(out[j].ActionAt) })
	return out, nil
}

type memoryDeliveries struct{ s *MemoryStore }

func (r memoryDeliveries) Create(_ context.Context, d NotificationDelivery) (NotificationDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d.OccurrenceKey != "" {
		if id, ok := r.s.byOccurrence[d.UserID+"|"+d.OccurrenceKey]; ok {
			return r.s.deliveries[id], nil
		}
		r.s.byOccurrence[d.UserID+"|"+d.OccurrenceKey] = d.ID
	}
	r.s.deliveries[d.ID] = d
	return d, nil
}

func (r memoryDeliveries) Find(_ context.Context, userID, id string) (NotificationDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok || d.UserID != userID {
		return NotificationDelivery{}, doserr.NewNotFound("delivery", id)
	}
	return d, nil
}

func (r memoryDeliveries) SetStatus(_ context.Context, userID, id string, status DeliveryStatus, sentAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok || d.UserID != userID {
		return doserr.NewNotFound("delivery", id)
	}
	d.Status = status
	if sentAt != nil {
		d.SentAt = sentAt
	}
	r.s.deliveries[id] = d
	return nil
}

type memoryActions struct{ s *MemoryStore }

func (r memoryActions) Create(_ context.Context, a NotificationAction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.deliveries[a.DeliveryID]; !ok || d.UserID != a.UserID {
		return doserr.NewNotFound("delivery", a.DeliveryID)
	}
	r.s.actions = append(r.s.actions, a)
	return nil
}

func (r memoryActions) Query(_ context.Context, userID, deliveryID string) ([]NotificationAction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []NotificationAction
	for _, a := range r.s.actions {
		if a.UserID == userID && (deliveryID == "" || a.DeliveryID == deliveryID) {
			out = append(out, a)
		}
	}
	return out, nil
}

type memorySyncEvents struct{ s *MemoryStore }

func (r memorySyncEvents) ExistingIDs(_ context.Context, ids []string) (map[string]bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := r.s.events[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (r memorySyncEvents) InsertMany(_ context.Context, userID string, items []SyncItem) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var inserted []string
	for _, it := range items {
		if _, ok := r.s.events[it.EventID]; ok {
			continue
		}
		// strictly increasing so a pull watermark never hides a same-instant event
		at := r.s.now().UTC().Truncate(time.Microsecond)
		if !at.After(r.s.lastReceived) {
			at = r.s.lastReceived.Add(time.Microsecond)
		}
		r.s.lastReceived = at
		it.ReceivedAt = &at
		r.s.events[it.EventID] = it
		r.s.eventOwner[it.EventID] = userID
		inserted = append(inserted, it.EventID)
	}
	return inserted, nil
}

func (r memorySyncEvents) QueryAfter(_ context.Context, userID string, since time.Time, limit int) ([]SyncItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []SyncItem
	for id, it := range r.s.events {
		if r.s.eventOwner[id] == userID && it.ReceivedAt.After(since) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(*out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memorySyncEvents) Count(_ context.Context, userID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, owner := range r.s.eventOwner {
		if owner == userID {
			n++
		}
	}
	return n, nil
}
