// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action ids reported by the delivery port
const (
	ActionTakeNow = "take-now"
	ActionSkip    = "skip"
	ActionSnooze  = "snooze-5min"
	ActionOpen    = "open"
)

// ErrDeliveryGone is returned by DeliveryPort.Cancel when the delivery already fired or was consumed.
var ErrDeliveryGone = errors.New("delivery already consumed")

// PayloadKind distinguishes scheduled reminders from skip/snooze follow-ups
type PayloadKind string

const (
	PayloadReminder PayloadKind = "reminder"
	PayloadFollowUp PayloadKind = "follow-up"
)

// Payload travels with a scheduled delivery and comes back in the port callbacks.
type Payload struct {
	MedicationID  string      `json:"medicationId"`
	DateKey       string      `json:"dateKey"`
	ScheduledTime string      `json:"scheduledTime"`
	Kind          PayloadKind `json:"kind"`
}

// Key returns the occurrence the payload refers to
func (p Payload) Key() OccurrenceKey {
	return OccurrenceKey{MedicationID: p.MedicationID, DateKey: p.DateKey, ScheduledTime: p.ScheduledTime}
}

// PayloadFor builds a payload for key
func PayloadFor(key OccurrenceKey, kind PayloadKind) Payload {
	return Payload{MedicationID: key.MedicationID, DateKey: key.DateKey, ScheduledTime: key.ScheduledTime, Kind: kind}
}

// Handle identifies one scheduled delivery on the port
type Handle string

// DeliveryListener receives port callbacks
type DeliveryListener interface {
	OnReceived(p Payload)
	OnUserAction(actionID string, p Payload)
}

// DeliveryPort is the notification delivery service. Callers never read its state back.
type DeliveryPort interface {
	ScheduleAt(ctx context.Context, at time.Time, p Payload) (Handle, error)
	// Cancel returns ErrDeliveryGone for deliveries that already fired.
	Cancel(ctx context.Context, h Handle) error
	SetListener(l DeliveryListener)
}

// TimerPort delivers in-process with time.AfterFunc. User actions are injected with Act.
type TimerPort struct {
	mu       sync.Mutex
	timers   map[Handle]*time.Timer
	listener DeliveryListener
	now      func() time.Time
}

// NewTimerPort creates a port driven by the wall clock (or now, when set).
func NewTimerPort(now func() time.Time) *TimerPort {
	if now == nil {
		now = time.Now
	}
	return &TimerPort{timers: make(map[Handle]*time.Timer), now: now}
}

func (p *TimerPort) SetListener(l DeliveryListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

func (p *TimerPort) ScheduleAt(_ context.Context, at time.Time, payload Payload) (Handle, error) {
	h := Handle(uuid.NewString())
	delay := at.Sub(p.now())
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers[h] = time.AfterFunc(delay, func() { p.fire(h, payload) })
	return h, nil
}

func (p *TimerPort) fire(h Handle, payload Payload) {
	p.mu.Lock()
	_, live := p.timers[h]
	delete(p.timers, h)
	l := p.listener
	p.mu.Unlock()

	if live && l != nil {
		l.OnReceived(payload)
	}
}

func (p *TimerPort) Cancel(_ context.Context, h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.timers[h]
	if !ok {
		return fmt.Errorf("cancel %s: %w", h, ErrDeliveryGone)
	}
	t.Stop()
	delete(p.timers, h)
	return nil
}

// Pending returns the number of deliveries that have not fired
func (p *TimerPort) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Act simulates the user pressing a notification action
func (p *TimerPort) Act(actionID string, payload Payload) {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l.OnUserAction(actionID, payload)
	}
}

// HandleGroup separates resync deliveries from follow-ups
type HandleGroup string

const (
	GroupResync   HandleGroup = "resync"
	GroupFollowUp HandleGroup = "follow-up"
)

// HandleStore persists what the client scheduled, so later resyncs can cancel it.
// AddHandle records the fire time; PruneHandles drops handles whose fire time
// is at or before a given instant. Handles stored by ReplaceHandles without a
// known fire time are never pruned.
type HandleStore interface {
	Handles(group HandleGroup) ([]Handle, error)
	ReplaceHandles(group HandleGroup, handles []Handle) error
	AddHandle(group HandleGroup, h Handle, fireAt time.Time) error
	PruneHandles(group HandleGroup, before time.Time) error
}

// MemoryHandleStore is a HandleStore kept in process memory
type MemoryHandleStore struct {
	mu     sync.Mutex
	groups map[HandleGroup][]Handle
	fireAt map[Handle]time.Time
}

func NewMemoryHandleStore() *MemoryHandleStore {
	return &MemoryHandleStore{groups: make(map[HandleGroup][]Handle), fireAt: make(map[Handle]time.Time)}
}

func (s *MemoryHandleStore) Handles(group HandleGroup) ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handle(nil), s.groups[group]...), nil
}

func (s *MemoryHandleStore) ReplaceHandles(group HandleGroup, handles []Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[Handle]bool, len(handles))
	for _, h := range handles {
		keep[h] = true
	}
	for _, h := range s.groups[group] {
		if !keep[h] {
			delete(s.fireAt, h)
		}
	}
	s.groups[group] = append([]Handle(nil), handles...)
	return nil
}

func (s *MemoryHandleStore) AddHandle(group HandleGroup, h Handle, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = append(s.groups[group], h)
	if !fireAt.IsZero() {
		s.fireAt[h] = fireAt
	}
	return nil
}

func (s *MemoryHandleStore) PruneHandles(group HandleGroup, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.groups[group][:0]
	for _, h := range s.groups[group] {
		if at, ok := s.fireAt[h]; ok && !at.After(before) {
			delete(s.fireAt, h)
			continue
		}
		kept = append(kept, h)
	}
	s.groups[group] = kept
	return nil
}
