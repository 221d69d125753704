// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// RuleSource lists the schedule rules of the user's active medications
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]recurrence.Rule, error)
}

// StaticRules is a fixed RuleSource
type StaticRules []recurrence.Rule

func (s StaticRules) ActiveRules(context.Context) ([]recurrence.Rule, error) {
	return s, nil
}

// DeliveryRequest is one delivery handed to the port
type DeliveryRequest struct {
	Key     OccurrenceKey `json:"key"`
	Instant time.Time     `json:"instant"` // occurrence time
	FireAt  time.Time     `json:"fireAt"`  // differs from Instant for late occurrences
	Payload Payload       `json:"payload"`
	Handle  Handle        `json:"handle"`
}

// SchedulerConfig controls resync
type SchedulerConfig struct {
	WindowDays int           // days enumerated from today
	Cap        int           // max deliveries per resync
	Grace      time.Duration // late occurrences within Grace are still delivered
	LateDelay  time.Duration // late occurrences fire at now+LateDelay
}

// DefaultSchedulerConfig returns a 30 day window capped at 60 deliveries with a 15 minute grace.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		WindowDays: 30,
		Cap:        60,
		Grace:      15 * time.Minute,
		LateDelay:  5 * time.Second,
	}
}

// Scheduler derives the full set of upcoming deliveries on every resync.
type Scheduler struct {
	rules   RuleSource
	store   StateStore
	port    DeliveryPort
	handles HandleStore
	config  SchedulerConfig
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	followUps map[OccurrenceKey]time.Time
}

// NewScheduler wires a scheduler. Zero config fields fall back to DefaultSchedulerConfig.
func NewScheduler(rules RuleSource, store StateStore, port DeliveryPort, handles HandleStore, config SchedulerConfig, now func() time.Time, logger *slog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if config.WindowDays <= 0 {
		config.WindowDays = def.WindowDays
	}
	if config.Cap <= 0 {
		config.Cap = def.Cap
	}
	if config.Grace <= 0 {
		config.Grace = def.Grace
	}
	if config.LateDelay <= 0 {
		config.LateDelay = def.LateDelay
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		rules:     rules,
		store:     store,
		port:      port,
		handles:   handles,
		config:    config,
		now:       now,
		logger:    logger,
		followUps: make(map[OccurrenceKey]time.Time),
	}
}

// Resync runs with the configured window and cap
func (s *Scheduler) Resync(ctx context.Context) ([]DeliveryRequest, error) {
	return s.ResyncWindow(ctx, s.config.WindowDays, s.config.Cap)
}

// ResyncWindow cancels every delivery scheduled by the previous resync and schedules
// the earliest limit unresolved occurrences of the next window days.
func (s *Scheduler) ResyncWindow(ctx context.Context, window, limit int) ([]DeliveryRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneFollowUps(now)
	planned, err := s.plan(ctx, now, window)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(planned) > limit {
		s.logger.Debug("Resync capped", "candidates", len(planned), "cap", limit)
		planned = planned[:limit]
	}

	if err := s.cancelGroup(ctx, GroupResync); err != nil {
		return nil, err
	}

	scheduled := make([]DeliveryRequest, 0, len(planned))
	handles := make([]Handle, 0, len(planned))
	var scheduleErr error
	for _, req := range planned {
		h, err := s.port.ScheduleAt(ctx, req.FireAt, req.Payload)
		if err != nil {
			scheduleErr = doserr.Transient("schedule delivery", fmt.Errorf("%s: %w", req.Key, err))
			break
		}
		req.Handle = h
		handles = append(handles, h)
		scheduled = append(scheduled, req)
	}

	if err := s.handles.ReplaceHandles(GroupResync, handles); err != nil {
		return scheduled, doserr.Transient("persist delivery handles", err)
	}
	if scheduleErr != nil {
		s.logger.Warn("Resync partially scheduled", "scheduled", len(scheduled), "planned", len(planned), "error", scheduleErr)
		return scheduled, scheduleErr
	}

	s.logger.Debug("Resync complete", "scheduled", len(scheduled))
	return scheduled, nil
}

// plan enumerates candidate deliveries sorted by fire time
func (s *Scheduler) plan(ctx context.Context, now time.Time, window int) ([]DeliveryRequest, error) {
	rules, err := s.rules.ActiveRules(ctx)
	if err != nil {
		return nil, doserr.Transient("load active rules", err)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var out []DeliveryRequest
	for _, occ := range recurrence.Expand(rules, today, window) {
		key := KeyOf(occ)
		if !s.unresolved(key) {
			continue
		}
		if until, ok := s.followUps[key]; ok && until.After(now) {
			continue
		}

		fireAt := occ.Instant
		if !fireAt.After(now) {
			if now.Sub(fireAt) > s.config.Grace {
				continue
			}
			fireAt = now.Add(s.config.LateDelay)
		}
		out = append(out, DeliveryRequest{
			Key:     key,
			Instant: occ.Instant,
			FireAt:  fireAt,
			Payload: PayloadFor(key, PayloadReminder),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out, nil
}

// unresolved reports whether nobody acted on key yet. Inference is not consulted,
// so a just-elapsed occurrence within grace still counts.
func (s *Scheduler) unresolved(key OccurrenceKey) bool {
	e, ok := s.store.Lookup(key)
	return !ok || e.Status == StatusPending
}

// ScheduleFollowUp schedules a single follow-up delivery that later resyncs leave alone.
func (s *Scheduler) ScheduleFollowUp(ctx context.Context, key OccurrenceKey, at time.Time) (DeliveryRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := PayloadFor(key, PayloadFollowUp)
	h, err := s.port.ScheduleAt(ctx, at, payload)
	if err != nil {
		return DeliveryRequest{}, doserr.Transient("schedule follow-up", err)
	}
	if err := s.handles.AddHandle(GroupFollowUp, h, at); err != nil {
		s.logger.Warn("Failed to persist follow-up handle", "key", key.String(), "error", err)
	}
	s.followUps[key] = at

	instant, _ := key.Instant(at.Location())
	return DeliveryRequest{Key: key, Instant: instant, FireAt: at, Payload: payload, Handle: h}, nil
}

// pruneFollowUps forgets follow-ups that already fired
func (s *Scheduler) pruneFollowUps(now time.Time) {
	for key, at := range s.followUps {
		if !at.After(now) {
			delete(s.followUps, key)
		}
	}
	if err := s.handles.PruneHandles(GroupFollowUp, now); err != nil {
		s.logger.Warn("Failed to prune follow-up handles", "error", err)
	}
}

// ClearAll cancels resync deliveries and follow-ups alike
func (s *Scheduler) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cancelGroup(ctx, GroupResync); err != nil {
		return err
	}
	if err := s.cancelGroup(ctx, GroupFollowUp); err != nil {
		return err
	}
	s.followUps = make(map[OccurrenceKey]time.Time)
	return nil
}

func (s *Scheduler) cancelGroup(ctx context.Context, group HandleGroup) error {
	prev, err := s.handles.Handles(group)
	if err != nil {
		return doserr.Transient("load delivery handles", err)
	}
	for i, h := range prev {
		err := s.port.Cancel(ctx, h)
		if err == nil || errors.Is(err, ErrDeliveryGone) {
			continue
		}
		// keep the ones not yet cancelled so the next attempt retries them
		if perr := s.handles.ReplaceHandles(group, prev[i:]); perr != nil {
			s.logger.Error("Failed to persist remaining handles", "group", group, "error", perr)
		}
		return doserr.Transient("cancel delivery", err)
	}
	if err := s.handles.ReplaceHandles(group, nil); err != nil {
		return doserr.Transient("persist delivery handles", err)
	}
	return nil
}
