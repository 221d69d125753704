// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// PromptState of one occurrence in the prompt controller
type PromptState string

const (
	PromptIdle      PromptState = "idle"
	PromptDelivered PromptState = "delivered"
	PromptPrompted  PromptState = "prompted"
	PromptResolved  PromptState = "resolved"
)

// ResolutionKind is the user's answer to a prompt
type ResolutionKind string

const (
	ResolveTakeNow ResolutionKind = "take-now"
	ResolveSkip    ResolutionKind = "skip"
	ResolveSnooze  ResolutionKind = "snooze"
)

// Resolution of a prompt; SnoozeMinutes is only read for ResolveSnooze (0 means the default).
type Resolution struct {
	Kind          ResolutionKind
	SnoozeMinutes int
}

// ErrNotPrompted is returned when resolving an occurrence that is not on screen
var ErrNotPrompted = errors.New("occurrence is not prompted")

// Presenter surfaces prompts to the user
type Presenter interface {
	Present(p Payload)
	Dismiss(key OccurrenceKey)
}

// FollowUpScheduler schedules one extra delivery for an occurrence
type FollowUpScheduler interface {
	ScheduleFollowUp(ctx context.Context, key OccurrenceKey, at time.Time) (DeliveryRequest, error)
}

// PromptConfig controls follow-ups and polling
type PromptConfig struct {
	FollowUpDelay time.Duration // after skip
	DefaultSnooze int           // minutes
	SnoozeOptions []int         // allowed snooze minutes
	Grace         time.Duration // how late Tick still prompts
}

func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		FollowUpDelay: 5 * time.Minute,
		DefaultSnooze: 5,
		SnoozeOptions: []int{5, 10, 15, 20},
		Grace:         15 * time.Minute,
	}
}

// PromptController turns deliveries and polling ticks into prompts, and prompt
// answers into state changes, follow-ups and recorded actions.
// An occurrence is prompted at most once per calendar day; skip and snooze
// release that mark so their follow-up can prompt again.
type PromptController struct {
	store     StateStore
	followUps FollowUpScheduler
	rules     RuleSource
	presenter Presenter
	recorder  ChangeRecorder
	config    PromptConfig
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	states   map[OccurrenceKey]PromptState
	dedupDay string
	prompted map[OccurrenceKey]bool
}

// NewPromptController creates a controller. presenter and recorder may be nil.
func NewPromptController(store StateStore, followUps FollowUpScheduler, rules RuleSource, presenter Presenter, recorder ChangeRecorder, config PromptConfig, now func() time.Time, logger *slog.Logger) *PromptController {
	def := DefaultPromptConfig()
	if config.FollowUpDelay <= 0 {
		config.FollowUpDelay = def.FollowUpDelay
	}
	if config.DefaultSnooze <= 0 {
		config.DefaultSnooze = def.DefaultSnooze
	}
	if len(config.SnoozeOptions) == 0 {
		config.SnoozeOptions = def.SnoozeOptions
	}
	if config.Grace <= 0 {
		config.Grace = def.Grace
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptController{
		store:     store,
		followUps: followUps,
		rules:     rules,
		presenter: presenter,
		recorder:  recorder,
		config:    config,
		now:       now,
		logger:    logger,
		states:    make(map[OccurrenceKey]PromptState),
		prompted:  make(map[OccurrenceKey]bool),
	}
}

// SetPresenter replaces the presenter
func (c *PromptController) SetPresenter(p Presenter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenter = p
}

// State returns the prompt state of key
func (c *PromptController) State(key OccurrenceKey) PromptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[key]; ok {
		return st
	}
	return PromptIdle
}

// OnReceived implements DeliveryListener
func (c *PromptController) OnReceived(p Payload) {
	c.Deliver(p)
}

// OnUserAction implements DeliveryListener. Action buttons resolve directly; a plain tap only delivers.
func (c *PromptController) OnUserAction(actionID string, p Payload) {
	var res Resolution
	switch actionID {
	case ActionTakeNow:
		res = Resolution{Kind: ResolveTakeNow}
	case ActionSkip:
		res = Resolution{Kind: ResolveSkip}
	case ActionSnooze:
		res = Resolution{Kind: ResolveSnooze, SnoozeMinutes: 5}
	default:
		c.Deliver(p)
		return
	}

	key := p.Key()
	c.Deliver(p)
	if err := c.Resolve(context.Background(), key, res); err != nil {
		c.logger.Warn("Notification action not applied", "action", actionID, "key", key.String(), "error", err)
	}
}

// Deliver moves key from idle (or resolved) to delivered and presents it.
// It returns false when key was already prompted today.
func (c *PromptController) Deliver(p Payload) bool {
	key := p.Key()

	c.mu.Lock()
	c.rollover(c.now())
	if c.prompted[key] {
		c.mu.Unlock()
		c.logger.Debug("Prompt deduplicated", "key", key.String())
		return false
	}
	c.prompted[key] = true
	c.states[key] = PromptDelivered
	presenter := c.presenter
	c.mu.Unlock()

	if presenter != nil {
		presenter.Present(p)
	}
	return true
}

// Show marks a delivered prompt as visible
func (c *PromptController) Show(key OccurrenceKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.states[key] {
	case PromptDelivered:
		c.states[key] = PromptPrompted
		return nil
	case PromptPrompted:
		return nil
	default:
		return fmt.Errorf("show %s: %w", key, ErrNotPrompted)
	}
}

// Resolve applies the user's answer to a delivered or prompted occurrence.
func (c *PromptController) Resolve(ctx context.Context, key OccurrenceKey, res Resolution) error {
	var change Change
	var followUpAt time.Time

	c.mu.Lock()
	st, ok := c.states[key]
	if !ok {
		st = PromptIdle
	}
	if st != PromptDelivered && st != PromptPrompted {
		c.mu.Unlock()
		return fmt.Errorf("resolve %s (%s): %w", key, st, ErrNotPrompted)
	}

	now := c.now()
	change = Change{Key: key, At: now}
	switch res.Kind {
	case ResolveTakeNow:
		change.Status, change.ActionType = StatusTaken, ActionTakeNow
	case ResolveSkip:
		change.Status, change.ActionType = StatusMissed, ActionSkip
		followUpAt = now.Add(c.config.FollowUpDelay)
	case ResolveSnooze:
		minutes := res.SnoozeMinutes
		if minutes == 0 {
			minutes = c.config.DefaultSnooze
		}
		if !slices.Contains(c.config.SnoozeOptions, minutes) {
			c.mu.Unlock()
			return doserr.NewValidation(doserr.CodeInvalidArgument, "snoozeMinutes", "snooze of %d minutes not allowed, choose one of %v", minutes, c.config.SnoozeOptions)
		}
		change.Status, change.ActionType = StatusSnoozed, ActionSnooze
		change.Metadata = map[string]any{"minutes": minutes}
		followUpAt = now.Add(time.Duration(minutes) * time.Minute)
	default:
		c.mu.Unlock()
		return doserr.NewValidation(doserr.CodeInvalidArgument, "resolution", "unknown resolution %q", res.Kind)
	}

	if change.Status != StatusSnoozed {
		if err := c.store.Set(key, change.Status, now); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("record %s for %s: %w", change.Status, key, err)
		}
	}
	c.states[key] = PromptResolved
	if !followUpAt.IsZero() {
		delete(c.prompted, key)
	}
	presenter := c.presenter
	c.mu.Unlock()

	if presenter != nil {
		presenter.Dismiss(key)
	}
	if !followUpAt.IsZero() && c.followUps != nil {
		if _, err := c.followUps.ScheduleFollowUp(ctx, key, followUpAt); err != nil {
			c.logger.Warn("Failed to schedule follow-up", "key", key.String(), "at", followUpAt, "error", err)
		}
	}
	if c.recorder != nil {
		if err := c.recorder.RecordChange(ctx, change); err != nil {
			c.logger.Error("Failed to record dose change", "key", key.String(), "status", change.Status, "error", err)
		}
	}
	return nil
}

// Tick delivers today's due occurrences that are still unresolved and at most Grace late.
// It is the in-app fallback for deliveries the port never reported.
func (c *PromptController) Tick(ctx context.Context) (int, error) {
	if c.rules == nil {
		return 0, nil
	}
	rules, err := c.rules.ActiveRules(ctx)
	if err != nil {
		return 0, doserr.Transient("load active rules", err)
	}

	now := c.now()
	yesterday := time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, now.Location())
	delivered := 0
	for _, occ := range recurrence.Expand(rules, yesterday, 2) {
		if occ.Instant.After(now) || now.Sub(occ.Instant) > c.config.Grace {
			continue
		}
		key := KeyOf(occ)
		if e, ok := c.store.Lookup(key); ok && e.Status != StatusPending {
			continue
		}
		if c.Deliver(PayloadFor(key, PayloadReminder)) {
			delivered++
		}
	}
	return delivered, nil
}

// rollover clears the per-day dedup set when the calendar day changes. Caller holds mu.
func (c *PromptController) rollover(now time.Time) {
	day := recurrence.DateKey(now)
	if day == c.dedupDay {
		return
	}
	c.dedupDay = day
	c.prompted = make(map[OccurrenceKey]bool)
	for k, st := range c.states {
		if st == PromptResolved {
			delete(c.states, k)
		}
	}
}
