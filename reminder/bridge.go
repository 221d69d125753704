// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types queued for sync
const (
	EventDoseTaken   = "dose.taken"
	EventDoseMissed  = "dose.missed"
	EventDoseSnoozed = "dose.snoozed"
)

// Change is one resolving action on an occurrence
type Change struct {
	Key        OccurrenceKey
	Status     DoseStatus
	ActionType string
	At         time.Time
	Metadata   map[string]any
}

// ChangeRecorder records dose changes for the server
type ChangeRecorder interface {
	RecordChange(ctx context.Context, c Change) error
}

// Event is a domain event waiting in the offline queue
type Event struct {
	ID              string          `json:"eventId"`
	Type            string          `json:"eventType"`
	Payload         json.RawMessage `json:"payloadJson"`
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt"`
}

// DoseEventPayload is the payload of dose.* events
type DoseEventPayload struct {
	MedicationID  string         `json:"medicationId"`
	DateKey       string         `json:"dateKey"`
	ScheduledTime string         `json:"scheduledTime"`
	Status        DoseStatus     `json:"status"`
	ActionType    string         `json:"actionType"`
	ActionAt      time.Time      `json:"actionAt"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EventQueue is the client's durable outbox
type EventQueue interface {
	EnqueueEvent(ctx context.Context, e Event) error
}

// DeliveryDraft asks the server to record a delivery
type DeliveryDraft struct {
	MedicationID  string    `json:"medicationId"`
	OccurrenceKey string    `json:"occurrenceKey"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	Channel       string    `json:"channel"`
}

// ActionDraft asks the server to record an action against a delivery
type ActionDraft struct {
	DeliveryID string         `json:"deliveryId"`
	ActionType string         `json:"actionType"`
	ActionAt   time.Time      `json:"actionAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DeliveryAPI is the server's notification endpoint
type DeliveryAPI interface {
	CreateDelivery(ctx context.Context, d DeliveryDraft) (string, error)
	CreateAction(ctx context.Context, a ActionDraft) error
}

// DeliveryCache maps occurrence keys to server delivery ids
type DeliveryCache interface {
	DeliveryID(key OccurrenceKey) (string, bool, error)
	PutDeliveryID(key OccurrenceKey, deliveryID string) error
}

// MemoryDeliveryCache is a DeliveryCache kept in process memory
type MemoryDeliveryCache struct {
	mu  sync.Mutex
	ids map[OccurrenceKey]string
}

func NewMemoryDeliveryCache() *MemoryDeliveryCache {
	return &MemoryDeliveryCache{ids: make(map[OccurrenceKey]string)}
}

func (c *MemoryDeliveryCache) DeliveryID(key OccurrenceKey) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[key]
	return id, ok, nil
}

func (c *MemoryDeliveryCache) PutDeliveryID(key OccurrenceKey, deliveryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[key] = deliveryID
	return nil
}

// BridgeConfig controls remote calls made by the bridge
type BridgeConfig struct {
	Channel       string
	RemoteTimeout time.Duration
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{Channel: "local", RemoteTimeout: 10 * time.Second}
}

// Bridge queues a sync event for every dose change and mirrors the change
// into server delivery and action records. Remote failures are logged and
// never undo local state.
type Bridge struct {
	queue  EventQueue
	api    DeliveryAPI
	cache  DeliveryCache
	config BridgeConfig
	logger *slog.Logger

	mu sync.Mutex // serializes delivery creation per bridge
}

// NewBridge creates a bridge. api may be nil for offline-only clients.
func NewBridge(queue EventQueue, api DeliveryAPI, cache DeliveryCache, config BridgeConfig, logger *slog.Logger) *Bridge {
	if config.Channel == "" {
		config.Channel = DefaultBridgeConfig().Channel
	}
	if config.RemoteTimeout <= 0 {
		config.RemoteTimeout = DefaultBridgeConfig().RemoteTimeout
	}
	if cache == nil {
		cache = NewMemoryDeliveryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{queue: queue, api: api, cache: cache, config: config, logger: logger}
}

// RecordChange implements ChangeRecorder. Only the enqueue step can fail the call.
func (b *Bridge) RecordChange(ctx context.Context, c Change) error {
	ev, err := EventFor(c)
	if err != nil {
		return err
	}
	if err := b.queue.EnqueueEvent(ctx, ev); err != nil {
		return fmt.Errorf("enqueue %s: %w", ev.Type, err)
	}

	if b.api == nil {
		return nil
	}
	deliveryID, err := b.ensureDelivery(ctx, c.Key, c.At.Location())
	if err != nil {
		b.logger.Warn("Delivery record not created", "key", c.Key.String(), "error", err)
		return nil
	}

	actx, cancel := context.WithTimeout(ctx, b.config.RemoteTimeout)
	defer cancel()
	err = b.api.CreateAction(actx, ActionDraft{
		DeliveryID: deliveryID,
		ActionType: c.ActionType,
		ActionAt:   c.At,
		Metadata:   c.Metadata,
	})
	if err != nil {
		b.logger.Warn("Notification action not recorded", "delivery_id", deliveryID, "action", c.ActionType, "error", err)
	}
	return nil
}

// ensureDelivery returns the cached delivery id of key, creating the server record once.
func (b *Bridge) ensureDelivery(ctx context.Context, key OccurrenceKey, loc *time.Location) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok, err := b.cache.DeliveryID(key); err != nil {
		b.logger.Warn("Delivery cache read failed", "key", key.String(), "error", err)
	} else if ok {
		return id, nil
	}

	scheduledAt, err := key.Instant(loc)
	if err != nil {
		return "", err
	}
	dctx, cancel := context.WithTimeout(ctx, b.config.RemoteTimeout)
	defer cancel()
	id, err := b.api.CreateDelivery(dctx, DeliveryDraft{
		MedicationID:  key.MedicationID,
		OccurrenceKey: key.String(),
		ScheduledAt:   scheduledAt,
		Channel:       b.config.Channel,
	})
	if err != nil {
		return "", err
	}
	if err := b.cache.PutDeliveryID(key, id); err != nil {
		b.logger.Warn("Delivery cache write failed", "key", key.String(), "error", err)
	}
	return id, nil
}

// EventFor builds the sync event for c with a fresh event id
func EventFor(c Change) (Event, error) {
	var typ string
	switch c.Status {
	case StatusTaken:
		typ = EventDoseTaken
	case StatusMissed:
		typ = EventDoseMissed
	case StatusSnoozed:
		typ = EventDoseSnoozed
	default:
		return Event{}, fmt.Errorf("no event for status %q", c.Status)
	}
	payload, err := json.Marshal(DoseEventPayload{
		MedicationID:  c.Key.MedicationID,
		DateKey:       c.Key.DateKey,
		ScheduledTime: c.Key.ScheduledTime,
		Status:        c.Status,
		ActionType:    c.ActionType,
		ActionAt:      c.At,
		Metadata:      c.Metadata,
	})
	if err != nil {
		return Event{}, fmt.Errorf("marshal dose event: %w", err)
	}
	return Event{ID: uuid.NewString(), Type: typ, Payload: payload, ClientUpdatedAt: c.At}, nil
}
