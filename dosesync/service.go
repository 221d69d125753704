// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
)

const (
	DefaultMaxPushBatch = 500
	DefaultPullLimit    = 500
)

// EventHandler materializes accepted events of one type into domain tables.
// It runs after the event is stored, so a failure never rejects the push.
type EventHandler interface {
	HandleEvent(ctx context.Context, userID string, item SyncItem) error
}

type EventHandlerFunc func(ctx context.Context, userID string, item SyncItem) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, userID string, item SyncItem) error {
	return f(ctx, userID, item)
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	MaxPushBatch    int // Maximum number of items in one push (0 = DefaultMaxPushBatch)
	PullLimit       int // Maximum number of items in one pull (0 = DefaultPullLimit)
	MaxPayloadBytes int // Maximum payloadJson size per item in bytes (0 = unlimited)

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// SyncService is the server half of event sync: idempotent push and watermark pull
type SyncService struct {
	store    Store
	logger   *slog.Logger
	config   *ServiceConfig
	handlers map[string]EventHandler

	mu     sync.RWMutex
	closed bool
}

// NewSyncService creates a sync service over store
func NewSyncService(store Store, config *ServiceConfig, logger *slog.Logger) *SyncService {
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.MaxPushBatch <= 0 {
		config.MaxPushBatch = DefaultMaxPushBatch
	}
	if config.PullLimit <= 0 {
		config.PullLimit = DefaultPullLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		store:    store,
		logger:   logger,
		config:   config,
		handlers: make(map[string]EventHandler),
	}
}

// RegisterHandler attaches a materializer for eventType, replacing any previous one
func (s *SyncService) RegisterHandler(eventType string, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = h
	s.logger.Debug("Registered event handler", "event_type", eventType)
}

// Close stops the service from accepting further requests. Safe to call more than once.
// The store is not closed.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.handlers = nil
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

func (s *SyncService) handlerFor(eventType string) EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[eventType]
}

func (s *SyncService) validateItem(i int, it SyncItem) error {
	field := fmt.Sprintf("items[%d]", i)
	switch {
	case it.EventID == "":
		return doserr.NewValidation(doserr.CodeInvalidEvent, field+".eventId", "must not be empty")
	case it.EventType == "":
		return doserr.NewValidation(doserr.CodeInvalidEvent, field+".eventType", "must not be empty")
	case s.config.MaxPayloadBytes > 0 && len(it.PayloadJSON) > s.config.MaxPayloadBytes:
		return doserr.NewValidation(doserr.CodeInvalidEvent, field+".payloadJson",
			"payload too large: %d bytes, limit %d", len(it.PayloadJSON), s.config.MaxPayloadBytes)
	case !json.Valid([]byte(it.PayloadJSON)):
		return doserr.NewValidation(doserr.CodeInvalidEvent, field+".payloadJson", "not a JSON document")
	}
	return nil
}

// collapse keeps one item per event id. The first position is kept with the last payload.
func collapse(items []SyncItem) ([]SyncItem, int) {
	index := make(map[string]int, len(items))
	out := make([]SyncItem, 0, len(items))
	repeats := 0
	for _, it := range items {
		if i, ok := index[it.EventID]; ok {
			out[i] = it
			repeats++
			continue
		}
		index[it.EventID] = len(out)
		out = append(out, it)
	}
	return out, repeats
}

// Push stores every item whose eventId the server has not seen. An invalid item
// rejects the whole batch with a ValidationError and stores nothing.
func (s *SyncService) Push(ctx context.Context, userID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	totalStart := s.stageStart()
	resp, err := s.push(ctx, userID, req)
	count := 0
	if req != nil {
		count = len(req.Items)
	}
	s.observeStage(ctx, MetricsOpPush, MetricsStageTotal, totalStart, count, err != nil)
	return resp, err
}

func (s *SyncService) push(ctx context.Context, userID string, req *PushRequest) (*PushResponse, error) {
	if req == nil || len(req.Items) == 0 {
		return &PushResponse{}, nil
	}
	if len(req.Items) > s.config.MaxPushBatch {
		return nil, doserr.NewValidation(doserr.CodeBatchTooLarge, "items",
			"batch too large: items=%d limit=%d", len(req.Items), s.config.MaxPushBatch)
	}

	start := s.stageStart()
	for i, it := range req.Items {
		if err := s.validateItem(i, it); err != nil {
			s.observeStage(ctx, MetricsOpPush, MetricsStagePushValidate, start, len(req.Items), true)
			return nil, err
		}
	}
	items, repeats := collapse(req.Items)
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushValidate, start, len(req.Items), false)

	start = s.stageStart()
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.EventID
	}
	existing, err := s.store.SyncEvents().ExistingIDs(ctx, ids)
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushLookup, start, len(ids), err != nil)
	if err != nil {
		return nil, doserr.Transient("lookup event ids", err)
	}

	fresh := make([]SyncItem, 0, len(items))
	for _, it := range items {
		if !existing[it.EventID] {
			it.ReceivedAt = nil
			fresh = append(fresh, it)
		}
	}

	var inserted []string
	if len(fresh) > 0 {
		start = s.stageStart()
		inserted, err = s.store.SyncEvents().InsertMany(ctx, userID, fresh)
		s.observeStage(ctx, MetricsOpPush, MetricsStagePushInsert, start, len(fresh), err != nil)
		if err != nil {
			return nil, doserr.Transient("insert events", err)
		}
	}

	s.materialize(ctx, userID, fresh, inserted)

	resp := &PushResponse{
		AcceptedCount:  len(inserted),
		DuplicateCount: len(req.Items) - len(inserted),
	}
	s.logger.Debug("Processed push",
		"user_id", userID,
		"items", len(req.Items),
		"in_batch_repeats", repeats,
		"accepted", resp.AcceptedCount,
		"duplicates", resp.DuplicateCount)
	return resp, nil
}

// materialize runs registered handlers for the items that were actually inserted
func (s *SyncService) materialize(ctx context.Context, userID string, items []SyncItem, inserted []string) {
	if len(inserted) == 0 {
		return
	}
	start := s.stageStart()
	won := make(map[string]bool, len(inserted))
	for _, id := range inserted {
		won[id] = true
	}
	failed := false
	for _, it := range items {
		if !won[it.EventID] {
			continue
		}
		h := s.handlerFor(it.EventType)
		if h == nil {
			continue
		}
		if err := h.HandleEvent(ctx, userID, it); err != nil {
			failed = true
			s.logger.Warn("Failed to materialize event",
				"error", err,
				"user_id", userID,
				"event_id", it.EventID,
				"event_type", it.EventType)
		}
	}
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushMaterialize, start, len(inserted), failed)
}

// Pull returns the user's events received strictly after since, oldest first.
// limit <= 0 or above the configured cap is clamped to the cap.
func (s *SyncService) Pull(ctx context.Context, userID string, since time.Time, limit int) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.config.PullLimit {
		limit = s.config.PullLimit
	}
	start := s.stageStart()
	items, err := s.store.SyncEvents().QueryAfter(ctx, userID, since, limit)
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullFetch, start, len(items), err != nil)
	if err != nil {
		return nil, doserr.Transient("query events", err)
	}
	if items == nil {
		items = []SyncItem{}
	}
	return &PullResponse{Items: items}, nil
}
