// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package reminder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// RuntimeConfig gathers the collaborators of a client runtime.
// Store, Handles and Cache default to in-memory implementations.
type RuntimeConfig struct {
	Rules     RuleSource
	Port      DeliveryPort
	Queue     EventQueue
	API       DeliveryAPI
	Store     StateStore
	Handles   HandleStore
	Cache     DeliveryCache
	Presenter Presenter

	Scheduler SchedulerConfig
	Prompt    PromptConfig
	Bridge    BridgeConfig

	Now    func() time.Time
	Logger *slog.Logger
}

// Runtime owns the client's reminder state for the life of the process.
// Construct it once and pass it to whatever needs scheduling or prompts.
type Runtime struct {
	Store     StateStore
	Scheduler *Scheduler
	Prompts   *PromptController
	Bridge    *Bridge

	port   DeliveryPort
	logger *slog.Logger
	attach sync.Once
}

// NewRuntime wires scheduler, prompt controller and bridge around the given ports.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Rules == nil {
		return nil, errors.New("rules source is required")
	}
	if cfg.Port == nil {
		return nil, errors.New("delivery port is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("event queue is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStateStore(cfg.Now)
	}
	if cfg.Handles == nil {
		cfg.Handles = NewMemoryHandleStore()
	}

	bridge := NewBridge(cfg.Queue, cfg.API, cfg.Cache, cfg.Bridge, cfg.Logger)
	scheduler := NewScheduler(cfg.Rules, cfg.Store, cfg.Port, cfg.Handles, cfg.Scheduler, cfg.Now, cfg.Logger)
	prompts := NewPromptController(cfg.Store, scheduler, cfg.Rules, cfg.Presenter, bridge, cfg.Prompt, cfg.Now, cfg.Logger)

	return &Runtime{
		Store:     cfg.Store,
		Scheduler: scheduler,
		Prompts:   prompts,
		Bridge:    bridge,
		port:      cfg.Port,
		logger:    cfg.Logger,
	}, nil
}

// Attach registers the prompt controller as the port listener. Later calls do nothing.
func (r *Runtime) Attach() {
	r.attach.Do(func() {
		r.port.SetListener(r.Prompts)
		r.logger.Debug("Delivery listener registered")
	})
}

// Foreground is what the app does when it comes to the front: resync deliveries,
// then prompt anything due that the port did not report.
func (r *Runtime) Foreground(ctx context.Context) ([]DeliveryRequest, error) {
	r.Attach()
	scheduled, err := r.Scheduler.Resync(ctx)
	if err != nil {
		r.logger.Warn("Resync failed", "error", err)
	}
	if _, terr := r.Prompts.Tick(ctx); terr != nil {
		r.logger.Warn("Prompt tick failed", "error", terr)
	}
	return scheduled, err
}
