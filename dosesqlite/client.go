// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/adherence"
	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/dosesync"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
	"github.com/ssanver/medication-reminder-app-sub000/reminder"
)

// Config holds configuration for the sync client
type Config struct {
	PushLimit   int           // e.g., 200 per batch
	PullLimit   int           // e.g., 500
	BackoffMin  time.Duration // 1s
	BackoffMax  time.Duration // 60s
	HTTPTimeout time.Duration // 10s
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		PushLimit:   200,
		PullLimit:   dosesync.DefaultPullLimit,
		BackoffMin:  1 * time.Second,
		BackoffMax:  60 * time.Second,
		HTTPTimeout: 10 * time.Second,
	}
}

// Applier consumes events pulled from the server
type Applier interface {
	Apply(ctx context.Context, item dosesync.SyncItem) error
}

// Client pushes the offline queue to a dosesync server and pulls events back
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	UserID   string
	SourceID string
	Queue    *OfflineQueue
	Rules    *RuleCache
	Applier  Applier // optional; pulled events only move the watermark when nil
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger

	// Pause switches (atomic): allow callers to suspend sync activity deterministically
	pushPaused int32
	pullPaused int32

	// pushBatch is the batch size in use; lowered when the server answers batch_too_large
	pushBatch int32
}

// NewClient initializes the client tables in db and returns a client for userID
func NewClient(db *sql.DB, baseURL, userID string, tok func(ctx context.Context) (string, error), config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := InitializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sourceID, err := EnsureSourceID(db, userID)
	if err != nil {
		return nil, err
	}
	return &Client{
		DB:        db,
		BaseURL:   baseURL,
		Token:     tok,
		UserID:    userID,
		SourceID:  sourceID,
		Queue:     NewOfflineQueue(db),
		Rules:     NewRuleCache(db),
		HTTP:      &http.Client{Timeout: config.HTTPTimeout},
		config:    config,
		logger:    logger,
		pushBatch: int32(max(config.PushLimit, 1)),
	}, nil
}

// PausePush suspends pushes (PushOnce and the background loop respect this flag)
func (c *Client) PausePush() { atomic.StoreInt32(&c.pushPaused, 1) }

// ResumePush resumes pushes
func (c *Client) ResumePush() { atomic.StoreInt32(&c.pushPaused, 0) }

// PausePull suspends pulls
func (c *Client) PausePull() { atomic.StoreInt32(&c.pullPaused, 1) }

// ResumePull resumes pulls
func (c *Client) ResumePull() { atomic.StoreInt32(&c.pullPaused, 0) }

// PushOnce sends one batch from the queue. Items are removed only after the
// server answered 2xx; accepted and duplicate items are both removed.
//
// A validation error never leaves the queue stuck: batch_too_large lowers the
// batch size for this and later pushes, any other rejection of a multi-item
// batch is retried in halves, and a single rejected item is moved to the
// rejected table.
func (c *Client) PushOnce(ctx context.Context) (*dosesync.PushResponse, error) {
	if atomic.LoadInt32(&c.pushPaused) == 1 {
		return &dosesync.PushResponse{}, nil
	}
	limit := int(atomic.LoadInt32(&c.pushBatch))
	for {
		items, err := c.Queue.DequeueBatch(ctx, limit)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return &dosesync.PushResponse{}, nil
		}

		var resp dosesync.PushResponse
		err = c.doJSON(ctx, http.MethodPost, "/sync/push", &dosesync.PushRequest{Items: items}, &resp)
		switch {
		case err == nil:
			ids := make([]string, len(items))
			for i, it := range items {
				ids[i] = it.EventID
			}
			if err := c.Queue.MarkSynced(ctx, ids); err != nil {
				return nil, err
			}
			c.logger.Debug("Pushed events", "accepted", resp.AcceptedCount, "duplicates", resp.DuplicateCount)
			return &resp, nil

		case doserr.IsValidation(err) && len(items) > 1:
			limit = len(items) / 2
			if doserr.ValidationCode(err) == doserr.CodeBatchTooLarge {
				atomic.StoreInt32(&c.pushBatch, int32(limit))
				c.logger.Info("Server refused batch size, shrinking", "items", len(items), "batch", limit)
			}

		case doserr.IsValidation(err):
			if err := c.Queue.Reject(ctx, items[0], err); err != nil {
				return nil, err
			}
			c.logger.Warn("Server rejected event, moved out of queue", "event_id", items[0].EventID, "event_type", items[0].EventType, "error", err)
			return &dosesync.PushResponse{}, nil

		default:
			c.logger.Warn("Push failed, keeping queue", "error", err, "items", len(items))
			return nil, err
		}
	}
}

// PullOnce fetches one page after the stored watermark, applies it and advances the watermark.
// It returns the number of items received.
func (c *Client) PullOnce(ctx context.Context) (int, error) {
	if atomic.LoadInt32(&c.pullPaused) == 1 {
		return 0, nil
	}
	since, err := PullWatermark(ctx, c.DB, c.UserID)
	if err != nil {
		return 0, err
	}

	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	q.Set("limit", fmt.Sprint(c.config.PullLimit))

	var resp dosesync.PullResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sync/pull?"+q.Encode(), nil, &resp); err != nil {
		return 0, err
	}

	watermark := since
	for _, it := range resp.Items {
		if c.Applier != nil {
			if err := c.Applier.Apply(ctx, it); err != nil {
				c.logger.Warn("Failed to apply pulled event", "error", err, "event_id", it.EventID, "event_type", it.EventType)
			}
		}
		if it.ReceivedAt != nil && it.ReceivedAt.After(watermark) {
			watermark = *it.ReceivedAt
		}
	}
	if watermark.After(since) {
		if err := setPullWatermark(ctx, c.DB, c.UserID, watermark); err != nil {
			return 0, err
		}
	}
	return len(resp.Items), nil
}

// SyncOnce drains the queue, then pulls until a page comes back short
func (c *Client) SyncOnce(ctx context.Context) error {
	for atomic.LoadInt32(&c.pushPaused) == 0 {
		before, err := c.Queue.Size(ctx)
		if err != nil {
			return err
		}
		if before == 0 {
			break
		}
		if _, err := c.PushOnce(ctx); err != nil {
			return err
		}
		after, err := c.Queue.Size(ctx)
		if err != nil {
			return err
		}
		if after >= before {
			break
		}
	}
	for {
		n, err := c.PullOnce(ctx)
		if err != nil {
			return err
		}
		if n < c.config.PullLimit {
			return nil
		}
	}
}

// Run syncs in a loop with exponential backoff on errors until ctx is done
func (c *Client) Run(ctx context.Context) error {
	backoff := c.config.BackoffMin
	for {
		err := c.SyncOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("Sync failed, backing off", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err != nil {
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
		} else {
			backoff = c.config.BackoffMin
		}
	}
}

// FetchRules downloads active medication schedules and refreshes the rule cache.
// Offline callers keep using the cache through c.Rules.
func (c *Client) FetchRules(ctx context.Context) ([]recurrence.Rule, error) {
	var meds []dosesync.Medication
	if err := c.doJSON(ctx, http.MethodGet, "/medications", nil, &meds); err != nil {
		return nil, err
	}
	var rules []recurrence.Rule
	for _, m := range meds {
		rules = append(rules, m.Schedules...)
	}
	if err := c.Rules.ReplaceRules(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// CreateMedication registers a medication on the server
func (c *Client) CreateMedication(ctx context.Context, req dosesync.CreateMedicationRequest) (dosesync.Medication, error) {
	var m dosesync.Medication
	err := c.doJSON(ctx, http.MethodPost, "/medications", &req, &m)
	return m, err
}

// CreateDelivery implements reminder.DeliveryAPI
func (c *Client) CreateDelivery(ctx context.Context, d reminder.DeliveryDraft) (string, error) {
	var out dosesync.NotificationDelivery
	err := c.doJSON(ctx, http.MethodPost, "/notifications/deliveries", &dosesync.CreateDeliveryRequest{
		MedicationID:  d.MedicationID,
		OccurrenceKey: d.OccurrenceKey,
		ScheduledAt:   d.ScheduledAt,
		Channel:       d.Channel,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// CreateAction implements reminder.DeliveryAPI
func (c *Client) CreateAction(ctx context.Context, a reminder.ActionDraft) error {
	return c.doJSON(ctx, http.MethodPost, "/notifications/actions", &dosesync.CreateActionRequest{
		DeliveryID: a.DeliveryID,
		ActionType: a.ActionType,
		ActionAt:   a.ActionAt,
		Metadata:   a.Metadata,
	}, nil)
}

// Adherence fetches the server-side adherence summary for from..to (YYYY-MM-DD)
func (c *Client) Adherence(ctx context.Context, from, to string) (adherence.Summary, error) {
	q := url.Values{"from": {from}, "to": {to}}
	var s adherence.Summary
	err := c.doJSON(ctx, http.MethodGet, "/adherence?"+q.Encode(), nil, &s)
	return s, err
}

// doJSON sends body as JSON and decodes a 2xx response into out.
// Transport failures and 5xx become TransientError; 400 and 404 map onto the taxonomy.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return doserr.Transient(method+" "+path, fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method+" "+path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body dosesync.ErrorResponse
	_ = json.Unmarshal(raw, &body)
	err := fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		code := body.Code
		if code == "" {
			code = body.Error
		}
		return doserr.NewValidation(code, "", "%s", body.Message)
	case resp.StatusCode == http.StatusNotFound:
		return doserr.NewNotFound("remote", op)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return doserr.Transient(op, err)
	}
	return err
}

var (
	_ reminder.DeliveryAPI   = (*Client)(nil)
	_ reminder.EventQueue    = (*OfflineQueue)(nil)
	_ reminder.StateStore    = (*StateStore)(nil)
	_ reminder.HandleStore   = (*HandleStore)(nil)
	_ reminder.DeliveryCache = (*DeliveryCache)(nil)
	_ reminder.RuleSource    = (*RuleCache)(nil)
)

// IsRetryable reports whether a sync error should be retried on a later tick
func IsRetryable(err error) bool {
	return doserr.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}
