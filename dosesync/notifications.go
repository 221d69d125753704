// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ssanver/medication-reminder-app-sub000/doserr"
)

const DefaultChannel = "local"

var validActionTypes = map[string]bool{
	ActionTakeNow: true,
	ActionSkip:    true,
	ActionSnooze:  true,
	ActionOpen:    true,
}

// NotificationService records reminder deliveries and the actions taken on them
type NotificationService struct {
	deliveries DeliveryRepo
	actions    ActionRepo
	logger     *slog.Logger
	now        func() time.Time
}

func NewNotificationService(deliveries DeliveryRepo, actions ActionRepo, logger *slog.Logger) *NotificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationService{deliveries: deliveries, actions: actions, logger: logger, now: time.Now}
}

// CreateDelivery creates a scheduled delivery. A repeated occurrence key
// returns the delivery created first.
func (s *NotificationService) CreateDelivery(ctx context.Context, userID string, req CreateDeliveryRequest) (NotificationDelivery, error) {
	if req.ScheduledAt.IsZero() {
		return NotificationDelivery{}, doserr.NewValidation(doserr.CodeInvalidArgument, "scheduledAt", "must be set")
	}
	channel := req.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	d, err := s.deliveries.Create(ctx, NotificationDelivery{
		ID:            uuid.NewString(),
		UserID:        userID,
		MedicationID:  req.MedicationID,
		OccurrenceKey: req.OccurrenceKey,
		ScheduledAt:   req.ScheduledAt.UTC(),
		Channel:       channel,
		Status:        DeliveryScheduled,
	})
	if err != nil {
		return NotificationDelivery{}, err
	}
	s.logger.Debug("Delivery recorded", "user_id", userID, "delivery_id", d.ID, "occurrence_key", d.OccurrenceKey)
	return d, nil
}

func (s *NotificationService) GetDelivery(ctx context.Context, userID, id string) (NotificationDelivery, error) {
	return s.deliveries.Find(ctx, userID, id)
}

// UpdateDeliveryStatus marks a delivery sent or failed. Sent without a timestamp uses now.
func (s *NotificationService) UpdateDeliveryStatus(ctx context.Context, userID, id string, req UpdateDeliveryStatusRequest) (NotificationDelivery, error) {
	switch req.Status {
	case DeliverySent, DeliveryFailed, DeliveryScheduled:
	default:
		return NotificationDelivery{}, doserr.NewValidation(doserr.CodeInvalidArgument, "status", "unknown delivery status %q", req.Status)
	}
	sentAt := req.SentAt
	if req.Status == DeliverySent && sentAt == nil {
		now := s.now().UTC()
		sentAt = &now
	}
	if err := s.deliveries.SetStatus(ctx, userID, id, req.Status, sentAt); err != nil {
		return NotificationDelivery{}, err
	}
	return s.deliveries.Find(ctx, userID, id)
}

// CreateAction appends an action to an existing delivery
func (s *NotificationService) CreateAction(ctx context.Context, userID string, req CreateActionRequest) (NotificationAction, error) {
	if req.DeliveryID == "" {
		return NotificationAction{}, doserr.NewValidation(doserr.CodeInvalidArgument, "deliveryId", "must not be empty")
	}
	if !validActionTypes[req.ActionType] {
		return NotificationAction{}, doserr.NewValidation(doserr.CodeInvalidArgument, "actionType", "unknown action type %q", req.ActionType)
	}
	at := req.ActionAt
	if at.IsZero() {
		at = s.now()
	}
	a := NotificationAction{
		ID:         uuid.NewString(),
		DeliveryID: req.DeliveryID,
		UserID:     userID,
		ActionType: req.ActionType,
		ActionAt:   at.UTC(),
		Metadata:   req.Metadata,
	}
	if err := s.actions.Create(ctx, a); err != nil {
		return NotificationAction{}, err
	}
	return a, nil
}

// ListActions returns actions of the user, optionally filtered by delivery
func (s *NotificationService) ListActions(ctx context.Context, userID, deliveryID string) ([]NotificationAction, error) {
	if deliveryID != "" {
		if _, err := s.deliveries.Find(ctx, userID, deliveryID); err != nil {
			return nil, err
		}
	}
	actions, err := s.actions.Query(ctx, userID, deliveryID)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = []NotificationAction{}
	}
	return actions, nil
}
