// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// REST/JSON models for HTTP API requests and responses

// SyncItem is one client event. EventID is the idempotency key.
type SyncItem struct {
	EventID         string     `json:"eventId"`
	EventType       string     `json:"eventType"`
	PayloadJSON     string     `json:"payloadJson"`          // JSON document encoded as a string
	ClientUpdatedAt time.Time  `json:"clientUpdatedAt"`      // ISO8601
	ReceivedAt      *time.Time `json:"receivedAt,omitempty"` // set by the server, present in pull responses
}

// PushRequest is a batch of events from one client
type PushRequest struct {
	Items []SyncItem `json:"items"`
}

// PushResponse counts how many items were new and how many the server already had
type PushResponse struct {
	AcceptedCount  int `json:"acceptedCount"`
	DuplicateCount int `json:"duplicateCount"`
}

// PullResponse carries events received after the requested watermark, oldest first
type PullResponse struct {
	Items []SyncItem `json:"items"`
}

// Medication owned by one user
type Medication struct {
	ID        string            `json:"id"`
	UserID    string            `json:"-"`
	Name      string            `json:"name"`
	Dosage    string            `json:"dosage,omitempty"`
	Active    bool              `json:"active"`
	Schedules []recurrence.Rule `json:"schedules"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ScheduleRequest creates or replaces one schedule rule
type ScheduleRequest struct {
	Kind      recurrence.Kind       `json:"kind"`
	TimeOfDay recurrence.TimeOfDay  `json:"timeOfDay"`
	Weekdays  recurrence.WeekdaySet `json:"weekdays,omitempty"`
}

// CreateMedicationRequest creates a medication with its initial schedules
type CreateMedicationRequest struct {
	Name      string            `json:"name"`
	Dosage    string            `json:"dosage,omitempty"`
	Schedules []ScheduleRequest `json:"schedules"`
}

// DoseStatus values stored in dose events
const (
	DoseTaken   = "taken"
	DoseMissed  = "missed"
	DoseSnoozed = "snoozed"
)

// DoseEvent is a dose action materialized from a dose.* sync event
type DoseEvent struct {
	EventID       string    `json:"eventId"`
	UserID        string    `json:"-"`
	MedicationID  string    `json:"medicationId"`
	DateKey       string    `json:"dateKey"`
	ScheduledTime string    `json:"scheduledTime"`
	Status        string    `json:"status"`
	ActionType    string    `json:"actionType,omitempty"`
	ActionAt      time.Time `json:"actionAt"`
}

// DeliveryStatus of a notification delivery
type DeliveryStatus string

const (
	DeliveryScheduled DeliveryStatus = "scheduled"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
)

// NotificationDelivery records one reminder delivery. At most one exists per occurrence key.
type NotificationDelivery struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	MedicationID  string         `json:"medicationId,omitempty"`
	OccurrenceKey string         `json:"occurrenceKey,omitempty"`
	ScheduledAt   time.Time      `json:"scheduledAt"`
	SentAt        *time.Time     `json:"sentAt,omitempty"`
	Channel       string         `json:"channel"`
	Status        DeliveryStatus `json:"status"`
}

// Notification action types
const (
	ActionTakeNow = "take-now"
	ActionSkip    = "skip"
	ActionSnooze  = "snooze-5min"
	ActionOpen    = "open"
)

// NotificationAction is an append-only user response to a delivery
type NotificationAction struct {
	ID         string         `json:"id"`
	DeliveryID string         `json:"deliveryId"`
	UserID     string         `json:"userId"`
	ActionType string         `json:"actionType"`
	ActionAt   time.Time      `json:"actionAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CreateDeliveryRequest asks for a delivery record
type CreateDeliveryRequest struct {
	MedicationID  string    `json:"medicationId,omitempty"`
	OccurrenceKey string    `json:"occurrenceKey,omitempty"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	Channel       string    `json:"channel,omitempty"`
}

// UpdateDeliveryStatusRequest moves a delivery to sent or failed
type UpdateDeliveryStatusRequest struct {
	Status DeliveryStatus `json:"status"`
	SentAt *time.Time     `json:"sentAt,omitempty"`
}

// CreateActionRequest records an action against a delivery
type CreateActionRequest struct {
	DeliveryID string         `json:"deliveryId"`
	ActionType string         `json:"actionType"`
	ActionAt   time.Time      `json:"actionAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"` // validation code, e.g. batch_too_large
}
