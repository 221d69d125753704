// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"errors"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

// ErrDuplicateSchedule is returned by repositories when (medication, time of day) already exists
var ErrDuplicateSchedule = errors.New("schedule time already exists for medication")

// MedicationRepo persists medications and their schedule rules.
// Lookups of another user's rows behave as not found.
type MedicationRepo interface {
	ActiveList(ctx context.Context, userID string) ([]Medication, error)
	Get(ctx context.Context, userID, id string) (Medication, error)
	Create(ctx context.Context, m Medication) error
	Delete(ctx context.Context, userID, id string) error
	GetSchedule(ctx context.Context, userID, scheduleID string) (recurrence.Rule, error)
	CreateSchedule(ctx context.Context, userID string, r recurrence.Rule) error
	ReplaceSchedule(ctx context.Context, userID string, r recurrence.Rule) error
	DeleteSchedule(ctx context.Context, userID, scheduleID string) error
}

// DoseEventRepo persists materialized dose events; Insert ignores a repeated event id.
type DoseEventRepo interface {
	Insert(ctx context.Context, e DoseEvent) error
	Query(ctx context.Context, userID string, from, to time.Time) ([]DoseEvent, error)
}

// DeliveryRepo persists notification deliveries.
// Create returns the existing row when one already has the same user and occurrence key.
type DeliveryRepo interface {
	Create(ctx context.Context, d NotificationDelivery) (NotificationDelivery, error)
	Find(ctx context.Context, userID, id string) (NotificationDelivery, error)
	SetStatus(ctx context.Context, userID, id string, status DeliveryStatus, sentAt *time.Time) error
}

// ActionRepo persists notification actions
type ActionRepo interface {
	Create(ctx context.Context, a NotificationAction) error
	Query(ctx context.Context, userID, deliveryID string) ([]NotificationAction, error)
}

// SyncEventRepo is the server event log. InsertMany must rely on storage-level
// uniqueness of event ids and returns the ids it actually inserted.
type SyncEventRepo interface {
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	InsertMany(ctx context.Context, userID string, items []SyncItem) ([]string, error)
	QueryAfter(ctx context.Context, userID string, since time.Time, limit int) ([]SyncItem, error)
	Count(ctx context.Context, userID string) (int, error)
}

// Store is the persistence port of the server
type Store interface {
	Medications() MedicationRepo
	DoseEvents() DoseEventRepo
	Deliveries() DeliveryRepo
	Actions() ActionRepo
	SyncEvents() SyncEventRepo
}
