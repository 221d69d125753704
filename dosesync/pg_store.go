// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

const txRetryAttempts = 3

// PGStore implements Store on PostgreSQL.
// The caller owns the pool lifecycle.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGStore creates the server tables (if missing) and returns the store
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		logger.Error("Failed to initialize database schema", "error", err)
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	logger.Debug("Database schema initialized successfully")
	return &PGStore{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PGStore) Medications() MedicationRepo { return pgMedications{s} }
func (s *PGStore) DoseEvents() DoseEventRepo   { return pgDoseEvents{s} }
func (s *PGStore) Deliveries() DeliveryRepo    { return pgDeliveries{s} }
func (s *PGStore) Actions() ActionRepo         { return pgActions{s} }
func (s *PGStore) SyncEvents() SyncEventRepo   { return pgSyncEvents{s} }

// storeErr classifies a driver error: connectivity problems become Transient
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return doserr.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func weekdaysToDB(w recurrence.WeekdaySet) []int32 {
	out := make([]int32, 0, len(w))
	for _, d := range w {
		out = append(out, int32(d))
	}
	return out
}

func weekdaysFromDB(v []int32) recurrence.WeekdaySet {
	if len(v) == 0 {
		return nil
	}
	out := make(recurrence.WeekdaySet, 0, len(v))
	for _, d := range v {
		out = append(out, time.Weekday(d))
	}
	return out
}

type pgMedications struct{ s *PGStore }

const selectScheduleColumns = `s.id, s.medication_id, s.kind, s.time_of_day, s.weekdays`

func scanRule(row pgx.Row) (recurrence.Rule, error) {
	var (
		r        recurrence.Rule
		kind     string
		tod      string
		weekdays []int32
	)
	if err := row.Scan(&r.ID, &r.MedicationID, &kind, &tod, &weekdays); err != nil {
		return recurrence.Rule{}, err
	}
	parsed, err := recurrence.ParseTimeOfDay(tod)
	if err != nil {
		return recurrence.Rule{}, fmt.Errorf("stored time_of_day %q: %w", tod, err)
	}
	r.Kind = recurrence.Kind(kind)
	r.TimeOfDay = parsed
	r.Weekdays = weekdaysFromDB(weekdays)
	return r, nil
}

func (r pgMedications) loadSchedules(ctx context.Context, medIDs []string) (map[string][]recurrence.Rule, error) {
	out := make(map[string][]recurrence.Rule, len(medIDs))
	if len(medIDs) == 0 {
		return out, nil
	}
	rows, err := r.s.pool.Query(ctx, `
		SELECT `+selectScheduleColumns+`
		FROM medication_schedules s
		WHERE s.medication_id = ANY($1)
		ORDER BY s.time_of_day, s.id`, medIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out[rule.MedicationID] = append(out[rule.MedicationID], rule)
	}
	return out, rows.Err()
}

func (r pgMedications) ActiveList(ctx context.Context, userID string) ([]Medication, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT id, user_id, name, dosage, active, created_at
		FROM medications
		WHERE user_id = $1 AND active
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, storeErr("list medications", err)
	}
	meds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Medication, error) {
		var m Medication
		err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Dosage, &m.Active, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, storeErr("list medications", err)
	}

	ids := make([]string, len(meds))
	for i, m := range meds {
		ids[i] = m.ID
	}
	schedules, err := r.loadSchedules(ctx, ids)
	if err != nil {
		return nil, storeErr("list schedules", err)
	}
	for i := range meds {
		meds[i].Schedules = schedules[meds[i].ID]
	}
	return meds, nil
}

func (r pgMedications) Get(ctx context.Context, userID, id string) (Medication, error) {
	var m Medication
	err := r.s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, dosage, active, created_at
		FROM medications
		WHERE id = $1 AND user_id = $2`, id, userID).
		Scan(&m.ID, &m.UserID, &m.Name, &m.Dosage, &m.Active, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Medication{}, doserr.NewNotFound("medication", id)
	}
	if err != nil {
		return Medication{}, storeErr("get medication", err)
	}
	schedules, err := r.loadSchedules(ctx, []string{id})
	if err != nil {
		return Medication{}, storeErr("get schedules", err)
	}
	m.Schedules = schedules[id]
	return m, nil
}

func insertSchedule(ctx context.Context, tx pgx.Tx, rule recurrence.Rule) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO medication_schedules (id, medication_id, kind, time_of_day, weekdays)
		VALUES ($1, $2, $3, $4, $5)`,
		rule.ID, rule.MedicationID, string(rule.Kind), rule.TimeOfDay.String(), weekdaysToDB(rule.Weekdays))
	if isUniqueViolation(err) {
		return ErrDuplicateSchedule
	}
	return err
}

func (r pgMedications) Create(ctx context.Context, m Medication) error {
	err := withRetry(ctx, txRetryAttempts, func() error {
		return pgx.BeginFunc(ctx, r.s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO medications (id, user_id, name, dosage, active, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				m.ID, m.UserID, m.Name, m.Dosage, m.Active, m.CreatedAt); err != nil {
				return err
			}
			for _, rule := range m.Schedules {
				rule.MedicationID = m.ID
				if err := insertSchedule(ctx, tx, rule); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if errors.Is(err, ErrDuplicateSchedule) {
		return err
	}
	return storeErr("create medication", err)
}

func (r pgMedications) Delete(ctx context.Context, userID, id string) error {
	tag, err := r.s.pool.Exec(ctx, `DELETE FROM medications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return storeErr("delete medication", err)
	}
	if tag.RowsAffected() == 0 {
		return doserr.NewNotFound("medication", id)
	}
	return nil
}

func (r pgMedications) GetSchedule(ctx context.Context, userID, scheduleID string) (recurrence.Rule, error) {
	rule, err := scanRule(r.s.pool.QueryRow(ctx, `
		SELECT `+selectScheduleColumns+`
		FROM medication_schedules s
		JOIN medications m ON m.id = s.medication_id
		WHERE s.id = $1 AND m.user_id = $2`, scheduleID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return recurrence.Rule{}, doserr.NewNotFound("schedule", scheduleID)
	}
	if err != nil {
		return recurrence.Rule{}, storeErr("get schedule", err)
	}
	return rule, nil
}

func (r pgMedications) CreateSchedule(ctx context.Context, userID string, rule recurrence.Rule) error {
	err := pgx.BeginFunc(ctx, r.s.pool, func(tx pgx.Tx) error {
		var owned bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM medications WHERE id = $1 AND user_id = $2)`,
			rule.MedicationID, userID).Scan(&owned); err != nil {
			return err
		}
		if !owned {
			return doserr.NewNotFound("medication", rule.MedicationID)
		}
		return insertSchedule(ctx, tx, rule)
	})
	if errors.Is(err, ErrDuplicateSchedule) || doserr.IsNotFound(err) {
		return err
	}
	return storeErr("create schedule", err)
}

func (r pgMedications) ReplaceSchedule(ctx context.Context, userID string, rule recurrence.Rule) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE medication_schedules s
		SET kind = $3, time_of_day = $4, weekdays = $5
		FROM medications m
		WHERE s.id = $1 AND s.medication_id = m.id AND m.user_id = $2`,
		rule.ID, userID, string(rule.Kind), rule.TimeOfDay.String(), weekdaysToDB(rule.Weekdays))
	if isUniqueViolation(err) {
		return ErrDuplicateSchedule
	}
	if err != nil {
		return storeErr("replace schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return doserr.NewNotFound("schedule", rule.ID)
	}
	return nil
}

func (r pgMedications) DeleteSchedule(ctx context.Context, userID, scheduleID string) error {
	tag, err := r.s.pool.Exec(ctx, `
		DELETE FROM medication_schedules s
		USING medications m
		WHERE s.id = $1 AND s.medication_id = m.id AND m.user_id = $2`, scheduleID, userID)
	if err != nil {
		return storeErr("delete schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return doserr.NewNotFound("schedule", scheduleID)
	}
	return nil
}

type pgDoseEvents struct{ s *PGStore }

func (r pgDoseEvents) Insert(ctx context.Context, e DoseEvent) error {
	_, err := r.s.pool.Exec(ctx, `
		INSERT INTO dose_events (event_id, user_id, medication_id, date_key, scheduled_time, status, action_type, action_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.UserID, e.MedicationID, e.DateKey, e.ScheduledTime, e.Status, e.ActionType, e.ActionAt)
	return storeErr("insert dose event", err)
}

func (r pgDoseEvents) Query(ctx context.Context, userID string, from, to time.Time) ([]DoseEvent, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT event_id, user_id, medication_id, date_key, scheduled_time, status, action_type, action_at
		FROM dose_events
		WHERE user_id = $1 AND action_at >= $2 AND action_at < $3
		ORDER BY action_at, event_id`, userID, from, to)
	if err != nil {
		return nil, storeErr("query dose events", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DoseEvent, error) {
		var e DoseEvent
		err := row.Scan(&e.EventID, &e.UserID, &e.MedicationID, &e.DateKey, &e.ScheduledTime, &e.Status, &e.ActionType, &e.ActionAt)
		return e, err
	})
	return events, storeErr("query dose events", err)
}

type pgDeliveries struct{ s *PGStore }

const selectDeliveryColumns = `id, user_id, COALESCE(medication_id, ''), COALESCE(occurrence_key, ''),
	scheduled_at, sent_at, channel, status`

func scanDelivery(row pgx.Row) (NotificationDelivery, error) {
	var (
		d      NotificationDelivery
		status string
	)
	err := row.Scan(&d.ID, &d.UserID, &d.MedicationID, &d.OccurrenceKey, &d.ScheduledAt, &d.SentAt, &d.Channel, &status)
	d.Status = DeliveryStatus(status)
	return d, err
}

func (r pgDeliveries) Create(ctx context.Context, d NotificationDelivery) (NotificationDelivery, error) {
	created, err := scanDelivery(r.s.pool.QueryRow(ctx, `
		INSERT INTO notification_deliveries (id, user_id, medication_id, occurrence_key, scheduled_at, sent_at, channel, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, occurrence_key) WHERE occurrence_key IS NOT NULL DO NOTHING
		RETURNING `+selectDeliveryColumns,
		d.ID, d.UserID, nullIfEmpty(d.MedicationID), nullIfEmpty(d.OccurrenceKey), d.ScheduledAt, d.SentAt, d.Channel, string(d.Status)))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return NotificationDelivery{}, storeErr("create delivery", err)
	}
	existing, err := scanDelivery(r.s.pool.QueryRow(ctx, `
		SELECT `+selectDeliveryColumns+`
		FROM notification_deliveries
		WHERE user_id = $1 AND occurrence_key = $2`, d.UserID, d.OccurrenceKey))
	if err != nil {
		return NotificationDelivery{}, storeErr("load existing delivery", err)
	}
	return existing, nil
}

func (r pgDeliveries) Find(ctx context.Context, userID, id string) (NotificationDelivery, error) {
	d, err := scanDelivery(r.s.pool.QueryRow(ctx, `
		SELECT `+selectDeliveryColumns+`
		FROM notification_deliveries
		WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return NotificationDelivery{}, doserr.NewNotFound("delivery", id)
	}
	if err != nil {
		return NotificationDelivery{}, storeErr("find delivery", err)
	}
	return d, nil
}

func (r pgDeliveries) SetStatus(ctx context.Context, userID, id string, status DeliveryStatus, sentAt *time.Time) error {
	tag, err := r.s.pool.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = $3, sent_at = COALESCE($4, sent_at)
		WHERE id = $1 AND user_id = $2`, id, userID, string(status), sentAt)
	if err != nil {
		return storeErr("set delivery status", err)
	}
	if tag.RowsAffected() == 0 {
		return doserr.NewNotFound("delivery", id)
	}
	return nil
}

type pgActions struct{ s *PGStore }

func (r pgActions) Create(ctx context.Context, a NotificationAction) error {
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := r.s.pool.Exec(ctx, `
		INSERT INTO notification_actions (id, delivery_id, user_id, action_type, action_at, metadata)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM notification_deliveries WHERE id = $2 AND user_id = $3)`,
		a.ID, a.DeliveryID, a.UserID, a.ActionType, a.ActionAt, metadata)
	if err != nil {
		return storeErr("create action", err)
	}
	if tag.RowsAffected() == 0 {
		return doserr.NewNotFound("delivery", a.DeliveryID)
	}
	return nil
}

func (r pgActions) Query(ctx context.Context, userID, deliveryID string) ([]NotificationAction, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT id, delivery_id, user_id, action_type, action_at, metadata
		FROM notification_actions
		WHERE user_id = $1 AND ($2 = '' OR delivery_id = $2)
		ORDER BY action_at, id`, userID, deliveryID)
	if err != nil {
		return nil, storeErr("query actions", err)
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (NotificationAction, error) {
		var a NotificationAction
		err := row.Scan(&a.ID, &a.DeliveryID, &a.UserID, &a.ActionType, &a.ActionAt, &a.Metadata)
		if len(a.Metadata) == 0 {
			a.Metadata = nil
		}
		return a, err
	})
	return actions, storeErr("query actions", err)
}

type pgSyncEvents struct{ s *PGStore }

func (r pgSyncEvents) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.s.pool.Query(ctx, `SELECT event_id FROM sync_events WHERE event_id = ANY($1)`, ids)
	if err != nil {
		return nil, storeErr("lookup event ids", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeErr("lookup event ids", err)
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// InsertMany inserts unseen events in one transaction. The event_id primary key
// decides races: a conflicting insert returns no row and is left out of the result.
//
// Inserts of one user are serialized by a transaction advisory lock, and
// received_at is assigned inside the lock as clock_timestamp(), strictly after
// the user's newest event. A pull cursor on received_at therefore never passes
// an event that commits later.
func (r pgSyncEvents) InsertMany(ctx context.Context, userID string, items []SyncItem) ([]string, error) {
	var inserted []string
	err := withRetry(ctx, txRetryAttempts, func() error {
		inserted = inserted[:0]
		return pgx.BeginFunc(ctx, r.s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
				return err
			}
			var last time.Time
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(MAX(received_at), 'epoch'::timestamptz)
				FROM sync_events WHERE user_id = $1`, userID).Scan(&last); err != nil {
				return err
			}
			for _, it := range items {
				var id string
				err := tx.QueryRow(ctx, `
					INSERT INTO sync_events (event_id, user_id, event_type, payload_json, client_updated_at, received_at)
					VALUES ($1, $2, $3, $4, $5, GREATEST(clock_timestamp(), $6::timestamptz + interval '1 microsecond'))
					ON CONFLICT (event_id) DO NOTHING
					RETURNING event_id, received_at`,
					it.EventID, userID, it.EventType, it.PayloadJSON, it.ClientUpdatedAt, last).Scan(&id, &last)
				if errors.Is(err, pgx.ErrNoRows) {
					continue
				}
				if err != nil {
					return err
				}
				inserted = append(inserted, id)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storeErr("insert events", err)
	}
	return inserted, nil
}

func (r pgSyncEvents) QueryAfter(ctx context.Context, userID string, since time.Time, limit int) ([]SyncItem, error) {
	rows, err := r.s.pool.Query(ctx, `
		SELECT event_id, event_type, payload_json, client_updated_at, received_at
		FROM sync_events
		WHERE user_id = $1 AND received_at > $2
		ORDER BY received_at, event_id
		LIMIT $3`, userID, since, limit)
	if err != nil {
		return nil, storeErr("query events", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SyncItem, error) {
		var (
			it         SyncItem
			clientAt   *time.Time
			receivedAt time.Time
		)
		err := row.Scan(&it.EventID, &it.EventType, &it.PayloadJSON, &clientAt, &receivedAt)
		if clientAt != nil {
			it.ClientUpdatedAt = clientAt.UTC()
		}
		receivedAt = receivedAt.UTC()
		it.ReceivedAt = &receivedAt
		return it, err
	})
	return items, storeErr("query events", err)
}

func (r pgSyncEvents) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.s.pool.QueryRow(ctx, `SELECT count(*) FROM sync_events WHERE user_id = $1`, userID).Scan(&n)
	return n, storeErr("count events", err)
}
