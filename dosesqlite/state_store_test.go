package dosesqlite

import (
	"context"
	"testing"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
	"github.com/ssanver/medication-reminder-app-sub000/reminder"
	"github.com/stretchr/testify/require"
)

func TestStateStore_SetLookupClear(t *testing.T) {
	store := NewStateStore(openTestDB(t), nil)
	store.now = func() time.Time { return time.Date(2026, 2, 2, 12, 0, 0, 0, time.Local) }

	past := reminder.OccurrenceKey{MedicationID: "m1", DateKey: "2026-02-02", ScheduledTime: "08:00"}
	future := reminder.OccurrenceKey{MedicationID: "m1", DateKey: "2026-02-03", ScheduledTime: "08:00"}

	require.Equal(t, reminder.StatusMissed, store.Get(past))
	require.Equal(t, reminder.StatusPending, store.Get(future))
	_, ok := store.Lookup(past)
	require.False(t, ok)

	at := time.Date(2026, 2, 2, 8, 3, 0, 0, time.UTC)
	require.NoError(t, store.Set(past, reminder.StatusTaken, at))
	require.NoError(t, store.Set(past, reminder.StatusTaken, at.Add(time.Minute)))
	e, ok := store.Lookup(past)
	require.True(t, ok)
	require.Equal(t, reminder.StatusTaken, e.Status)
	require.True(t, at.Add(time.Minute).Equal(e.LastActionAt))
	require.Equal(t, reminder.StatusTaken, store.Get(past))

	require.NoError(t, store.Set(future, reminder.StatusSnoozed, at))
	entries, err := store.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, past, entries[0].Key)

	require.Error(t, store.Set(past, "lost", at))

	require.NoError(t, store.Clear(past))
	_, ok = store.Lookup(past)
	require.False(t, ok)
}

func TestHandleStore_PruneFiredHandles(t *testing.T) {
	store := NewHandleStore(openTestDB(t))
	now := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.AddHandle(reminder.GroupFollowUp, "fired", now.Add(-time.Minute)))
	require.NoError(t, store.AddHandle(reminder.GroupFollowUp, "due", now))
	require.NoError(t, store.AddHandle(reminder.GroupFollowUp, "later", now.Add(time.Hour)))
	require.NoError(t, store.AddHandle(reminder.GroupFollowUp, "unknown", time.Time{}))

	// replacing keeps recorded fire times
	require.NoError(t, store.ReplaceHandles(reminder.GroupFollowUp, []reminder.Handle{"fired", "due", "later", "unknown"}))
	require.NoError(t, store.PruneHandles(reminder.GroupFollowUp, now))

	got, err := store.Handles(reminder.GroupFollowUp)
	require.NoError(t, err)
	require.Equal(t, []reminder.Handle{"later", "unknown"}, got)
}

func TestHandleStore_Groups(t *testing.T) {
	store := NewHandleStore(openTestDB(t))

	require.NoError(t, store.ReplaceHandles(reminder.GroupResync, []reminder.Handle{"h1", "h2", "h3"}))
	require.NoError(t, store.AddHandle(reminder.GroupFollowUp, "f1", time.Time{}))
	require.NoError(t, store.AddHandle(reminder.GroupFollowUp, "f2", time.Time{}))

	got, err := store.Handles(reminder.GroupResync)
	require.NoError(t, err)
	require.Equal(t, []reminder.Handle{"h1", "h2", "h3"}, got)

	require.NoError(t, store.ReplaceHandles(reminder.GroupResync, []reminder.Handle{"h9"}))
	got, err = store.Handles(reminder.GroupResync)
	require.NoError(t, err)
	require.Equal(t, []reminder.Handle{"h9"}, got)

	got, err = store.Handles(reminder.GroupFollowUp)
	require.NoError(t, err)
	require.Equal(t, []reminder.Handle{"f1", "f2"}, got)

	require.NoError(t, store.ReplaceHandles(reminder.GroupFollowUp, nil))
	got, err = store.Handles(reminder.GroupFollowUp)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDeliveryAndRuleCache(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	cache := NewDeliveryCache(db)
	key := reminder.OccurrenceKey{MedicationID: "m1", DateKey: "2026-02-02", ScheduledTime: "08:00"}
	_, ok, err := cache.DeliveryID(key)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cache.PutDeliveryID(key, "d1"))
	id, ok, err := cache.DeliveryID(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "d1", id)

	rules := NewRuleCache(db)
	require.NoError(t, rules.ReplaceRules(ctx, []recurrence.Rule{
		{ID: "r2", MedicationID: "m1", Kind: recurrence.KindWeekly, TimeOfDay: recurrence.TimeOfDay{Hour: 20}, Weekdays: recurrence.WeekdaySet{time.Monday, time.Wednesday}},
		{ID: "r1", MedicationID: "m1", Kind: recurrence.KindDaily, TimeOfDay: recurrence.TimeOfDay{Hour: 8}},
	}))
	got, err := rules.ActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "r1", got[0].ID)
	require.Nil(t, got[0].Weekdays)
	require.Equal(t, recurrence.WeekdaySet{time.Monday, time.Wednesday}, got[1].Weekdays)
	require.NoError(t, got[1].Validate())

	require.NoError(t, rules.ReplaceRules(ctx, nil))
	got, err = rules.ActiveRules(ctx)
	require.NoError(t, err)
	require.Empty(t, got)
}
