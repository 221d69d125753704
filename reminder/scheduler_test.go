package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

func daily(med string, hour, minute int) recurrence.Rule {
	return recurrence.Rule{ID: med + "-rule", MedicationID: med, Kind: recurrence.KindDaily, TimeOfDay: recurrence.TimeOfDay{Hour: hour, Minute: minute}}
}

type schedulerFixture struct {
	clock   *testClock
	store   *MemoryStateStore
	port    *recordingPort
	handles *MemoryHandleStore
	sched   *Scheduler
}

func newSchedulerFixture(now time.Time, rules ...recurrence.Rule) *schedulerFixture {
	f := &schedulerFixture{
		clock:   newTestClock(now),
		port:    newRecordingPort(),
		handles: NewMemoryHandleStore(),
	}
	f.store = NewMemoryStateStore(f.clock.Now)
	f.sched = NewScheduler(StaticRules(rules), f.store, f.port, f.handles, DefaultSchedulerConfig(), f.clock.Now, nil)
	return f
}

func TestResyncCancelsPreviousThenSchedulesNewSet(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC), daily("m1", 9, 0))

	first, err := f.sched.ResyncWindow(ctx, 3, 60)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := f.sched.ResyncWindow(ctx, 5, 60)
	require.NoError(t, err)
	require.Len(t, second, 5)

	require.Len(t, f.port.cancelled, 3)
	for i, req := range first {
		require.Equal(t, req.Handle, f.port.cancelled[i])
	}
	require.Equal(t, 5, f.port.liveCount())

	persisted, err := f.handles.Handles(GroupResync)
	require.NoError(t, err)
	require.Len(t, persisted, 5)
	for i, req := range second {
		require.Equal(t, req.Handle, persisted[i])
	}
}

func TestResyncFiltersResolvedAndAppliesGrace(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 9, 10, 0, 0, time.UTC)
	f := newSchedulerFixture(now,
		daily("late", 9, 0),   // 10 minutes late, within grace
		daily("stale", 8, 45), // 25 minutes late, dropped today
		daily("taken", 12, 0),
		daily("pending", 13, 0),
	)
	require.NoError(t, f.store.Set(OccurrenceKey{"taken", "2026-02-02", "12:00"}, StatusTaken, now))
	require.NoError(t, f.store.Set(OccurrenceKey{"pending", "2026-02-02", "13:00"}, StatusPending, now))

	got, err := f.sched.ResyncWindow(ctx, 1, 60)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, "late", got[0].Key.MedicationID)
	require.Equal(t, now.Add(5*time.Second), got[0].FireAt)
	require.Equal(t, time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC), got[0].Instant)

	require.Equal(t, "pending", got[1].Key.MedicationID)
	require.Equal(t, got[1].Instant, got[1].FireAt)
}

func TestResyncCapsAtEarliest(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(time.Date(2026, 2, 2, 0, 30, 0, 0, time.UTC), daily("a", 20, 0), daily("b", 7, 0))

	got, err := f.sched.ResyncWindow(ctx, 5, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "b", got[0].Key.MedicationID)
	require.Equal(t, "a", got[1].Key.MedicationID)
	require.Equal(t, "b", got[2].Key.MedicationID)
	for i := 1; i < len(got); i++ {
		require.False(t, got[i].FireAt.Before(got[i-1].FireAt))
	}
}

func TestResyncDefaultsAreThirtyDaysCappedAtSixty(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), daily("a", 8, 0), daily("b", 14, 0), daily("c", 21, 0))

	got, err := f.sched.Resync(ctx)
	require.NoError(t, err)
	require.Len(t, got, 60) // 90 candidates in 30 days
	require.Equal(t, "2026-02-21", got[59].Key.DateKey)
}

func TestResyncToleratesConsumedDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC), daily("m1", 9, 0))

	first, err := f.sched.ResyncWindow(ctx, 2, 60)
	require.NoError(t, err)
	f.port.consume(first[0].Handle)

	second, err := f.sched.ResyncWindow(ctx, 2, 60)
	require.NoError(t, err)
	require.Len(t, second, 2)
	require.Equal(t, []Handle{first[1].Handle}, f.port.cancelled)
}

func TestResyncCancelFailureKeepsOldSet(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC), daily("m1", 9, 0))

	first, err := f.sched.ResyncWindow(ctx, 2, 60)
	require.NoError(t, err)

	f.port.failCancel = errors.New("binder died")
	_, err = f.sched.ResyncWindow(ctx, 2, 60)
	require.True(t, doserr.IsTransient(err))
	require.Len(t, f.port.scheduled, 2, "nothing new scheduled while old deliveries are live")

	persisted, err := f.handles.Handles(GroupResync)
	require.NoError(t, err)
	require.Equal(t, []Handle{first[0].Handle, first[1].Handle}, persisted)
}

func TestResyncScheduleFailurePersistsPartialSet(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC), daily("m1", 9, 0))
	f.port.failAfter = 2

	got, err := f.sched.ResyncWindow(ctx, 5, 60)
	require.True(t, doserr.IsTransient(err))
	require.Len(t, got, 2)

	persisted, err := f.handles.Handles(GroupResync)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
}

func TestFollowUpsSurviveResyncButNotClearAll(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 9, 2, 0, 0, time.UTC)
	f := newSchedulerFixture(now, daily("m1", 9, 0), daily("m2", 18, 0))
	key := OccurrenceKey{"m1", "2026-02-02", "09:00"}

	fu, err := f.sched.ScheduleFollowUp(ctx, key, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, PayloadFollowUp, fu.Payload.Kind)

	got, err := f.sched.ResyncWindow(ctx, 1, 60)
	require.NoError(t, err)
	require.Len(t, got, 1, "occurrence with a pending follow-up is not rescheduled")
	require.Equal(t, "m2", got[0].Key.MedicationID)
	require.NotContains(t, f.port.cancelled, fu.Handle)

	_, err = f.sched.ResyncWindow(ctx, 1, 60)
	require.NoError(t, err)
	require.NotContains(t, f.port.cancelled, fu.Handle)

	require.NoError(t, f.sched.ClearAll(ctx))
	require.Contains(t, f.port.cancelled, fu.Handle)
	require.Equal(t, 0, f.port.liveCount())
}

func TestResyncPrunesFiredFollowUps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 9, 2, 0, 0, time.UTC)
	f := newSchedulerFixture(now, daily("m1", 9, 0))
	early := OccurrenceKey{"m1", "2026-02-02", "09:00"}
	late := OccurrenceKey{"m1", "2026-02-03", "09:00"}

	fired, err := f.sched.ScheduleFollowUp(ctx, early, now.Add(5*time.Minute))
	require.NoError(t, err)
	pending, err := f.sched.ScheduleFollowUp(ctx, late, now.Add(2*time.Hour))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, err = f.sched.ResyncWindow(ctx, 1, 60)
	require.NoError(t, err)

	handles, err := f.handles.Handles(GroupFollowUp)
	require.NoError(t, err)
	require.Equal(t, []Handle{pending.Handle}, handles)
	require.NotContains(t, handles, fired.Handle)

	f.sched.mu.Lock()
	_, stillTracked := f.sched.followUps[early]
	_, pendingTracked := f.sched.followUps[late]
	f.sched.mu.Unlock()
	require.False(t, stillTracked)
	require.True(t, pendingTracked)
}
