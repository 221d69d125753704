package dosesync

import (
	"context"
	"testing"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/stretchr/testify/require"
)

func TestAdherenceService_ThreeDayWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	meds := NewMedicationService(store.Medications(), nil)
	svc := newTestSyncService(t, store, nil)

	m, err := meds.Create(ctx, "user-1", CreateMedicationRequest{Name: "Aspirin", Schedules: []ScheduleRequest{dailyAt(8, 0)}})
	require.NoError(t, err)

	day1 := time.Date(2026, 2, 2, 8, 2, 0, 0, time.UTC)
	_, err = svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{
		doseItem(t, EventDoseTaken, m.ID, day1),
		doseItem(t, EventDoseMissed, m.ID, day1.AddDate(0, 0, 1)),
		// outside the window
		doseItem(t, EventDoseTaken, m.ID, day1.AddDate(0, 0, 3)),
	}})
	require.NoError(t, err)

	report := NewAdherenceService(store.Medications(), store.DoseEvents())
	from := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC)

	s, err := report.Summary(ctx, "user-1", from, to)
	require.NoError(t, err)
	require.Equal(t, "2026-02-02", s.FromDate)
	require.Equal(t, "2026-02-04", s.ToDate)
	require.Equal(t, 3, s.PlannedCount)
	require.Equal(t, 1, s.TakenCount)
	require.Equal(t, 1, s.MissedCount)
	require.Equal(t, 0.3333, s.AdherenceRate)

	_, err = report.Summary(ctx, "user-1", to, from)
	require.Equal(t, doserr.CodeInvalidRange, doserr.ValidationCode(err))
}
