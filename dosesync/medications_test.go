package dosesync

import (
	"context"
	"testing"
	"time"

	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
	"github.com/stretchr/testify/require"
)

func tod(h, m int) recurrence.TimeOfDay { return recurrence.TimeOfDay{Hour: h, Minute: m} }

func dailyAt(h, m int) ScheduleRequest {
	return ScheduleRequest{Kind: recurrence.KindDaily, TimeOfDay: tod(h, m)}
}

func TestMedicationService_CreateAndList(t *testing.T) {
	ctx := context.Background()
	svc := NewMedicationService(NewMemoryStore().Medications(), nil)

	m, err := svc.Create(ctx, "user-1", CreateMedicationRequest{
		Name:   "  Metformin ",
		Dosage: "500mg",
		Schedules: []ScheduleRequest{
			dailyAt(8, 0),
			{Kind: recurrence.KindWeekly, TimeOfDay: tod(20, 30), Weekdays: recurrence.WeekdaySet{time.Monday, time.Wednesday}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Metformin", m.Name)
	require.True(t, m.Active)
	require.Len(t, m.Schedules, 2)
	for _, r := range m.Schedules {
		require.Equal(t, m.ID, r.MedicationID)
		require.NotEmpty(t, r.ID)
	}

	list, err := svc.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = svc.List(ctx, "user-2")
	require.NoError(t, err)
	require.Empty(t, list)

	rules, err := svc.ActiveRules(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
}

func TestMedicationService_RejectsDuplicateTime(t *testing.T) {
	ctx := context.Background()
	svc := NewMedicationService(NewMemoryStore().Medications(), nil)

	_, err := svc.Create(ctx, "user-1", CreateMedicationRequest{
		Name:      "Aspirin",
		Schedules: []ScheduleRequest{dailyAt(8, 0), dailyAt(8, 0)},
	})
	require.Equal(t, doserr.CodeDuplicateTime, doserr.ValidationCode(err))

	m, err := svc.Create(ctx, "user-1", CreateMedicationRequest{Name: "Aspirin", Schedules: []ScheduleRequest{dailyAt(8, 0)}})
	require.NoError(t, err)

	_, err = svc.AddSchedule(ctx, "user-1", m.ID, dailyAt(8, 0))
	require.Equal(t, doserr.CodeDuplicateTime, doserr.ValidationCode(err))

	evening, err := svc.AddSchedule(ctx, "user-1", m.ID, dailyAt(20, 0))
	require.NoError(t, err)

	_, err = svc.ReplaceSchedule(ctx, "user-1", evening.ID, dailyAt(8, 0))
	require.Equal(t, doserr.CodeDuplicateTime, doserr.ValidationCode(err))

	// replacing a rule with its own time is fine
	replaced, err := svc.ReplaceSchedule(ctx, "user-1", evening.ID, ScheduleRequest{
		Kind: recurrence.KindWeekly, TimeOfDay: tod(20, 0), Weekdays: recurrence.WeekdaySet{time.Friday},
	})
	require.NoError(t, err)
	require.Equal(t, recurrence.KindWeekly, replaced.Kind)
	require.Equal(t, m.ID, replaced.MedicationID)
}

func TestMedicationService_Validation(t *testing.T) {
	ctx := context.Background()
	svc := NewMedicationService(NewMemoryStore().Medications(), nil)

	_, err := svc.Create(ctx, "user-1", CreateMedicationRequest{Name: " "})
	require.Equal(t, doserr.CodeInvalidArgument, doserr.ValidationCode(err))

	_, err = svc.Create(ctx, "user-1", CreateMedicationRequest{
		Name:      "Vitamin D",
		Schedules: []ScheduleRequest{{Kind: recurrence.KindWeekly, TimeOfDay: tod(9, 0)}},
	})
	require.Equal(t, doserr.CodeInvalidRule, doserr.ValidationCode(err))

	_, err = svc.Create(ctx, "user-1", CreateMedicationRequest{
		Name:      "Vitamin D",
		Schedules: []ScheduleRequest{{Kind: recurrence.KindDaily, TimeOfDay: tod(9, 0), Weekdays: recurrence.WeekdaySet{time.Monday}}},
	})
	require.Equal(t, doserr.CodeInvalidRule, doserr.ValidationCode(err))
}

func TestMedicationService_NotFoundAndCascade(t *testing.T) {
	ctx := context.Background()
	svc := NewMedicationService(NewMemoryStore().Medications(), nil)

	m, err := svc.Create(ctx, "user-1", CreateMedicationRequest{Name: "Aspirin", Schedules: []ScheduleRequest{dailyAt(8, 0)}})
	require.NoError(t, err)
	scheduleID := m.Schedules[0].ID

	// another user's rows are invisible
	_, err = svc.AddSchedule(ctx, "user-2", m.ID, dailyAt(9, 0))
	require.True(t, doserr.IsNotFound(err))
	require.True(t, doserr.IsNotFound(svc.DeleteSchedule(ctx, "user-2", scheduleID)))
	require.True(t, doserr.IsNotFound(svc.Delete(ctx, "user-2", m.ID)))

	require.NoError(t, svc.Delete(ctx, "user-1", m.ID))
	_, err = svc.ReplaceSchedule(ctx, "user-1", scheduleID, dailyAt(10, 0))
	require.True(t, doserr.IsNotFound(err))
	require.True(t, doserr.IsNotFound(svc.Delete(ctx, "user-1", m.ID)))
}
