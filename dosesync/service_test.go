package dosesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/stretchr/testify/require"
)

func newTestSyncService(t *testing.T, store Store, config *ServiceConfig) *SyncService {
	t.Helper()
	svc := NewSyncService(store, config, nil)
	NewDoseEventHandler(store.DoseEvents(), nil).Register(svc)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func doseItem(t *testing.T, eventType, medicationID string, actionAt time.Time) SyncItem {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"medicationId":  medicationID,
		"dateKey":       actionAt.Format("2006-01-02"),
		"scheduledTime": "08:00",
		"status":        doseStatusByEvent[eventType],
		"actionType":    ActionTakeNow,
		"actionAt":      actionAt,
	})
	require.NoError(t, err)
	return SyncItem{
		EventID:         uuid.NewString(),
		EventType:       eventType,
		PayloadJSON:     string(payload),
		ClientUpdatedAt: actionAt,
	}
}

func TestPush_SameEventTwiceIsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestSyncService(t, store, nil)

	item := SyncItem{EventID: "E1", EventType: "note", PayloadJSON: `{"a":1}`, ClientUpdatedAt: time.Now()}

	resp, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{item}})
	require.NoError(t, err)
	require.Equal(t, PushResponse{AcceptedCount: 1, DuplicateCount: 0}, *resp)

	resp, err = svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{item}})
	require.NoError(t, err)
	require.Equal(t, PushResponse{AcceptedCount: 0, DuplicateCount: 1}, *resp)

	n, err := store.SyncEvents().Count(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPush_RepeatedIDWithinBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestSyncService(t, store, nil)

	resp, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{
		{EventID: "E1", EventType: "note", PayloadJSON: `{"v":1}`},
		{EventID: "E2", EventType: "note", PayloadJSON: `{}`},
		{EventID: "E1", EventType: "note", PayloadJSON: `{"v":2}`},
	}})
	require.NoError(t, err)
	require.Equal(t, 2, resp.AcceptedCount)
	require.Equal(t, 1, resp.DuplicateCount)

	pulled, err := svc.Pull(ctx, "user-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, pulled.Items, 2)
	require.Equal(t, "E1", pulled.Items[0].EventID)
	require.Equal(t, `{"v":2}`, pulled.Items[0].PayloadJSON)
}

func TestPush_InvalidItemRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestSyncService(t, store, nil)

	cases := map[string]SyncItem{
		"missing id":   {EventType: "note", PayloadJSON: `{}`},
		"missing type": {EventID: "E9", PayloadJSON: `{}`},
		"bad json":     {EventID: "E9", EventType: "note", PayloadJSON: `{not json`},
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{
				{EventID: "OK", EventType: "note", PayloadJSON: `{}`},
				bad,
			}})
			require.True(t, doserr.IsValidation(err), "got %v", err)
			require.Equal(t, doserr.CodeInvalidEvent, doserr.ValidationCode(err))

			n, err := store.SyncEvents().Count(ctx, "user-1")
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestPush_BatchLimits(t *testing.T) {
	ctx := context.Background()
	svc := newTestSyncService(t, NewMemoryStore(), &ServiceConfig{MaxPushBatch: 2, MaxPayloadBytes: 16})

	_, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{
		{EventID: "1", EventType: "note", PayloadJSON: `{}`},
		{EventID: "2", EventType: "note", PayloadJSON: `{}`},
		{EventID: "3", EventType: "note", PayloadJSON: `{}`},
	}})
	require.Equal(t, doserr.CodeBatchTooLarge, doserr.ValidationCode(err))

	_, err = svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{
		{EventID: "1", EventType: "note", PayloadJSON: `{"long":"aaaaaaaaaaaaaaa"}`},
	}})
	require.Equal(t, doserr.CodeInvalidEvent, doserr.ValidationCode(err))

	resp, err := svc.Push(ctx, "user-1", &PushRequest{})
	require.NoError(t, err)
	require.Equal(t, PushResponse{}, *resp)
}

func TestPull_AscendingAfterWatermark(t *testing.T) {
	ctx := context.Background()
	svc := newTestSyncService(t, NewMemoryStore(), nil)

	for i := 1; i <= 3; i++ {
		_, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{
			{EventID: fmt.Sprintf("E%d", i), EventType: "note", PayloadJSON: `{}`},
		}})
		require.NoError(t, err)
	}
	_, err := svc.Push(ctx, "user-2", &PushRequest{Items: []SyncItem{
		{EventID: "OTHER", EventType: "note", PayloadJSON: `{}`},
	}})
	require.NoError(t, err)

	all, err := svc.Pull(ctx, "user-1", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all.Items, 3)
	for i := 1; i < len(all.Items); i++ {
		require.True(t, all.Items[i-1].ReceivedAt.Before(*all.Items[i].ReceivedAt))
	}
	require.Equal(t, []string{"E1", "E2", "E3"}, []string{all.Items[0].EventID, all.Items[1].EventID, all.Items[2].EventID})

	after, err := svc.Pull(ctx, "user-1", *all.Items[1].ReceivedAt, 0)
	require.NoError(t, err)
	require.Len(t, after.Items, 1)
	require.Equal(t, "E3", after.Items[0].EventID)

	none, err := svc.Pull(ctx, "user-1", *all.Items[2].ReceivedAt, 0)
	require.NoError(t, err)
	require.NotNil(t, none.Items)
	require.Empty(t, none.Items)
}

func TestPull_IsCapped(t *testing.T) {
	ctx := context.Background()
	svc := newTestSyncService(t, NewMemoryStore(), &ServiceConfig{PullLimit: 2})

	var items []SyncItem
	for i := 0; i < 5; i++ {
		items = append(items, SyncItem{EventID: fmt.Sprintf("E%d", i), EventType: "note", PayloadJSON: `{}`})
	}
	_, err := svc.Push(ctx, "user-1", &PushRequest{Items: items})
	require.NoError(t, err)

	resp, err := svc.Pull(ctx, "user-1", time.Time{}, 100)
	require.NoError(t, err)
	require.Len(t, resp.Items, 2)

	resp, err = svc.Pull(ctx, "user-1", time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
}

func TestPush_ConcurrentSameEventHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestSyncService(t, store, nil)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		dups     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{
				{EventID: "SAME", EventType: "note", PayloadJSON: `{}`},
			}})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			accepted += resp.AcceptedCount
			dups += resp.DuplicateCount
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, accepted)
	require.Equal(t, workers-1, dups)
}

func TestPush_MaterializesDoseEventsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestSyncService(t, store, nil)

	at := time.Date(2026, 2, 2, 8, 1, 0, 0, time.UTC)
	item := doseItem(t, EventDoseTaken, "med-1", at)

	for i := 0; i < 2; i++ {
		_, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{item}})
		require.NoError(t, err)
	}

	events, err := store.DoseEvents().Query(ctx, "user-1", at.Add(-time.Hour), at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, DoseTaken, events[0].Status)
	require.Equal(t, "med-1", events[0].MedicationID)
	require.Equal(t, "2026-02-02", events[0].DateKey)
}

func TestPush_MaterializeFailureStillAccepts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestSyncService(t, store, nil)

	resp, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{
		{EventID: "BAD", EventType: EventDoseTaken, PayloadJSON: `{"medicationId":""}`},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, resp.AcceptedCount)
}

func TestSyncService_StageMetricsAndClose(t *testing.T) {
	ctx := context.Background()
	var (
		mu     sync.Mutex
		stages []string
	)
	svc := NewSyncService(NewMemoryStore(), &ServiceConfig{
		StageMetrics: StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
			mu.Lock()
			defer mu.Unlock()
			stages = append(stages, timing.Operation+"/"+timing.Stage)
		}),
	}, nil)

	_, err := svc.Push(ctx, "user-1", &PushRequest{Items: []SyncItem{{EventID: "E1", EventType: "note", PayloadJSON: `{}`}}})
	require.NoError(t, err)
	_, err = svc.Pull(ctx, "user-1", time.Time{}, 0)
	require.NoError(t, err)

	require.Contains(t, stages, "push/validate")
	require.Contains(t, stages, "push/insert")
	require.Contains(t, stages, "push/total")
	require.Contains(t, stages, "pull/fetch")

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	_, err = svc.Push(ctx, "user-1", &PushRequest{})
	require.Error(t, err)
}
