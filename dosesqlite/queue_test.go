package dosesqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/dosesync"
	"github.com/ssanver/medication-reminder-app-sub000/reminder"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, InitializeDatabase(db))
	return db
}

func TestInitializeDatabase(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"_sync_client_info", "_offline_queue", "_offline_queue_rejected", "_dose_state", "_delivery_cache", "_scheduled_handles", "_schedule_cache"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	// running it twice is harmless
	require.NoError(t, InitializeDatabase(db))
}

func TestEnsureSourceIDAndWatermark(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first, err := EnsureSourceID(db, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, first)
	second, err := EnsureSourceID(db, "user-1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	w, err := PullWatermark(ctx, db, "user-1")
	require.NoError(t, err)
	require.True(t, w.IsZero())

	at := time.Date(2026, 2, 2, 8, 0, 0, 123456000, time.UTC)
	require.NoError(t, setPullWatermark(ctx, db, "user-1", at))
	w, err = PullWatermark(ctx, db, "user-1")
	require.NoError(t, err)
	require.True(t, at.Equal(w))
}

func TestOfflineQueue_ReEnqueueKeepsOneItem(t *testing.T) {
	ctx := context.Background()
	q := NewOfflineQueue(openTestDB(t))

	require.NoError(t, q.Enqueue(ctx, dosesync.SyncItem{EventID: "A", EventType: "note", PayloadJSON: `{"v":1}`}))
	require.NoError(t, q.Enqueue(ctx, dosesync.SyncItem{EventID: "B", EventType: "note", PayloadJSON: `{}`}))
	require.NoError(t, q.Enqueue(ctx, dosesync.SyncItem{EventID: "A", EventType: "note", PayloadJSON: `{"v":2}`}))

	n, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	items, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "A", items[0].EventID, "re-enqueue keeps the original position")
	require.Equal(t, `{"v":2}`, items[0].PayloadJSON)

	// dequeue does not remove
	n, err = q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, q.MarkSynced(ctx, []string{"A", "unknown"}))
	n, err = q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	items, err = q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "B", items[0].EventID)
}

func TestOfflineQueue_SingleItemIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewOfflineQueue(openTestDB(t))
	at := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, dosesync.SyncItem{EventID: "E1", EventType: "note", PayloadJSON: `{}`, ClientUpdatedAt: at}))
	}
	n, err := q.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	items, err := q.DequeueBatch(ctx, 5)
	require.NoError(t, err)
	require.True(t, at.Equal(items[0].ClientUpdatedAt))

	require.NoError(t, q.MarkSynced(ctx, []string{"E1"}))
	n, err = q.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestOfflineQueue_Validation(t *testing.T) {
	ctx := context.Background()
	q := NewOfflineQueue(openTestDB(t))

	err := q.Enqueue(ctx, dosesync.SyncItem{EventType: "note", PayloadJSON: `{}`})
	require.True(t, doserr.IsValidation(err))

	err = q.EnqueueEvent(ctx, reminder.Event{ID: "E1", Type: "note", Payload: []byte(`{broken`)})
	require.True(t, doserr.IsValidation(err))

	require.NoError(t, q.EnqueueEvent(ctx, reminder.Event{ID: "E1", Type: reminder.EventDoseTaken, Payload: []byte(`{"medicationId":"m"}`)}))
	items, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, reminder.EventDoseTaken, items[0].EventType)
	require.JSONEq(t, `{"medicationId":"m"}`, items[0].PayloadJSON)
}

func TestOfflineQueue_RejectMovesItemAside(t *testing.T) {
	ctx := context.Background()
	q := NewOfflineQueue(openTestDB(t))
	at := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return at.Add(time.Minute) }

	bad := dosesync.SyncItem{EventID: "E1", EventType: "note", PayloadJSON: `{}`, ClientUpdatedAt: at}
	require.NoError(t, q.Enqueue(ctx, bad))
	require.NoError(t, q.Enqueue(ctx, dosesync.SyncItem{EventID: "E2", EventType: "note", PayloadJSON: `{}`, ClientUpdatedAt: at}))

	cause := doserr.NewValidation(doserr.CodeInvalidEvent, "payloadJson", "payload too large")
	require.NoError(t, q.Reject(ctx, bad, cause))
	require.NoError(t, q.Reject(ctx, bad, cause))

	items, err := q.DequeueBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "E2", items[0].EventID)

	rejected, err := q.Rejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, "E1", rejected[0].Item.EventID)
	require.Equal(t, doserr.CodeInvalidEvent, rejected[0].ErrorCode)
	require.Contains(t, rejected[0].ErrorMessage, "payload too large")
	require.True(t, at.Equal(rejected[0].Item.ClientUpdatedAt))
	require.True(t, at.Add(time.Minute).Equal(rejected[0].RejectedAt))
}
