package services

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeatmonitor/db"
	"heartbeatmonitor/models"
)

// runStoreContract exercises behaviour every WindowStore must share.
func runStoreContract(t *testing.T, store WindowStore) {
	ctx := context.Background()
	now := baseTime.Add(time.Minute)

	newSpec := func() models.WindowSpec {
		return models.WindowSpec{
			WindowID:    "contract-" + uuid.NewString(),
			ServiceName: "svc",
			WindowFrom:  baseTime,
			WindowTo:    baseTime.Add(30 * time.Second),
		}
	}

	t.Run("get or create", func(t *testing.T) {
		spec := newSpec()
		var created *models.MonitoringWindow
		require.NoError(t, store.RunInTx(ctx, func(tx WindowTx) error {
			var err error
			created, err = tx.GetOrCreate(ctx, spec, 3, now)
			return err
		}))
		assert.Equal(t, models.WindowOpen, created.Status)
		assert.Equal(t, 3, created.ExpectedReports)
		assert.Zero(t, created.ReceivedReports)
		assert.Nil(t, created.ClosedAt)

		spec.ErrorRateThresholdMissing = ptr(0.5)
		var again *models.MonitoringWindow
		require.NoError(t, store.RunInTx(ctx, func(tx WindowTx) error {
			var err error
			again, err = tx.GetOrCreate(ctx, spec, 99, now)
			return err
		}))
		assert.Equal(t, created.ID, again.ID)
		assert.Equal(t, 3, again.ExpectedReports)
		require.NotNil(t, again.ErrorRateThresholdMissing)
		assert.Equal(t, 0.5, *again.ErrorRateThresholdMissing)
	})

	t.Run("counters and close", func(t *testing.T) {
		spec := newSpec()
		require.NoError(t, store.RunInTx(ctx, func(tx WindowTx) error {
			if _, err := tx.GetOrCreate(ctx, spec, 3, now); err != nil {
				return err
			}
			if _, err := tx.IncrementCounters(ctx, spec.WindowID, 1, 1, now.Add(time.Second)); err != nil {
				return err
			}
			_, err := tx.IncrementCounters(ctx, spec.WindowID, 1, 0, now.Add(2*time.Second))
			return err
		}))

		w, err := store.GetWindow(ctx, spec.WindowID)
		require.NoError(t, err)
		assert.Equal(t, 2, w.ReceivedReports)
		assert.Equal(t, 1, w.ErrorReports)
		assert.True(t, now.Add(2*time.Second).Equal(w.UpdatedAt))

		closeAt := baseTime.Add(time.Hour)
		var closed, reclosed *models.MonitoringWindow
		require.NoError(t, store.RunInTx(ctx, func(tx WindowTx) error {
			if _, err := tx.RecordMissing(ctx, spec.WindowID, 1, closeAt); err != nil {
				return err
			}
			closed, err = tx.Close(ctx, spec.WindowID, true, closeAt)
			return err
		}))
		assert.Equal(t, models.WindowAlert, closed.Status)
		assert.Equal(t, 3, closed.ReceivedReports)
		assert.Equal(t, 2, closed.ErrorReports)
		assert.Equal(t, 1, closed.MissingReports)

		require.NoError(t, store.RunInTx(ctx, func(tx WindowTx) error {
			reclosed, err = tx.Close(ctx, spec.WindowID, false, closeAt.Add(time.Hour))
			return err
		}))
		assert.Equal(t, models.WindowAlert, reclosed.Status, "terminal states never change")
		assert.True(t, closed.ClosedAt.Equal(*reclosed.ClosedAt))
	})

	t.Run("rollback", func(t *testing.T) {
		spec := newSpec()
		err := store.RunInTx(ctx, func(tx WindowTx) error {
			if _, err := tx.GetOrCreate(ctx, spec, 3, now); err != nil {
				return err
			}
			if _, err := tx.AppendEvents(ctx, spec.WindowID, []models.HeartbeatEvent{{
				ServiceName: "svc", Status: models.HeartbeatOK,
				ReportTimestamp: now, WindowFrom: spec.WindowFrom, WindowTo: spec.WindowTo, IngestedAt: now,
			}}); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		_, err = store.GetWindow(ctx, spec.WindowID)
		assert.ErrorIs(t, err, models.ErrWindowNotFound)
	})

	t.Run("list closable", func(t *testing.T) {
		spec := newSpec()
		require.NoError(t, store.RunInTx(ctx, func(tx WindowTx) error {
			_, err := tx.GetOrCreate(ctx, spec, 3, now)
			return err
		}))

		due, err := store.ListClosable(ctx, spec.WindowTo.Add(-time.Second), spec.WindowID)
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = store.ListClosable(ctx, spec.WindowTo, spec.WindowID)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, spec.WindowID, due[0].WindowID)
	})

	t.Run("concurrent create", func(t *testing.T) {
		spec := newSpec()
		var wg sync.WaitGroup
		ids := make(chan int64, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.RunInTx(ctx, func(tx WindowTx) error {
					w, err := tx.GetOrCreate(ctx, spec, 3, now)
					if err != nil {
						return err
					}
					ids <- w.ID
					_, err = tx.IncrementCounters(ctx, spec.WindowID, 1, 0, now)
					return err
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		close(ids)

		var first int64
		for id := range ids {
			if first == 0 {
				first = id
			}
			assert.Equal(t, first, id)
		}
		w, err := store.GetWindow(ctx, spec.WindowID)
		require.NoError(t, err)
		assert.Equal(t, 8, w.ReceivedReports)
	})

	t.Run("purge closed windows", func(t *testing.T) {
		spec := newSpec()
		closeAt := baseTime.Add(time.Hour)
		require.NoError(t, store.RunInTx(ctx, func(tx WindowTx) error {
			if _, err := tx.GetOrCreate(ctx, spec, 3, now); err != nil {
				return err
			}
			if _, err := tx.AppendEvents(ctx, spec.WindowID, []models.HeartbeatEvent{{
				ServiceName: "svc", Status: models.HeartbeatOK,
				ReportTimestamp: now, WindowFrom: spec.WindowFrom, WindowTo: spec.WindowTo, IngestedAt: now,
			}}); err != nil {
				return err
			}
			_, err := tx.Close(ctx, spec.WindowID, false, closeAt)
			return err
		}))

		removed, err := store.DeleteWindowsClosedBefore(ctx, closeAt.Add(time.Second))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 1)

		_, err = store.GetWindow(ctx, spec.WindowID)
		assert.ErrorIs(t, err, models.ErrWindowNotFound)
		events, err := store.ListEvents(ctx, spec.WindowID)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	conn, err := db.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(context.Background(), conn))

	runStoreContract(t, NewPostgresStore(conn))
}

func TestMemoryStoreAppendToUnknownWindow(t *testing.T) {
	store := NewMemoryStore()
	err := store.RunInTx(context.Background(), func(tx WindowTx) error {
		_, err := tx.AppendEvents(context.Background(), "nope", []models.HeartbeatEvent{{}})
		return err
	})
	assert.ErrorIs(t, err, models.ErrWindowNotFound)
}

func TestMemoryStoreRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := NewMemoryStore().RunInTx(ctx, func(WindowTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
