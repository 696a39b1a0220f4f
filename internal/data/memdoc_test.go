package data

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraprisma/api/internal/core"
)

func newTestStore(t *testing.T) (*MemDocStore, *FixedTimeProvider) {
	t.Helper()
	tp := NewFixedTimeProvider(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	return NewMemDocStore(MemDocStoreOptions{TimeProvider: tp}), tp
}

func TestMemDocStoreInsertAndGet(t *testing.T) {
	ctx := context.Background()
	store, tp := newTestStore(t)

	id, err := store.Insert(ctx, "jobs", core.Doc{
		"type":   "report.weekly",
		"status": "queued",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.Get(ctx, "jobs", id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.String("id"))
	assert.Equal(t, "queued", doc.String("status"))

	created := doc.Time("createdAt")
	require.NotNil(t, created)
	assert.True(t, created.Equal(tp.Now()))
}

func TestMemDocStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "jobs", "nope")
	assert.ErrorIs(t, err, core.ErrDocNotFound)
}

func TestMemDocStoreServerTimestamp(t *testing.T) {
	ctx := context.Background()
	store, tp := newTestStore(t)

	id, err := store.Insert(ctx, "jobs", core.Doc{"status": "running", "lockedAt": core.ServerTimestamp})
	require.NoError(t, err)

	doc, err := store.Get(ctx, "jobs", id)
	require.NoError(t, err)

	locked := doc.Time("lockedAt")
	require.NotNil(t, locked)
	assert.True(t, locked.Equal(tp.Now()))
}

func TestMemDocStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store, tp := newTestStore(t)

	id, err := store.Insert(ctx, "jobs", core.Doc{"status": "queued", "attempts": 0})
	require.NoError(t, err)

	tp.AddTime(time.Minute)
	require.NoError(t, store.Update(ctx, "jobs", id, core.Doc{"status": "running", "attempts": 1}))

	doc, err := store.Get(ctx, "jobs", id)
	require.NoError(t, err)
	assert.Equal(t, "running", doc.String("status"))
	assert.Equal(t, 1, doc.Int("attempts"))

	updated := doc.Time("updatedAt")
	require.NotNil(t, updated)
	assert.True(t, updated.Equal(tp.Now()))

	err = store.Update(ctx, "jobs", "missing", core.Doc{"status": "running"})
	assert.ErrorIs(t, err, core.ErrDocNotFound)
}

func TestMemDocStoreSetUpserts(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, "ops", "heartbeat", core.Doc{"component": "sweeper"}))
	require.NoError(t, store.Set(ctx, "ops", "heartbeat", core.Doc{"recovered": 2}))

	doc, err := store.Get(ctx, "ops", "heartbeat")
	require.NoError(t, err)
	assert.Equal(t, "sweeper", doc.String("component"))
	assert.Equal(t, 2, doc.Int("recovered"))
}

func TestMemDocStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, d := range []core.Doc{
		{"status": "queued", "tenantId": "acme"},
		{"status": "queued", "tenantId": "globex"},
		{"status": "running", "tenantId": "acme"},
	} {
		_, err := store.Insert(ctx, "jobs", d)
		require.NoError(t, err)
	}

	docs, err := store.Query(ctx, "jobs", []core.Filter{
		{Field: "status", Value: "queued"},
		{Field: "tenantId", Value: "acme"},
	}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "acme", docs[0].String("tenantId"))

	docs, err = store.Query(ctx, "jobs", nil, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestMemDocStoreTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	id, err := store.Insert(ctx, "jobs", core.Doc{"status": "queued"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.RunTransaction(ctx, func(tx core.DocTx) error {
		if uerr := tx.Update("jobs", id, core.Doc{"status": "running"}); uerr != nil {
			return uerr
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	doc, err := store.Get(ctx, "jobs", id)
	require.NoError(t, err)
	assert.Equal(t, "queued", doc.String("status"))
}

func TestMemDocStoreTransactionReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	id, err := store.Insert(ctx, "jobs", core.Doc{"status": "queued", "attempts": 0})
	require.NoError(t, err)

	err = store.RunTransaction(ctx, func(tx core.DocTx) error {
		if uerr := tx.Update("jobs", id, core.Doc{"attempts": 1}); uerr != nil {
			return uerr
		}
		doc, gerr := tx.Get("jobs", id)
		if gerr != nil {
			return gerr
		}
		assert.Equal(t, 1, doc.Int("attempts"))
		return nil
	})
	require.NoError(t, err)
}

func TestMemDocStoreConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	id, err := store.Insert(ctx, "jobs", core.Doc{"status": "queued"})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RunTransaction(ctx, func(tx core.DocTx) error {
				doc, gerr := tx.Get("jobs", id)
				if gerr != nil {
					return gerr
				}
				if doc.String("status") != "queued" {
					return nil
				}
				if uerr := tx.Update("jobs", id, core.Doc{"status": "running"}); uerr != nil {
					return uerr
				}
				mu.Lock()
				wins++
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}
