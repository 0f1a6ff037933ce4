package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLStore_RejectsUnknownDialect(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLStore(db, "oracle")
	assert.Error(t, err)

	_, err = NewSQLStore(nil, "sqlite")
	assert.Error(t, err)
}

func TestSQLStore_SaveLoadDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, Record{ID: "s1", CreatedAt: created, LastActivity: created, LastSequence: 1}))
	require.NoError(t, store.Save(ctx, Record{ID: "s1", CreatedAt: created, LastActivity: created.Add(time.Minute), LastSequence: 12}))
	require.NoError(t, store.Save(ctx, Record{ID: "s2", CreatedAt: created, LastActivity: created}))

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]Record{}
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	assert.Equal(t, uint64(12), byID["s1"].LastSequence)
	assert.True(t, byID["s1"].LastActivity.Equal(created.Add(time.Minute)))

	require.NoError(t, store.Delete(ctx, "s1"))
	require.NoError(t, store.Delete(ctx, "s1"))

	records, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s2", records[0].ID)
}

func TestRegistry_PersistsThroughStore(t *testing.T) {
	store := newTestStore(t)

	r := NewRegistry(WithStore(store))
	lease, err := r.Acquire("s1", Holder{})
	require.NoError(t, err)
	lease.Release(42)

	deleted, err := r.Acquire("s2", Holder{})
	require.NoError(t, err)
	deleted.Release(0)
	require.NoError(t, r.Delete("s2", false))

	restarted := NewRegistry(WithStore(store))
	n, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := restarted.Lookup("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), info.LastSequence)
	assert.False(t, info.Held)

	_, err = restarted.Lookup("s2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
