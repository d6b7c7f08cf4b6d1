package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/qbot/internal/store"
)

func openTest(t *testing.T) (*store.Stores, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qbot.db")
	stores, closeFn, err := NewStores(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return stores, path
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")

	v, dirty, err := Version(path)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.False(t, dirty)

	v1, err := Migrate(path)
	require.NoError(t, err)
	assert.EqualValues(t, SchemaVersion, v1)

	v2, err := Migrate(path)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestOpenRejectsMemory(t *testing.T) {
	_, err := OpenDB(":memory:")
	assert.Error(t, err)
}

func TestMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	stores, _ := openTest(t)
	ms := stores.Messages

	for i, uid := range []int64{10, 20, 10, 30} {
		ok, err := ms.Save(ctx, store.Message{GroupID: 1, UserID: uid, MessageID: int64(100 + i), RawMessage: "m"})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := ms.Save(ctx, store.Message{GroupID: 1, UserID: 10, MessageID: 100})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate (group, message) pair is ignored")

	_, err = ms.Save(ctx, store.Message{GroupID: 2, UserID: 10, MessageID: 900})
	require.NoError(t, err)

	ids, err := ms.Unrecalled(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{103, 102, 101, 100}, ids)

	ids, err = ms.Unrecalled(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{103, 102}, ids)

	ids, err = ms.UnrecalledByUser(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{102, 100}, ids)

	require.NoError(t, ms.MarkRecalled(ctx, 1, 10, 102))
	require.NoError(t, ms.MarkRecalled(ctx, 1, 0, 555)) // unknown: placeholder row

	ids, err = ms.Unrecalled(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{103, 101, 100}, ids)

	st, err := ms.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 6, st.Total)
	assert.EqualValues(t, 2, st.Recalled)
	assert.EqualValues(t, 4, st.Active)
	assert.False(t, st.Oldest.IsZero())
	assert.Positive(t, st.SizeBytes)

	n, err := ms.CleanupAllRecalled(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCleanupRecalledByAge(t *testing.T) {
	ctx := context.Background()
	stores, _ := openTest(t)
	ms := stores.Messages.(*MessageStore)

	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)
	_, err := ms.Save(ctx, store.Message{GroupID: 1, MessageID: 1, Recalled: true, CreatedAt: old})
	require.NoError(t, err)
	_, err = ms.Save(ctx, store.Message{GroupID: 1, MessageID: 2, Recalled: true, CreatedAt: now})
	require.NoError(t, err)
	_, err = ms.Save(ctx, store.Message{GroupID: 1, MessageID: 3, CreatedAt: old})
	require.NoError(t, err)

	n, err := ms.CleanupRecalled(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	st, err := ms.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Total)
	assert.Equal(t, old.Unix(), st.Oldest.Unix())
}

func TestEmptyStats(t *testing.T) {
	stores, _ := openTest(t)
	st, err := stores.Messages.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total)
	assert.True(t, st.Oldest.IsZero())
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	stores, _ := openTest(t)
	ss := stores.Subscriptions

	ok, err := ss.Add(ctx, 1, "抄纸")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ss.Add(ctx, 1, "抄纸")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = ss.Add(ctx, 1, "0元")
	require.NoError(t, err)
	_, err = ss.Add(ctx, 2, "re:^iphone")
	require.NoError(t, err)

	kws, err := ss.List(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"抄纸", "0元"}, kws)

	require.NoError(t, ss.SetPaused(ctx, 2, true))
	require.NoError(t, ss.SetPaused(ctx, 2, true))
	paused, err := ss.IsPaused(ctx, 2)
	require.NoError(t, err)
	assert.True(t, paused)

	all, err := ss.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.False(t, all[0].Paused)
	assert.True(t, all[2].Paused)
	assert.Equal(t, "re:^iphone", all[2].Keyword)

	require.NoError(t, ss.SetPaused(ctx, 2, false))
	paused, err = ss.IsPaused(ctx, 2)
	require.NoError(t, err)
	assert.False(t, paused)

	ok, err = ss.Remove(ctx, 1, "抄纸")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ss.Remove(ctx, 1, "抄纸")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := ss.Clear(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	kws, err = ss.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, kws)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	stores, closeFn, err := NewStores(path)
	require.NoError(t, err)
	_, err = stores.Messages.Save(ctx, store.Message{GroupID: 5, MessageID: 50})
	require.NoError(t, err)
	require.NoError(t, closeFn())

	stores, closeFn, err = NewStores(path)
	require.NoError(t, err)
	defer closeFn()
	ids, err := stores.Messages.Unrecalled(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{50}, ids)
}
