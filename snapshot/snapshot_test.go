package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/progress-sync/store"
)

func newTestStore(t *testing.T) (*Store, *store.BoltStore) {
	t.Helper()
	bs := store.New(store.WithNoSync(true))
	require.NoError(t, bs.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = bs.Close() })

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return New(bs, WithNow(func() time.Time { return now })), bs
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	// Not normalized JSON: whitespace and key order must survive.
	state := []byte("{ \"score\" : 8,\n\"answers\":[\"a\",\"c\"] }")

	_, err := s.ApplyLocal(ctx, "quiz-submission", "2", state)
	require.NoError(t, err)

	got, err := s.Get(ctx, "quiz-submission", "2")
	require.NoError(t, err)
	assert.Equal(t, state, got.State)
	assert.Equal(t, ProvenanceLocal, got.Provenance)
	assert.Equal(t, "quiz-submission", got.Kind)
	assert.Equal(t, "2", got.Key)
}

func TestStore_Versions(t *testing.T) {
	ctx := context.Background()
	s, bs := newTestStore(t)

	first, err := s.ApplyLocal(ctx, "item-completion", "itemA", []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Version)

	entry, err := bs.Get(ctx, Namespace("item-completion"), "itemA")
	require.NoError(t, err)
	assert.True(t, entry.NeedsSync)

	second, err := s.ApplyServer(ctx, "item-completion", "itemA", []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, ProvenanceServer, second.Provenance)

	entry, err = bs.Get(ctx, Namespace("item-completion"), "itemA")
	require.NoError(t, err)
	assert.False(t, entry.NeedsSync)
}

func TestStore_Conflict(t *testing.T) {
	ctx := context.Background()
	s, bs := newTestStore(t)

	_, err := s.ApplyLocal(ctx, "quiz-submission", "3", []byte(`{"score":4}`))
	require.NoError(t, err)

	snap, err := s.MarkConflict(ctx, "quiz-submission", "3", "quiz closed")
	require.NoError(t, err)
	assert.Equal(t, "quiz closed", snap.Conflict)
	assert.Equal(t, []byte(`{"score":4}`), snap.State)

	entry, err := bs.Get(ctx, Namespace("quiz-submission"), "3")
	require.NoError(t, err)
	assert.True(t, entry.NeedsSync)

	snap, err = s.ApplyServer(ctx, "quiz-submission", "3", []byte(`{"score":6}`))
	require.NoError(t, err)
	assert.Empty(t, snap.Conflict)
	assert.Equal(t, uint64(3), snap.Version)

	t.Run("cleared for a resend", func(t *testing.T) {
		_, err := s.MarkConflict(ctx, "quiz-submission", "4", "")
		require.NoError(t, err)

		snap, err := s.ClearConflict(ctx, "quiz-submission", "4")
		require.NoError(t, err)
		assert.Empty(t, snap.Conflict)
		assert.Equal(t, ProvenanceLocal, snap.Provenance)

		entry, err := bs.Get(ctx, Namespace("quiz-submission"), "4")
		require.NoError(t, err)
		assert.True(t, entry.NeedsSync)
	})
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "quiz-submission", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Summary(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.ApplyServer(ctx, "item-completion", "a", []byte(`{"completed":true}`))
	require.NoError(t, err)
	_, err = s.ApplyLocal(ctx, "item-completion", "b", []byte(`{"completed":true}`))
	require.NoError(t, err)
	_, err = s.ApplyServer(ctx, "item-completion", "c", []byte(`{"completed":false}`))
	require.NoError(t, err)

	sum, err := s.Summary(ctx, "item-completion")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Completed)
	assert.Equal(t, 1, sum.Pending)
	assert.InDelta(t, 66.67, sum.Percentage, 0.001)

	empty, err := s.Summary(ctx, "quiz-submission")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Zero(t, empty.Percentage)
}

func TestStore_RemoveKeepsVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.ApplyLocal(ctx, "item-completion", "itemR", []byte(`{"completed":true}`))
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "item-completion", "itemR"))

	_, err = s.Get(ctx, "item-completion", "itemR")
	require.ErrorIs(t, err, ErrNotFound)
	snaps, err := s.List(ctx, "item-completion")
	require.NoError(t, err)
	assert.Empty(t, snaps)

	snap, err := s.ApplyServer(ctx, "item-completion", "itemR", []byte(`{"completed":false}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Version)
	assert.False(t, snap.Removed)

	// Removing an unknown resource writes nothing.
	require.NoError(t, s.Remove(ctx, "item-completion", "missing"))
	snaps, err = s.List(ctx, "item-completion")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}
