package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedStore_ReadThrough(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 4)
	ctx := context.Background()

	require.NoError(t, inner.Create(ctx, newTestSession("s1")))

	// First read misses the cache and populates it.
	got, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Removing from the inner store leaves the cached copy readable,
	// demonstrating the documented staleness bound.
	require.NoError(t, inner.Delete(ctx, "s1"))
	got, err = cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, got, "cache serves the stale mirror after an external delete")
}

func TestCachedStore_StoreAuthoritativeForStatus(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 4)
	ctx := context.Background()

	require.NoError(t, cached.Create(ctx, newTestSession("s1")))

	// Another process cancels directly against the durable store.
	require.NoError(t, inner.UpdateStatus(ctx, "s1", StatusCancelled))

	// The local mirror still says active: stale but acceptable.
	got, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	// Correctness is preserved because terminal writes remain no-ops at
	// the store and the authoritative record says cancelled.
	require.NoError(t, cached.UpdateStatus(ctx, "s1", StatusCompleted))
	authoritative, err := inner.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, authoritative.Status)
}

func TestCachedStore_CountActiveBypassesCache(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 4)
	ctx := context.Background()

	require.NoError(t, cached.Create(ctx, newTestSession("s1")))
	require.NoError(t, cached.Create(ctx, newTestSession("s2")))

	// A concurrent process finalizes s1 behind the cache's back. The
	// admission count must see it immediately.
	require.NoError(t, inner.UpdateStatus(ctx, "s1", StatusCompleted))

	count, err := cached.CountActive(ctx, memTestPrincipal)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCachedStore_WriteUpdatesMirrorAfterDurableWrite(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 4)
	ctx := context.Background()

	require.NoError(t, cached.Create(ctx, newTestSession("s1")))
	require.NoError(t, cached.UpdateStatus(ctx, "s1", StatusError))

	got, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)

	authoritative, err := inner.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, authoritative.Status)
}

func TestCachedStore_BoundedEviction(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 2)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, cached.Create(ctx, newTestSession(id)))
	}

	// s1 was evicted; deleting it from the inner store proves the next
	// read goes back to the durable store.
	require.NoError(t, inner.Delete(ctx, "s1"))
	got, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// s3 is still mirrored.
	require.NoError(t, inner.Delete(ctx, "s3"))
	got, err = cached.Get(ctx, "s3")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCachedStore_DeleteEvicts(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 4)
	ctx := context.Background()

	require.NoError(t, cached.Create(ctx, newTestSession("s1")))
	require.NoError(t, cached.Delete(ctx, "s1"))

	got, err := cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCachedStore_PurgeDropsStaleMirrors(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 4)
	ctx := context.Background()

	old := newTestSession("old")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, cached.Create(ctx, old))
	require.NoError(t, cached.Create(ctx, newTestSession("fresh")))

	_, err := cached.PurgeSessionsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	got, err := cached.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got, "reaped session must not linger in the mirror")

	got, err = cached.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCachedStore_GetFreshBypassesMirror(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 4)
	ctx := context.Background()

	require.NoError(t, cached.Create(ctx, newTestSession("s1")))

	// Another process cancels directly against the durable store.
	require.NoError(t, inner.UpdateStatus(ctx, "s1", StatusCancelled))

	got, err := cached.GetFresh(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// The mirror is refreshed by the durable read.
	got, err = cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestCachedStore_GetFreshEvictsVanishedSessions(t *testing.T) {
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, 4)
	ctx := context.Background()

	require.NoError(t, cached.Create(ctx, newTestSession("s1")))
	require.NoError(t, inner.Delete(ctx, "s1"))

	got, err := cached.GetFresh(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = cached.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got, "mirror entry must not survive a durable miss")
}
