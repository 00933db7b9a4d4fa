//go:build integration

package blacklist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/testutil"
)

func TestPostgresStore_UpsertLookupSweep(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	exp := now.Add(time.Hour)

	e, err := store.Add(ctx, &Entry{ID: "bl_pg1", Type: TypeIP, Value: "203.0.113.9", Severity: SeverityHigh,
		ExpiresAt: &exp, Reason: "proxy range", Source: SourceManual, CreatedBy: "adm_1", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.True(t, e.IsActive)

	// weaker upsert keeps high severity, extends expiry
	later := now.Add(3 * time.Hour)
	merged, err := store.Add(ctx, &Entry{ID: "bl_pg2", Type: TypeIP, Value: "203.0.113.9", Severity: SeverityLow,
		ExpiresAt: &later, Reason: "escalated", Source: SourceAuto, CreatedBy: "attempt-escalation", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "bl_pg1", merged.ID)
	assert.Equal(t, SeverityHigh, merged.Severity)
	assert.WithinDuration(t, later, *merged.ExpiresAt, time.Millisecond)
	assert.Equal(t, SourceManual, merged.Source)
	assert.Equal(t, "proxy range", merged.Reason)
	assert.Equal(t, "adm_1", merged.CreatedBy)

	hit, err := store.Lookup(ctx, TypeIP, "203.0.113.9", now)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, int64(1), hit.HitCount)

	miss, err := store.Lookup(ctx, TypeIP, "203.0.113.9", later)
	require.NoError(t, err)
	assert.Nil(t, miss)

	n, err := store.SweepExpired(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Deactivate(ctx, "bl_pg1", now))
	assert.ErrorIs(t, store.Deactivate(ctx, "bl_nope", now), ErrNotFound)
	_, err = store.Get(ctx, "bl_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ConcurrentHits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := store.Add(ctx, &Entry{ID: "bl_c", Type: TypeDevice, Value: "dev", Severity: SeverityLow,
		Source: SourceManual, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = store.Lookup(ctx, TypeDevice, "dev", now)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "bl_c")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.HitCount)

	list, err := store.List(ctx, Filter{Type: TypeDevice, ActiveOnly: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
