//go:build integration

package rules

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/testutil"
)

func TestPostgresStore_RoundTripAndCounters(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, r := range DefaultRules() {
		r.CreatedAt, r.UpdatedAt = t0, t0
		require.NoError(t, store.Create(ctx, r))
	}
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultRules()), n)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, active)
	assert.Equal(t, "rule_blacklist_identifiers", active[0].ID)

	vc, err := store.Get(ctx, "rule_velocity_device_checkout")
	require.NoError(t, err)
	cond, ok := vc.Conditions.(VelocityCheck)
	require.True(t, ok)
	assert.Equal(t, int64(5), cond.Limit)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.IncrementTriggerCount(ctx, vc.ID)
		}()
	}
	wg.Wait()
	got, err := store.Get(ctx, vc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.TriggerCount)

	require.NoError(t, store.SetActive(ctx, vc.ID, false, t0))
	assert.ErrorIs(t, store.SetActive(ctx, "rule_nope", false, t0), ErrNotFound)

	byType, err := store.List(ctx, Filter{Type: TypeVelocityCheck, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, byType, 1)
}
