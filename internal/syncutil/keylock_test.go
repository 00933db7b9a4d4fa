package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	l := NewKeyLock()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "device:abc")
			if !assert.NoError(t, err) {
				return
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	l := NewKeyLockShards(1)
	unlock, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "b") // single shard, so "b" contends with "a"
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLock_ReleaseAllowsReacquire(t *testing.T) {
	l := NewKeyLockShards(0)
	for i := 0; i < 3; i++ {
		unlock, err := l.Lock(context.Background(), "k")
		require.NoError(t, err)
		unlock()
	}
}
