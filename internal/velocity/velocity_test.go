package velocity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/logging"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func deviceSubject(size time.Duration) Subject {
	return Subject{Identifier: "dev-1", IdentifierType: "device", Action: "checkout", Size: size}
}

// trackerCase builds a tracker wired to clk. Every backend must pass the
// same behavioural suite.
type trackerCase struct {
	name string
	new  func(t *testing.T, clk *testClock) Tracker
}

func trackerCases() []trackerCase {
	return []trackerCase{
		{"memory", func(_ *testing.T, clk *testClock) Tracker {
			return NewMemoryTracker().WithClock(clk.Now)
		}},
		{"redis", func(t *testing.T, clk *testClock) Tracker {
			mr := miniredis.RunT(t)
			// PEXPIREAT is evaluated against the server clock; pin it to
			// the test clock's origin so windows are not expired on write.
			mr.SetTime(clk.Now())
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisTracker(client, time.Hour).WithClock(clk.Now)
		}},
	}
}

func TestTracker_CountsWithinWindow(t *testing.T) {
	for _, tc := range trackerCases() {
		t.Run(tc.name, func(t *testing.T) {
			clk := &testClock{t: t0}
			tr := tc.new(t, clk)
			ctx := context.Background()

			var res Result
			var err error
			for i := 1; i <= 6; i++ {
				res, err = tr.CheckAndIncrement(ctx, deviceSubject(time.Minute), 5)
				require.NoError(t, err)
				assert.Equal(t, int64(i), res.Count)
				assert.Equal(t, i > 5, res.Exceeded, "count %d", i)
				clk.Advance(5 * time.Second)
			}
			assert.True(t, res.Window.Start.Equal(t0))
			assert.True(t, res.Window.End.Equal(t0.Add(time.Minute)))
		})
	}
}

func TestTracker_RolloverStartsAtOne(t *testing.T) {
	for _, tc := range trackerCases() {
		t.Run(tc.name, func(t *testing.T) {
			clk := &testClock{t: t0}
			tr := tc.new(t, clk)
			ctx := context.Background()

			for i := 0; i < 4; i++ {
				_, err := tr.CheckAndIncrement(ctx, deviceSubject(time.Minute), 10)
				require.NoError(t, err)
			}
			clk.Advance(time.Minute) // End is exclusive

			res, err := tr.CheckAndIncrement(ctx, deviceSubject(time.Minute), 10)
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Count)
			assert.True(t, res.Window.Start.Equal(t0.Add(time.Minute)))
		})
	}
}

func TestTracker_SubjectsAreIndependent(t *testing.T) {
	for _, tc := range trackerCases() {
		t.Run(tc.name, func(t *testing.T) {
			clk := &testClock{t: t0}
			tr := tc.new(t, clk)
			ctx := context.Background()

			_, _ = tr.CheckAndIncrement(ctx, deviceSubject(time.Minute), 10)
			_, _ = tr.CheckAndIncrement(ctx, deviceSubject(time.Minute), 10)

			// different window size over the same action has its own counter
			res, err := tr.CheckAndIncrement(ctx, deviceSubject(time.Hour), 10)
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Count)

			login := deviceSubject(time.Minute)
			login.Action = "login"
			res, err = tr.CheckAndIncrement(ctx, login, 10)
			require.NoError(t, err)
			assert.Equal(t, int64(1), res.Count)

			windows, err := tr.Stats(ctx, "dev-1", "device")
			require.NoError(t, err)
			require.Len(t, windows, 3)
			assert.Equal(t, "checkout", windows[0].Action)
			assert.Equal(t, int64(2), windows[0].Count)
			assert.Equal(t, time.Minute, windows[0].Size)
			assert.Equal(t, time.Hour, windows[1].Size)
			assert.Equal(t, "login", windows[2].Action)

			// expired windows drop out of stats
			clk.Advance(2 * time.Minute)
			windows, err = tr.Stats(ctx, "dev-1", "device")
			require.NoError(t, err)
			require.Len(t, windows, 1)
			assert.Equal(t, time.Hour, windows[0].Size)
		})
	}
}

func TestTracker_DefaultActionAndValidation(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	res, err := tr.CheckAndIncrement(ctx, Subject{Identifier: "1.2.3.4", IdentifierType: "ip", Size: time.Minute}, 1)
	require.NoError(t, err)
	assert.Equal(t, DefaultAction, res.Window.Action)

	_, err = tr.CheckAndIncrement(ctx, Subject{IdentifierType: "ip", Size: time.Minute}, 1)
	assert.ErrorIs(t, err, ErrInvalidSubject)
	_, err = tr.CheckAndIncrement(ctx, Subject{Identifier: "x", IdentifierType: "ip"}, 1)
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestTracker_ConcurrentIncrementsNotLost(t *testing.T) {
	for _, tc := range trackerCases() {
		t.Run(tc.name, func(t *testing.T) {
			clk := &testClock{t: t0}
			tr := tc.new(t, clk)
			ctx := context.Background()

			const workers, perWorker = 16, 50
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						if _, err := tr.CheckAndIncrement(ctx, deviceSubject(time.Hour), 1000); err != nil {
							t.Errorf("increment: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()

			windows, err := tr.Stats(ctx, "dev-1", "device")
			require.NoError(t, err)
			require.Len(t, windows, 1)
			assert.Equal(t, int64(workers*perWorker), windows[0].Count)
		})
	}
}

func TestMemoryTracker_PurgeOnlyRemovesEndedWindows(t *testing.T) {
	clk := &testClock{t: t0}
	tr := NewMemoryTracker().WithClock(clk.Now)
	ctx := context.Background()

	_, _ = tr.CheckAndIncrement(ctx, deviceSubject(time.Minute), 10)
	_, _ = tr.CheckAndIncrement(ctx, deviceSubject(48*time.Hour), 10)

	clk.Advance(25 * time.Hour)
	n, err := tr.Purge(ctx, clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := tr.CheckAndIncrement(ctx, deviceSubject(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count, "live window survives purge")

	res, err = tr.CheckAndIncrement(ctx, deviceSubject(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count)
}

func TestMemoryTracker_PurgeRacingIncrements(t *testing.T) {
	clk := &testClock{t: t0}
	tr := NewMemoryTracker().WithClock(clk.Now)
	ctx := context.Background()

	_, _ = tr.CheckAndIncrement(ctx, deviceSubject(time.Second), 1000)
	clk.Advance(time.Minute)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, _ = tr.CheckAndIncrement(ctx, deviceSubject(time.Second), 1000)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = tr.Purge(ctx, clk.Now())
		}
	}()
	wg.Wait()

	// the clock is frozen, so every post-advance increment lands in one
	// window that is never purgeable
	windows, err := tr.Stats(ctx, "dev-1", "device")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(n), windows[0].Count)
}

func TestRedisTracker_ExpiresWithRedisTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	now := time.Now()
	tr := NewRedisTracker(client, time.Hour).WithClock(func() time.Time { return now })
	_, err := tr.CheckAndIncrement(context.Background(), deviceSubject(time.Minute), 5)
	require.NoError(t, err)

	key := tr.windowKey(deviceSubject(time.Minute).withDefaults())
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	n, err := tr.Purge(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, tr.Ping(context.Background()))
}

func TestService_Instrumented(t *testing.T) {
	clk := &testClock{t: t0}
	svc := NewService(NewMemoryTracker().WithClock(clk.Now), logging.Discard()).WithClock(clk.Now)
	ctx := context.Background()

	_, err := svc.CheckAndIncrement(ctx, deviceSubject(time.Minute), 0)
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	n, err := svc.PurgeOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandler_Stats(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(NewMemoryTracker(), logging.Discard())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = svc.CheckAndIncrement(ctx, Subject{Identifier: "203.0.113.5", IdentifierType: "ip", Size: time.Minute}, 10)
	}

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/velocity/ip/203.0.113.5", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		CurrentCount int64 `json:"currentCount"`
		Windows      []struct {
			Action        string  `json:"action"`
			Count         int64   `json:"count"`
			WindowSeconds float64 `json:"windowSeconds"`
		} `json:"windows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.CurrentCount)
	require.Len(t, body.Windows, 1)
	assert.Equal(t, 60.0, body.Windows[0].WindowSeconds)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/velocity/ip/198.51.100.1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"windows":[]`)
}
