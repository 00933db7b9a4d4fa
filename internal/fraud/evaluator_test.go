package fraud

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/blacklist"
	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/geo"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/rules"
	"github.com/mbd888/fraudguard/internal/velocity"
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

// harness wires an evaluator to the real in-memory backends.
type harness struct {
	clk       *testClock
	ruleStore *rules.MemoryStore
	blacklist *blacklist.Service
	velocity  *velocity.Service
	cfg       EvaluatorConfig
}

func newHarness(t *testing.T, rs ...*rules.Rule) *harness {
	t.Helper()
	clk := &testClock{t: t0}
	h := &harness{
		clk:       clk,
		ruleStore: rules.NewMemoryStore(),
		blacklist: blacklist.NewService(blacklist.NewMemoryStore(), logging.Discard()).WithClock(clk.Now),
		velocity:  velocity.NewService(velocity.NewMemoryTracker().WithClock(clk.Now), logging.Discard()).WithClock(clk.Now),
		cfg:       DefaultEvaluatorConfig(),
	}
	h.cfg.Timeout = time.Second
	for _, r := range rs {
		require.NoError(t, h.ruleStore.Create(context.Background(), r))
	}
	return h
}

func (h *harness) evaluator() *Evaluator {
	cache := rules.NewCache(h.ruleStore, time.Minute, logging.Discard()).WithClock(h.clk.Now)
	return NewEvaluator(cache, h.ruleStore, h.blacklist, h.velocity, h.cfg, logging.Discard()).
		WithClock(h.clk.Now)
}

func rule(id string, priority, points int, action rules.Action, cond rules.Condition) *rules.Rule {
	return &rules.Rule{
		ID:         id,
		Name:       id,
		Type:       cond.RuleType(),
		Conditions: cond,
		RiskScore:  points,
		Action:     action,
		IsActive:   true,
		Priority:   priority,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

func baseTx() TransactionContext {
	return TransactionContext{
		OrderID:           "ord_1",
		UserID:            "u_1",
		Amount:            decimal.RequireFromString("120.00"),
		Currency:          "usd",
		IP:                "203.0.113.9",
		DeviceFingerprint: "dev_1",
		Email:             "jane@example.com",
		BillingCountry:    "us",
		ShippingCountry:   "us",
	}
}

func deviceVelocity(limit int64) rules.VelocityCheck {
	return rules.VelocityCheck{IdentifierType: "device", Action: "checkout", WindowSeconds: 60, Limit: limit}
}

// fakeVelocity is a controllable VelocityCounter.
type fakeVelocity struct {
	calls atomic.Int64
	count int64
	err   error
	panic bool
	delay time.Duration
}

func (f *fakeVelocity) CheckAndIncrement(ctx context.Context, _ velocity.Subject, limit int64) (velocity.Result, error) {
	f.calls.Add(1)
	if f.panic {
		panic("counter exploded")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return velocity.Result{}, f.err
	}
	return velocity.Result{Count: f.count, Exceeded: f.count > limit}, nil
}

type failingRules struct{}

func (failingRules) Active(context.Context) ([]*rules.Rule, error) {
	return nil, errors.New("rules store down")
}

func TestEvaluate_BlacklistAndVelocityIsCriticalBlock(t *testing.T) {
	h := newHarness(t,
		rule("r_blacklist", 100, 0, rules.ActionBlock, rules.BlacklistMatch{}),
		rule("r_velocity", 50, 25, rules.ActionReview, deviceVelocity(5)),
	)
	ctx := context.Background()
	_, err := h.blacklist.Add(ctx, blacklist.AddRequest{Type: blacklist.TypeIP, Value: "203.0.113.9", Severity: blacklist.SeverityHigh})
	require.NoError(t, err)
	subj := velocity.Subject{Identifier: "dev_1", IdentifierType: "device", Action: "checkout", Size: time.Minute}
	for i := 0; i < 5; i++ {
		_, err := h.velocity.CheckAndIncrement(ctx, subj, 5)
		require.NoError(t, err)
	}

	s, err := h.evaluator().Evaluate(ctx, baseTx())
	require.NoError(t, err)

	assert.True(t, idgen.Valid(s.ID, idgen.PrefixScore))
	assert.Equal(t, 95, s.TotalScore)
	assert.Equal(t, RiskCritical, s.RiskLevel)
	assert.Equal(t, rules.ActionBlock, s.Action)
	assert.Equal(t, StatusPending, s.Status)
	assert.Equal(t, []string{"r_blacklist", "r_velocity"}, s.TriggeredRules)
	assert.False(t, s.Degraded)
	require.Len(t, s.Breakdown, 2)
	assert.Equal(t, 70, s.Breakdown[0].Points)
	assert.Equal(t, 25, s.Breakdown[1].Points)
	assert.Equal(t, int64(6), s.Analysis.VelocityCounts["device:checkout:60s"])
	require.Len(t, s.Analysis.BlacklistHits, 1)
	assert.Equal(t, "ip", s.Analysis.BlacklistHits[0].Type)
	assert.Equal(t, 2, s.Analysis.RulesEvaluated)
	assert.Equal(t, "USD", s.Analysis.Currency)
}

func TestEvaluate_SingleFlagRuleIsLowPending(t *testing.T) {
	h := newHarness(t, rule("r_cards", 10, 10, rules.ActionFlag, rules.MultipleCards{MaxCards: 2}))
	tx := baseTx()
	tx.RecentCardCount = 3

	s, err := h.evaluator().Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 10, s.TotalScore)
	assert.Equal(t, RiskLow, s.RiskLevel)
	assert.Equal(t, rules.ActionFlag, s.Action)
	assert.Equal(t, StatusPending, s.Status)
}

func TestEvaluate_CleanTransactionAutoApproved(t *testing.T) {
	h := newHarness(t, rule("r_cards", 10, 10, rules.ActionFlag, rules.MultipleCards{MaxCards: 2}))

	s, err := h.evaluator().Evaluate(context.Background(), baseTx())
	require.NoError(t, err)
	assert.Equal(t, 0, s.TotalScore)
	assert.Equal(t, RiskLow, s.RiskLevel)
	assert.Equal(t, rules.ActionNone, s.Action)
	assert.Equal(t, StatusApproved, s.Status)
	assert.Empty(t, s.TriggeredRules)
	assert.Empty(t, s.Breakdown, "clear rules leave no breakdown entry")
	assert.Equal(t, 1, s.Analysis.RulesEvaluated)
}

func TestEvaluate_BlockDominatesAndScoreClamps(t *testing.T) {
	h := newHarness(t,
		rule("r_a", 30, 60, rules.ActionReview, rules.MultipleCards{MaxCards: 1}),
		rule("r_b", 20, 60, rules.ActionFlag, rules.LocationMismatch{BillingVsShipping: true}),
		rule("r_c", 10, 5, rules.ActionBlock, rules.DeviceFingerprint{FlagNewDevice: true}),
	)
	tx := baseTx()
	tx.RecentCardCount = 4
	tx.ShippingCountry = "CA"

	s, err := h.evaluator().Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 100, s.TotalScore)
	assert.Equal(t, rules.ActionBlock, s.Action)
	assert.Equal(t, RiskCritical, s.RiskLevel)
}

func TestEvaluate_Deterministic(t *testing.T) {
	rs := []*rules.Rule{
		rule("r_b", 10, 15, rules.ActionFlag, rules.MultipleCards{MaxCards: 1}),
		rule("r_a", 10, 20, rules.ActionReview, rules.LocationMismatch{BillingVsShipping: true}),
		rule("r_c", 90, 30, rules.ActionFlag, rules.DeviceFingerprint{FlagNewDevice: true}),
	}
	h := newHarness(t, rs...)
	ev := h.evaluator()
	tx := baseTx()
	tx.RecentCardCount = 2
	tx.ShippingCountry = "GB"

	first, err := ev.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := ev.Evaluate(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, first.TotalScore, again.TotalScore)
		assert.Equal(t, first.Action, again.Action)
		assert.Equal(t, first.TriggeredRules, again.TriggeredRules)
	}
	assert.Equal(t, []string{"r_c", "r_a", "r_b"}, first.TriggeredRules, "priority desc then id asc")
}

func TestEvaluate_SharedVelocitySubjectCountedOnce(t *testing.T) {
	h := newHarness(t,
		rule("r_v1", 20, 10, rules.ActionFlag, deviceVelocity(3)),
		rule("r_v2", 10, 20, rules.ActionReview, deviceVelocity(10)),
	)
	ctx := context.Background()
	_, err := h.evaluator().Evaluate(ctx, baseTx())
	require.NoError(t, err)

	windows, err := h.velocity.Stats(ctx, "dev_1", "device")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(1), windows[0].Count)
}

func TestEvaluate_VelocityRuleWithoutIdentifierIsClear(t *testing.T) {
	vel := &fakeVelocity{count: 100}
	h := newHarness(t, rule("r_v", 10, 30, rules.ActionBlock, deviceVelocity(1)))
	cache := rules.NewCache(h.ruleStore, time.Minute, logging.Discard()).WithClock(h.clk.Now)
	ev := NewEvaluator(cache, nil, h.blacklist, vel, h.cfg, logging.Discard()).WithClock(h.clk.Now)

	tx := baseTx()
	tx.DeviceFingerprint = ""
	s, err := ev.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Zero(t, s.TotalScore)
	assert.Zero(t, vel.calls.Load())
}

func TestEvaluate_DependencyFailureByFailMode(t *testing.T) {
	tests := []struct {
		name         string
		action       rules.Action
		policy       func() (FailPolicy, error)
		wantOutcome  Outcome
		wantDegraded bool
		wantAction   rules.Action
		wantStatus   Status
	}{
		{
			name:         "block rule fails closed",
			action:       rules.ActionBlock,
			policy:       func() (FailPolicy, error) { return FailPolicy{}, nil },
			wantOutcome:  OutcomeIndeterminate,
			wantDegraded: true,
			wantAction:   rules.ActionReview,
			wantStatus:   StatusUnderReview,
		},
		{
			name:        "flag rule fails open",
			action:      rules.ActionFlag,
			policy:      func() (FailPolicy, error) { return FailPolicy{}, nil },
			wantOutcome: OutcomeSkipped,
			wantAction:  rules.ActionNone,
			wantStatus:  StatusApproved,
		},
		{
			name:   "override forces closed",
			action: rules.ActionFlag,
			policy: func() (FailPolicy, error) {
				return NewFailPolicy([]string{"velocity_check"}, nil)
			},
			wantOutcome:  OutcomeIndeterminate,
			wantDegraded: true,
			wantAction:   rules.ActionReview,
			wantStatus:   StatusUnderReview,
		},
		{
			name:   "override forces open",
			action: rules.ActionBlock,
			policy: func() (FailPolicy, error) {
				return NewFailPolicy(nil, []string{"velocity_check"})
			},
			wantOutcome: OutcomeSkipped,
			wantAction:  rules.ActionNone,
			wantStatus:  StatusApproved,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, rule("r_v", 10, 30, tt.action, deviceVelocity(1)))
			policy, err := tt.policy()
			require.NoError(t, err)
			h.cfg.FailPolicy = policy
			cache := rules.NewCache(h.ruleStore, time.Minute, logging.Discard()).WithClock(h.clk.Now)
			ev := NewEvaluator(cache, nil, h.blacklist, &fakeVelocity{err: errors.New("redis down")}, h.cfg, logging.Discard()).
				WithClock(h.clk.Now)

			s, err := ev.Evaluate(context.Background(), baseTx())
			require.NoError(t, err)
			require.Len(t, s.Breakdown, 1)
			assert.Equal(t, tt.wantOutcome, s.Breakdown[0].Outcome)
			assert.Zero(t, s.Breakdown[0].Points)
			assert.Contains(t, s.Breakdown[0].Detail, "redis down")
			assert.Equal(t, tt.wantDegraded, s.Degraded)
			assert.Equal(t, tt.wantAction, s.Action)
			assert.Equal(t, tt.wantStatus, s.Status)
			assert.Zero(t, s.TotalScore)
			if tt.wantDegraded {
				require.Len(t, s.DegradedReasons, 1)
				assert.Contains(t, s.DegradedReasons[0], "rule r_v")
			}
		})
	}
}

func TestNewFailPolicy_Rejects(t *testing.T) {
	_, err := NewFailPolicy([]string{"nope"}, nil)
	assert.Error(t, err)
	_, err = NewFailPolicy([]string{"velocity_check"}, []string{"velocity_check"})
	assert.Error(t, err)

	p, err := NewFailPolicy([]string{"velocity_check", "velocity_check"}, []string{"unusual_time"})
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p.ModeFor(&rules.Rule{Type: rules.TypeVelocityCheck, Action: rules.ActionFlag}))
	assert.Equal(t, FailOpen, p.ModeFor(&rules.Rule{Type: rules.TypeUnusualTime, Action: rules.ActionBlock}))
	assert.Equal(t, FailClosed, p.ModeFor(&rules.Rule{Type: rules.TypeBlacklistMatch, Action: rules.ActionBlock}))
	assert.Equal(t, FailOpen, p.ModeFor(&rules.Rule{Type: rules.TypeBlacklistMatch, Action: rules.ActionReview}))
}

func TestEvaluate_SlowDependencyHitsDeadline(t *testing.T) {
	h := newHarness(t,
		rule("r_v", 20, 30, rules.ActionBlock, deviceVelocity(1)),
		rule("r_cards", 10, 10, rules.ActionFlag, rules.MultipleCards{MaxCards: 1}),
	)
	h.cfg.Timeout = 30 * time.Millisecond
	cache := rules.NewCache(h.ruleStore, time.Minute, logging.Discard()).WithClock(h.clk.Now)
	// Warm the cache so only the velocity call can be slow.
	_, err := cache.Active(context.Background())
	require.NoError(t, err)
	ev := NewEvaluator(cache, nil, h.blacklist, &fakeVelocity{count: 1, delay: 500 * time.Millisecond}, h.cfg, logging.Discard()).
		WithClock(h.clk.Now)
	tx := baseTx()
	tx.RecentCardCount = 5

	start := time.Now()
	s, err := ev.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.True(t, s.Degraded)
	assert.Equal(t, OutcomeIndeterminate, s.Breakdown[0].Outcome)
	assert.Equal(t, rules.ActionReview, s.Action)
}

func TestEvaluate_PanickingDependencyDegrades(t *testing.T) {
	h := newHarness(t, rule("r_v", 10, 30, rules.ActionBlock, deviceVelocity(1)))
	cache := rules.NewCache(h.ruleStore, time.Minute, logging.Discard()).WithClock(h.clk.Now)
	ev := NewEvaluator(cache, nil, h.blacklist, &fakeVelocity{panic: true}, h.cfg, logging.Discard()).
		WithClock(h.clk.Now)

	s, err := ev.Evaluate(context.Background(), baseTx())
	require.NoError(t, err)
	assert.True(t, s.Degraded)
	assert.Contains(t, s.Breakdown[0].Detail, "counter exploded")
}

func TestEvaluate_RuleSourceFailureDegrades(t *testing.T) {
	h := newHarness(t)
	ev := NewEvaluator(failingRules{}, nil, h.blacklist, h.velocity, h.cfg, logging.Discard()).WithClock(h.clk.Now)

	s, err := ev.Evaluate(context.Background(), baseTx())
	require.NoError(t, err)
	assert.True(t, s.Degraded)
	assert.Equal(t, []string{"active rules unavailable"}, s.DegradedReasons)
	assert.Equal(t, rules.ActionReview, s.Action)
	assert.Equal(t, StatusUnderReview, s.Status)
	assert.Zero(t, s.Analysis.RulesEvaluated)
}

func TestEvaluate_OpenBreakerSkipsDependency(t *testing.T) {
	h := newHarness(t, rule("r_v", 10, 30, rules.ActionFlag, deviceVelocity(1)))
	vel := &fakeVelocity{err: errors.New("timeout")}
	breaker := circuitbreaker.New(2, time.Minute)
	cache := rules.NewCache(h.ruleStore, time.Minute, logging.Discard()).WithClock(h.clk.Now)
	ev := NewEvaluator(cache, nil, h.blacklist, vel, h.cfg, logging.Discard()).
		WithBreaker(breaker).
		WithClock(h.clk.Now)

	for i := 0; i < 3; i++ {
		s, err := ev.Evaluate(context.Background(), baseTx())
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, s.Breakdown[0].Outcome)
	}
	assert.Equal(t, int64(2), vel.calls.Load(), "third call short-circuited")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(depVelocity))
}

func TestEvaluate_ValidationError(t *testing.T) {
	h := newHarness(t)
	tx := baseTx()
	tx.OrderID = ""
	tx.IP = "not-an-ip"
	tx.Amount = decimal.NewFromInt(-1)

	s, err := h.evaluator().Evaluate(context.Background(), tx)
	assert.Nil(t, s)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)
}

func TestService_IncrementsTriggerCount(t *testing.T) {
	h := newHarness(t,
		rule("r_cards", 10, 10, rules.ActionFlag, rules.MultipleCards{MaxCards: 1}),
		rule("r_loc", 5, 10, rules.ActionFlag, rules.LocationMismatch{BillingVsShipping: true}),
	)
	tx := baseTx()
	tx.RecentCardCount = 2
	ctx := context.Background()

	svc := NewService(h.evaluator(), NewMemoryStore(), logging.Discard())
	for i := 0; i < 2; i++ {
		_, err := svc.Evaluate(ctx, tx)
		require.NoError(t, err)
	}
	r, err := h.ruleStore.Get(ctx, "r_cards")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.TriggerCount)
	r, err = h.ruleStore.Get(ctx, "r_loc")
	require.NoError(t, err)
	assert.Zero(t, r.TriggerCount)
}

func TestEvaluate_InactiveRuleIgnored(t *testing.T) {
	r := rule("r_cards", 10, 10, rules.ActionFlag, rules.MultipleCards{MaxCards: 1})
	r.IsActive = false
	h := newHarness(t, r)
	tx := baseTx()
	tx.RecentCardCount = 5

	s, err := h.evaluator().Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Zero(t, s.TotalScore)
	assert.Zero(t, s.Analysis.RulesEvaluated)
}

func TestEvaluate_GeoFallbackFeedsCountryRules(t *testing.T) {
	h := newHarness(t,
		rule("r_country", 10, 40, rules.ActionReview, rules.HighRiskCountry{Countries: []string{"KP"}, Fields: []string{"ip"}}),
		rule("r_loc", 5, 15, rules.ActionFlag, rules.LocationMismatch{IPVsBilling: true}),
	)
	resolver, err := geo.NewStaticResolver(map[string]string{"203.0.113.0/24": "kp"})
	require.NoError(t, err)
	ev := h.evaluator().WithGeo(resolver)

	s, err := ev.Evaluate(context.Background(), baseTx())
	require.NoError(t, err)
	assert.Equal(t, "KP", s.Analysis.IPCountry)
	assert.Equal(t, "geoip", s.Analysis.IPCountrySource)
	assert.Equal(t, 55, s.TotalScore)
	assert.Equal(t, RiskHigh, s.RiskLevel)

	tx := baseTx()
	tx.IPCountry = "us"
	s, err = ev.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "request", s.Analysis.IPCountrySource)
	assert.Zero(t, s.TotalScore)
}

func TestEvaluate_CountryBlacklist(t *testing.T) {
	h := newHarness(t, rule("r_country", 10, 40, rules.ActionReview, rules.HighRiskCountry{UseBlacklist: true}))
	_, err := h.blacklist.Add(context.Background(), blacklist.AddRequest{Type: blacklist.TypeCountry, Value: "NG", Severity: blacklist.SeverityMedium})
	require.NoError(t, err)
	tx := baseTx()
	tx.ShippingCountry = "ng"

	s, err := h.evaluator().Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 40, s.TotalScore)
	assert.Contains(t, s.Breakdown[0].Detail, "NG")
}

func TestEvaluate_ExpiredBlacklistEntryNeverMatches(t *testing.T) {
	h := newHarness(t, rule("r_blacklist", 10, 0, rules.ActionBlock, rules.BlacklistMatch{}))
	expires := t0.Add(time.Hour)
	_, err := h.blacklist.Add(context.Background(), blacklist.AddRequest{
		Type: blacklist.TypeDevice, Value: "dev_1", Severity: blacklist.SeverityHigh, ExpiresAt: &expires,
	})
	require.NoError(t, err)
	ev := h.evaluator()

	s, err := ev.Evaluate(context.Background(), baseTx())
	require.NoError(t, err)
	assert.Equal(t, 70, s.TotalScore)

	h.clk.Advance(2 * time.Hour)
	s, err = ev.Evaluate(context.Background(), baseTx())
	require.NoError(t, err)
	assert.Zero(t, s.TotalScore)
	assert.Empty(t, s.Analysis.BlacklistHits)
}

func TestEvaluate_BlacklistUsesMostSevereMatch(t *testing.T) {
	h := newHarness(t, rule("r_blacklist", 10, 0, rules.ActionBlock, rules.BlacklistMatch{}))
	ctx := context.Background()
	_, err := h.blacklist.Add(ctx, blacklist.AddRequest{Type: blacklist.TypeEmail, Value: "jane@example.com", Severity: blacklist.SeverityLow})
	require.NoError(t, err)
	_, err = h.blacklist.Add(ctx, blacklist.AddRequest{Type: blacklist.TypeUserID, Value: "u_1", Severity: blacklist.SeverityPermanent})
	require.NoError(t, err)

	s, err := h.evaluator().Evaluate(ctx, baseTx())
	require.NoError(t, err)
	assert.Equal(t, 100, s.TotalScore)
	assert.Len(t, s.Analysis.BlacklistHits, 2)
}

func TestEvaluate_SuspiciousEmail(t *testing.T) {
	h := newHarness(t, rule("r_email", 10, 20, rules.ActionFlag, rules.SuspiciousEmail{
		Domains: []string{"mailinator.com"}, RequireValidFormat: true, MaxLocalDigits: 4,
	}))
	ev := h.evaluator()
	tests := []struct {
		email string
		want  int
	}{
		{"jane@example.com", 0},
		{"", 0},
		{"x@MAILINATOR.com", 20},
		{"x@eu.mailinator.com", 20},
		{"not-an-email", 20},
		{"jane123456@example.com", 20},
	}
	for _, tt := range tests {
		tx := baseTx()
		tx.Email = tt.email
		s, err := ev.Evaluate(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, tt.want, s.TotalScore, tt.email)
	}
}

func TestEvaluate_UnusualTime(t *testing.T) {
	h := newHarness(t, rule("r_night", 10, 15, rules.ActionFlag, rules.UnusualTime{StartHour: 22, EndHour: 6}))
	ev := h.evaluator()

	tx := baseTx()
	tx.OccurredAt = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	s, err := ev.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 15, s.TotalScore)

	// Defaults to the evaluation clock, which is noon.
	s, err = ev.Evaluate(context.Background(), baseTx())
	require.NoError(t, err)
	assert.Zero(t, s.TotalScore)
}

func TestEvaluate_BehavioralPattern(t *testing.T) {
	h := newHarness(t, rule("r_new_acct", 10, 25, rules.ActionReview, rules.BehavioralPattern{MaxAccountAgeHours: 24, MinRecentOrders: 3}))
	ev := h.evaluator()
	young := 2 * time.Hour
	old := 72 * time.Hour

	tests := []struct {
		name   string
		age    *time.Duration
		orders int
		want   int
	}{
		{"young and busy", &young, 3, 25},
		{"young and quiet", &young, 2, 0},
		{"old and busy", &old, 10, 0},
		{"unknown age", nil, 10, 0},
	}
	for _, tt := range tests {
		tx := baseTx()
		tx.AccountAge = tt.age
		tx.RecentOrderCount = tt.orders
		s, err := ev.Evaluate(context.Background(), tx)
		require.NoError(t, err)
		assert.Equal(t, tt.want, s.TotalScore, tt.name)
	}
}

func TestEvaluate_AmountThreshold(t *testing.T) {
	lo := decimal.RequireFromString("100")
	h := newHarness(t, rule("r_amount", 10, 20, rules.ActionReview, rules.AmountThreshold{Min: &lo, Currency: "USD"}))
	ev := h.evaluator()

	s, err := ev.Evaluate(context.Background(), baseTx())
	require.NoError(t, err)
	assert.Equal(t, 20, s.TotalScore)

	tx := baseTx()
	tx.Currency = "EUR"
	s, err = ev.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Zero(t, s.TotalScore)
}

func TestEvaluate_DeviceFingerprint(t *testing.T) {
	h := newHarness(t, rule("r_device", 10, 15, rules.ActionFlag, rules.DeviceFingerprint{RequireFingerprint: true, FlagNewDevice: true}))
	ev := h.evaluator()

	tx := baseTx()
	tx.KnownDevice = true
	s, err := ev.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Zero(t, s.TotalScore)

	tx.DeviceFingerprint = ""
	s, err = ev.Evaluate(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 15, s.TotalScore)
	assert.Equal(t, "missing device fingerprint", s.Breakdown[0].Detail)
}

func TestEvaluate_ConcurrentCallsAreIndependent(t *testing.T) {
	h := newHarness(t, rule("r_cards", 10, 10, rules.ActionFlag, rules.MultipleCards{MaxCards: 1}))
	ev := h.evaluator()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := baseTx()
			tx.RecentCardCount = i % 3
			s, err := ev.Evaluate(context.Background(), tx)
			if !assert.NoError(t, err) {
				return
			}
			if i%3 > 1 {
				assert.Equal(t, 10, s.TotalScore)
			} else {
				assert.Zero(t, s.TotalScore)
			}
		}(i)
	}
	wg.Wait()
}
