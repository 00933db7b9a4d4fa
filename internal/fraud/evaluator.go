package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/badoux/checkmail"

	"github.com/mbd888/fraudguard/internal/blacklist"
	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/geo"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/rules"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/velocity"
)

// Dependency names, also used as circuit breaker keys.
const (
	depRules     = "rules"
	depBlacklist = "blacklist"
	depVelocity  = "velocity"
	depGeo       = "geo"
)

// DefaultTimeout bounds one evaluation.
const DefaultTimeout = 50 * time.Millisecond

// RuleSource yields the active rules.
type RuleSource interface {
	Active(ctx context.Context) ([]*rules.Rule, error)
}

// TriggerCounter records that a rule fired.
type TriggerCounter interface {
	IncrementTriggerCount(ctx context.Context, id string) error
}

// BlacklistLookup matches one identifier, counting the hit.
type BlacklistLookup interface {
	Lookup(ctx context.Context, t blacklist.Type, value string) (*blacklist.Entry, error)
}

// VelocityCounter counts one event and returns the window's count.
type VelocityCounter interface {
	CheckAndIncrement(ctx context.Context, s velocity.Subject, limit int64) (velocity.Result, error)
}

// FailMode says what a rule does when its dependency is unavailable.
type FailMode string

const (
	FailOpen   FailMode = "open"   // skip the rule
	FailClosed FailMode = "closed" // mark indeterminate and degrade the verdict
)

// FailPolicy maps rule types to fail modes. Types without an override fail
// closed when the rule's action is block and open otherwise.
type FailPolicy struct {
	overrides map[rules.Type]FailMode
}

// NewFailPolicy builds a policy from configured type lists.
func NewFailPolicy(closed, open []string) (FailPolicy, error) {
	p := FailPolicy{overrides: make(map[rules.Type]FailMode)}
	for _, list := range []struct {
		types []string
		mode  FailMode
	}{{closed, FailClosed}, {open, FailOpen}} {
		for _, t := range list.types {
			rt := rules.Type(t)
			if !rt.Valid() {
				return FailPolicy{}, fmt.Errorf("fraud: unknown rule type %q in fail policy", t)
			}
			if existing, ok := p.overrides[rt]; ok && existing != list.mode {
				return FailPolicy{}, fmt.Errorf("fraud: rule type %q is both fail-open and fail-closed", t)
			}
			p.overrides[rt] = list.mode
		}
	}
	return p, nil
}

// ModeFor returns the fail mode for r.
func (p FailPolicy) ModeFor(r *rules.Rule) FailMode {
	if m, ok := p.overrides[r.Type]; ok {
		return m
	}
	if r.Action == rules.ActionBlock {
		return FailClosed
	}
	return FailOpen
}

// EvaluatorConfig holds the tunables of an Evaluator.
type EvaluatorConfig struct {
	Timeout    time.Duration
	Thresholds Thresholds
	Status     StatusPolicy
	FailPolicy FailPolicy
}

// DefaultEvaluatorConfig returns the documented defaults.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		Timeout:    DefaultTimeout,
		Thresholds: DefaultThresholds(),
		Status:     DefaultStatusPolicy(),
	}
}

// Evaluator scores transactions. It is safe for concurrent use; all
// per-call state lives in an evaluation value.
type Evaluator struct {
	rules     RuleSource
	triggers  TriggerCounter
	blacklist BlacklistLookup
	velocity  VelocityCounter
	geo       geo.Resolver
	breaker   *circuitbreaker.Breaker
	cfg       EvaluatorConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(rs RuleSource, triggers TriggerCounter, bl BlacklistLookup, vel VelocityCounter, cfg EvaluatorConfig, logger *slog.Logger) *Evaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	return &Evaluator{
		rules:     rs,
		triggers:  triggers,
		blacklist: bl,
		velocity:  vel,
		breaker:   circuitbreaker.New(5, 10*time.Second),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithGeo enables IP country resolution when the caller sends none.
func (e *Evaluator) WithGeo(r geo.Resolver) *Evaluator {
	e.geo = r
	return e
}

// WithBreaker replaces the dependency circuit breaker.
func (e *Evaluator) WithBreaker(b *circuitbreaker.Breaker) *Evaluator {
	e.breaker = b
	return e
}

// WithClock replaces the time source. Used by tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate scores tx. The returned error is always a *ValidationError.
func (e *Evaluator) Evaluate(ctx context.Context, tx TransactionContext) (*Score, error) {
	start := time.Now()
	now := e.now()
	tx = tx.normalized(now)
	if err := tx.Validate(); err != nil {
		evaluationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "fraud.Evaluate", traces.OrderID(tx.OrderID))
	defer span.End()

	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	ev := &evaluation{
		e:        e,
		tx:       tx,
		velocity: make(map[string]velocityMemo),
		lookups:  make(map[lookupKey]lookupMemo),
		hitByID:  make(map[string]bool),
		score: &Score{
			ID:             idgen.WithPrefix(idgen.PrefixScore),
			OrderID:        tx.OrderID,
			UserID:         tx.UserID,
			TriggeredRules: []string{},
			Breakdown:      []BreakdownEntry{},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
	ev.resolveIPCountry(evalCtx)
	ev.score.Analysis = ev.analysis()

	active, err := guarded(evalCtx, e.breaker, depRules, e.rules.Active, nil)
	if err != nil {
		e.logger.Warn("active rules unavailable, degrading verdict", "order_id", tx.OrderID, "error", err)
		ev.degrade("active rules unavailable")
	}
	ordered := make([]*rules.Rule, 0, len(active))
	for _, r := range active {
		if r.IsActive {
			ordered = append(ordered, r)
		}
	}
	rules.SortForEvaluation(ordered)

	for _, r := range ordered {
		ev.apply(evalCtx, r)
	}
	ev.score.Analysis.RulesEvaluated = len(ordered)
	ev.verdict.apply(ev.score, e.cfg.Thresholds, e.cfg.Status)

	s := ev.score
	span.SetAttributes(traces.ScoreID(s.ID), traces.TotalScore(s.TotalScore),
		traces.RiskLevel(string(s.RiskLevel)), traces.Action(string(s.Action)))
	outcome := "ok"
	if s.Degraded {
		outcome = "degraded"
	}
	evaluationsTotal.WithLabelValues(outcome).Inc()
	evaluationDuration.Observe(time.Since(start).Seconds())
	verdictsTotal.WithLabelValues(string(s.Action), string(s.RiskLevel)).Inc()
	return s, nil
}

// CountTriggers bumps stored trigger counts. The store does the increment
// atomically; a failure only costs the statistic.
func (e *Evaluator) CountTriggers(ctx context.Context, ids []string) {
	if e.triggers == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := e.triggers.IncrementTriggerCount(ctx, id); err != nil {
			e.logger.Warn("increment rule trigger count failed", "rule_id", id, "error", err)
		}
	}
}

type velocityMemo struct {
	count int64
	err   error
}

type lookupKey struct {
	t     blacklist.Type
	value string
}

type lookupMemo struct {
	entry *blacklist.Entry
	err   error
}

// evaluation is the state of one Evaluate call. Dependency results are
// memoized so a subject or identifier shared by several rules is counted
// and looked up exactly once.
type evaluation struct {
	e        *Evaluator
	tx       TransactionContext
	score    *Score
	verdict  verdict
	velocity map[string]velocityMemo
	lookups  map[lookupKey]lookupMemo
	hitByID  map[string]bool

	ipCountrySource string
}

type hit struct {
	triggered bool
	points    int
	detail    string
}

func (ev *evaluation) resolveIPCountry(ctx context.Context) {
	switch {
	case ev.tx.IPCountry != "":
		ev.ipCountrySource = "request"
	case ev.e.geo != nil && ev.tx.IP != "":
		cc, err := guarded(ctx, ev.e.breaker, depGeo, func(ctx context.Context) (string, error) {
			return ev.e.geo.Country(ctx, ev.tx.IP)
		}, nil)
		if err != nil {
			ev.e.logger.Debug("geoip lookup failed", "error", err)
			return
		}
		if cc != "" {
			ev.tx.IPCountry = strings.ToUpper(cc)
			ev.ipCountrySource = "geoip"
		}
	}
}

func (ev *evaluation) analysis() Analysis {
	a := Analysis{
		Amount:           ev.tx.Amount,
		Currency:         ev.tx.Currency,
		IPCountry:        ev.tx.IPCountry,
		IPCountrySource:  ev.ipCountrySource,
		BillingCountry:   ev.tx.BillingCountry,
		ShippingCountry:  ev.tx.ShippingCountry,
		KnownDevice:      ev.tx.KnownDevice,
		RecentOrderCount: ev.tx.RecentOrderCount,
		RecentCardCount:  ev.tx.RecentCardCount,
	}
	if ev.tx.AccountAge != nil {
		h := ev.tx.AccountAge.Hours()
		a.AccountAgeHours = &h
	}
	return a
}

func (ev *evaluation) degrade(reason string) {
	ev.verdict.degraded = true
	ev.score.DegradedReasons = append(ev.score.DegradedReasons, reason)
}

// apply evaluates one rule and folds its outcome into the verdict.
func (ev *evaluation) apply(ctx context.Context, r *rules.Rule) {
	h, err := ev.safeEvaluate(ctx, r)
	entry := BreakdownEntry{RuleID: r.ID, RuleName: r.Name, RuleType: r.Type, Action: r.Action}

	switch {
	case err == nil && h.triggered:
		entry.Outcome = OutcomeTriggered
		entry.Points = h.points
		entry.Detail = h.detail
		ev.verdict.add(h.points, r.Action)
		ev.score.TriggeredRules = append(ev.score.TriggeredRules, r.ID)
	case err == nil:
		ruleOutcomes.WithLabelValues(string(r.Type), "clear").Inc()
		return
	case errors.Is(err, ErrDependencyUnavailable) && ev.e.cfg.FailPolicy.ModeFor(r) == FailOpen:
		entry.Outcome = OutcomeSkipped
		entry.Detail = err.Error()
		ev.e.logger.Warn("rule skipped, dependency unavailable",
			"rule_id", r.ID, "rule_type", r.Type, "order_id", ev.tx.OrderID, "error", err)
	default:
		entry.Outcome = OutcomeIndeterminate
		entry.Detail = err.Error()
		ev.degrade(fmt.Sprintf("rule %s: %v", r.ID, err))
		ev.e.logger.Warn("rule indeterminate, verdict degraded",
			"rule_id", r.ID, "rule_type", r.Type, "order_id", ev.tx.OrderID, "error", err)
	}
	ruleOutcomes.WithLabelValues(string(r.Type), string(entry.Outcome)).Inc()
	ev.score.Breakdown = append(ev.score.Breakdown, entry)
}

// safeEvaluate turns a panicking predicate into an error.
func (ev *evaluation) safeEvaluate(ctx context.Context, r *rules.Rule) (h hit, err error) {
	defer func() {
		if p := recover(); p != nil {
			ev.e.logger.Error("panic in rule evaluation", "rule_id", r.ID, "panic", fmt.Sprint(p))
			h, err = hit{}, fmt.Errorf("rule panicked: %v", p)
		}
	}()
	return ev.evaluateRule(ctx, r)
}

func (ev *evaluation) evaluateRule(ctx context.Context, r *rules.Rule) (hit, error) {
	tx := &ev.tx
	switch c := r.Conditions.(type) {
	case rules.VelocityCheck:
		return ev.velocityCheck(ctx, r, c)

	case rules.AmountThreshold:
		if c.Contains(tx.Amount, tx.Currency) {
			return hit{true, r.RiskScore, fmt.Sprintf("amount %s %s within threshold", tx.Amount.String(), tx.Currency)}, nil
		}

	case rules.LocationMismatch:
		var diffs []string
		if c.BillingVsShipping && differ(tx.BillingCountry, tx.ShippingCountry) {
			diffs = append(diffs, "billing "+tx.BillingCountry+" vs shipping "+tx.ShippingCountry)
		}
		if c.IPVsBilling && differ(tx.IPCountry, tx.BillingCountry) {
			diffs = append(diffs, "ip "+tx.IPCountry+" vs billing "+tx.BillingCountry)
		}
		if c.IPVsShipping && differ(tx.IPCountry, tx.ShippingCountry) {
			diffs = append(diffs, "ip "+tx.IPCountry+" vs shipping "+tx.ShippingCountry)
		}
		if len(diffs) > 0 {
			return hit{true, r.RiskScore, strings.Join(diffs, "; ")}, nil
		}

	case rules.DeviceFingerprint:
		if c.RequireFingerprint && tx.DeviceFingerprint == "" {
			return hit{true, r.RiskScore, "missing device fingerprint"}, nil
		}
		if c.FlagNewDevice && tx.DeviceFingerprint != "" && !tx.KnownDevice {
			return hit{true, r.RiskScore, "unrecognised device"}, nil
		}

	case rules.BehavioralPattern:
		if tx.RecentOrderCount < c.MinRecentOrders {
			break
		}
		if c.MaxAccountAgeHours > 0 {
			if tx.AccountAge == nil || *tx.AccountAge >= time.Duration(c.MaxAccountAgeHours)*time.Hour {
				break
			}
		}
		return hit{true, r.RiskScore, fmt.Sprintf("%d recent orders", tx.RecentOrderCount)}, nil

	case rules.BlacklistMatch:
		return ev.blacklistMatch(ctx, c)

	case rules.HighRiskCountry:
		return ev.highRiskCountry(ctx, r, c)

	case rules.SuspiciousEmail:
		if reason := suspiciousEmail(c, tx.Email); reason != "" {
			return hit{true, r.RiskScore, reason}, nil
		}

	case rules.MultipleCards:
		if tx.RecentCardCount > c.MaxCards {
			return hit{true, r.RiskScore, fmt.Sprintf("%d cards used recently, max %d", tx.RecentCardCount, c.MaxCards)}, nil
		}

	case rules.UnusualTime:
		loc, err := c.Location()
		if err != nil {
			return hit{}, fmt.Errorf("timezone %q: %w", c.Timezone, err)
		}
		hour := tx.OccurredAt.In(loc).Hour()
		if c.Covers(hour) {
			return hit{true, r.RiskScore, fmt.Sprintf("hour %02d in %s", hour, loc)}, nil
		}

	default:
		return hit{}, fmt.Errorf("no evaluator for conditions %T", r.Conditions)
	}
	return hit{}, nil
}

func (ev *evaluation) velocityCheck(ctx context.Context, r *rules.Rule, c rules.VelocityCheck) (hit, error) {
	id := ev.tx.identifier(c.IdentifierType)
	if id == "" {
		return hit{}, nil
	}
	action := c.Action
	if action == "" {
		action = ev.tx.VelocityAction
	}
	subj := velocity.Subject{Identifier: id, IdentifierType: c.IdentifierType, Action: action, Size: c.Window()}
	key := fmt.Sprintf("%s:%s:%ds", c.IdentifierType, action, c.WindowSeconds)

	memo, ok := ev.velocity[key]
	if !ok {
		res, err := guarded(ctx, ev.e.breaker, depVelocity, func(ctx context.Context) (velocity.Result, error) {
			return ev.e.velocity.CheckAndIncrement(ctx, subj, c.Limit)
		}, isCallerError)
		memo = velocityMemo{count: res.Count, err: err}
		ev.velocity[key] = memo
		if err == nil {
			if ev.score.Analysis.VelocityCounts == nil {
				ev.score.Analysis.VelocityCounts = make(map[string]int64)
			}
			ev.score.Analysis.VelocityCounts[key] = res.Count
		}
	}
	if memo.err != nil {
		return hit{}, memo.err
	}
	if memo.count > c.Limit {
		return hit{true, r.RiskScore, fmt.Sprintf("%d %s events by %s in %ds, limit %d",
			memo.count, action, c.IdentifierType, c.WindowSeconds, c.Limit)}, nil
	}
	return hit{}, nil
}

// lookup is a memoized, guarded blacklist lookup.
func (ev *evaluation) lookup(ctx context.Context, t blacklist.Type, value string) (*blacklist.Entry, error) {
	k := lookupKey{t, value}
	if m, ok := ev.lookups[k]; ok {
		return m.entry, m.err
	}
	entry, err := guarded(ctx, ev.e.breaker, depBlacklist, func(ctx context.Context) (*blacklist.Entry, error) {
		return ev.e.blacklist.Lookup(ctx, t, value)
	}, nil)
	ev.lookups[k] = lookupMemo{entry, err}
	if entry != nil && !ev.hitByID[entry.ID] {
		ev.hitByID[entry.ID] = true
		ev.score.Analysis.BlacklistHits = append(ev.score.Analysis.BlacklistHits,
			BlacklistHit{Type: string(entry.Type), EntryID: entry.ID, Severity: string(entry.Severity)})
	}
	return entry, err
}

// blacklistMatch contributes the points of the most severe match. Lookup
// failures only surface when nothing matched.
func (ev *evaluation) blacklistMatch(ctx context.Context, c rules.BlacklistMatch) (hit, error) {
	var (
		best     *blacklist.Entry
		firstErr error
	)
	for _, cand := range ev.tx.blacklistCandidates(c.Types) {
		entry, err := ev.lookup(ctx, cand.t, cand.value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if entry != nil && (best == nil || entry.Severity.Rank() > best.Severity.Rank()) {
			best = entry
		}
	}
	if best != nil {
		return hit{true, best.Severity.Points(), fmt.Sprintf("%s blacklisted (%s)", best.Type, best.Severity)}, nil
	}
	return hit{}, firstErr
}

func (ev *evaluation) highRiskCountry(ctx context.Context, r *rules.Rule, c rules.HighRiskCountry) (hit, error) {
	var firstErr error
	seen := make(map[string]bool)
	for _, field := range c.CheckedFields() {
		cc := ev.tx.country(field)
		if cc == "" {
			continue
		}
		if c.Listed(cc) {
			return hit{true, r.RiskScore, fmt.Sprintf("%s country %s is high risk", field, cc)}, nil
		}
		if !c.UseBlacklist || seen[cc] {
			continue
		}
		seen[cc] = true
		entry, err := ev.lookup(ctx, blacklist.TypeCountry, cc)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if entry != nil {
			return hit{true, r.RiskScore, fmt.Sprintf("%s country %s is blacklisted", field, cc)}, nil
		}
	}
	return hit{}, firstErr
}

func suspiciousEmail(c rules.SuspiciousEmail, email string) string {
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	local, domain := email, ""
	if at >= 0 {
		local, domain = email[:at], strings.ToLower(email[at+1:])
	}
	for _, d := range c.Domains {
		d = strings.ToLower(strings.TrimPrefix(d, "@"))
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return "email domain " + domain + " is listed"
		}
	}
	if c.RequireValidFormat {
		if err := checkmail.ValidateFormat(email); err != nil {
			return "malformed email address"
		}
	}
	if c.MaxLocalDigits > 0 {
		digits := 0
		for _, ch := range local {
			if ch >= '0' && ch <= '9' {
				digits++
			}
		}
		if digits > c.MaxLocalDigits {
			return fmt.Sprintf("email local part has %d digits", digits)
		}
	}
	return ""
}

func differ(a, b string) bool {
	return a != "" && b != "" && a != b
}

// identifier returns the transaction value a velocity rule counts by.
func (tx *TransactionContext) identifier(kind string) string {
	switch kind {
	case "ip":
		return tx.IP
	case "device":
		return tx.DeviceFingerprint
	case "user_id":
		return tx.UserID
	case "email":
		return strings.ToLower(tx.Email)
	case "card_hash":
		return tx.CardHash
	case "phone":
		return tx.Phone
	}
	return ""
}

func (tx *TransactionContext) country(field string) string {
	switch field {
	case "ip":
		return tx.IPCountry
	case "billing":
		return tx.BillingCountry
	case "shipping":
		return tx.ShippingCountry
	}
	return ""
}

type candidate struct {
	t     blacklist.Type
	value string
}

// defaultBlacklistTypes are checked when a blacklist_match rule names no
// types. Countries are left to high_risk_country rules.
var defaultBlacklistTypes = []blacklist.Type{
	blacklist.TypeIP, blacklist.TypeEmail, blacklist.TypeCardHash, blacklist.TypeDevice,
	blacklist.TypePhone, blacklist.TypeAddressHash, blacklist.TypeUserID,
}

func (tx *TransactionContext) blacklistCandidates(types []blacklist.Type) []candidate {
	if len(types) == 0 {
		types = defaultBlacklistTypes
	}
	var out []candidate
	add := func(t blacklist.Type, values ...string) {
		for _, v := range values {
			if v == "" {
				continue
			}
			dup := false
			for _, c := range out {
				if c.t == t && c.value == v {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, candidate{t, v})
			}
		}
	}
	for _, t := range types {
		switch t {
		case blacklist.TypeIP:
			add(t, tx.IP)
		case blacklist.TypeEmail:
			add(t, tx.Email)
		case blacklist.TypeCardHash:
			add(t, tx.CardHash)
		case blacklist.TypeDevice:
			add(t, tx.DeviceFingerprint)
		case blacklist.TypePhone:
			add(t, tx.Phone)
		case blacklist.TypeAddressHash:
			add(t, tx.BillingAddressHash, tx.ShippingAddressHash)
		case blacklist.TypeUserID:
			add(t, tx.UserID)
		case blacklist.TypeCountry:
			add(t, tx.IPCountry, tx.BillingCountry, tx.ShippingCountry)
		}
	}
	return out
}

func isCallerError(err error) bool {
	return errors.Is(err, velocity.ErrInvalidSubject)
}

// guarded calls fn for dependency dep through the breaker and enforces the
// deadline in ctx even when fn ignores it. Every failure, including a
// panic inside fn, comes back wrapped in ErrDependencyUnavailable.
func guarded[T any](ctx context.Context, b *circuitbreaker.Breaker, dep string, fn func(context.Context) (T, error), ignore func(error) bool) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, dependencyError(dep, err)
	}

	type result struct {
		v   T
		err error
	}
	var out T
	err := b.Do(dep, func() error {
		ch := make(chan result, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					ch <- result{err: fmt.Errorf("panic: %v", p)}
				}
			}()
			v, err := fn(ctx)
			ch <- result{v: v, err: err}
		}()
		select {
		case r := <-ch:
			out = r.v
			return r.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}, ignore)
	if err != nil {
		return zero, dependencyError(dep, err)
	}
	return out, nil
}

func dependencyError(dep string, err error) error {
	dependencyFailures.WithLabelValues(dep).Inc()
	return fmt.Errorf("%w: %s: %v", ErrDependencyUnavailable, dep, err)
}
