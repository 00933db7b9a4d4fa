package attempts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/blacklist"
	"github.com/mbd888/fraudguard/internal/events"
	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/syncutil"
	"github.com/mbd888/fraudguard/internal/traces"
)

// Blacklister is the part of the blacklist service escalation needs.
type Blacklister interface {
	Add(ctx context.Context, req blacklist.AddRequest) (*blacklist.Entry, error)
}

// EscalationConfig controls automatic blacklisting of repeat offenders.
// A zero Threshold disables escalation.
type EscalationConfig struct {
	Threshold int
	Window    time.Duration
	TTL       time.Duration
}

// Escalation is the payload of a blacklist.escalated event.
type Escalation struct {
	AttemptType Type             `json:"attemptType"`
	Origin      string           `json:"origin"`
	Count       int              `json:"count"`
	Entry       *blacklist.Entry `json:"entry"`
}

// Logger records attempts and escalates origins that repeat the same kind
// of attempt too often.
type Logger struct {
	store     Store
	blacklist Blacklister
	cfg       EscalationConfig
	locks     *syncutil.KeyLock
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewLogger creates an attempt logger.
func NewLogger(store Store, bl Blacklister, cfg EscalationConfig, logger *slog.Logger) *Logger {
	return &Logger{
		store:     store,
		blacklist: bl,
		cfg:       cfg,
		locks:     syncutil.NewKeyLock(),
		publisher: events.Discard{},
		logger:    logger,
		now:       time.Now,
	}
}

// WithPublisher sets where escalation events go.
func (l *Logger) WithPublisher(p events.Publisher) *Logger {
	l.publisher = p
	return l
}

// WithClock replaces the time source. Used by tests.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Record appends a and returns its id. Escalation runs afterwards and its
// failures are logged, never returned.
func (l *Logger) Record(ctx context.Context, a *Attempt) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	ctx, span := traces.StartSpan(ctx, "attempts.Record")
	defer span.End()

	rec := cloneAttempt(a)
	rec.ID = idgen.WithPrefix(idgen.PrefixAttempt)
	rec.CreatedAt = l.now()
	if err := l.store.Append(ctx, rec); err != nil {
		traces.Fail(span, err, "append failed")
		return "", fmt.Errorf("record attempt: %w", err)
	}
	attemptsRecorded.WithLabelValues(string(rec.Type)).Inc()

	if err := l.escalate(ctx, rec); err != nil {
		l.logger.Warn("attempt escalation failed", "attempt_id", rec.ID, "type", rec.Type, "error", err)
	}
	return rec.ID, nil
}

// escalate counts recent attempts from rec's origin and blacklists the
// origin once the count reaches the threshold. The keyed lock makes the
// count-then-add step atomic per origin.
func (l *Logger) escalate(ctx context.Context, rec *Attempt) error {
	if l.cfg.Threshold <= 0 || l.blacklist == nil {
		return nil
	}
	origin, ok := OriginOf(rec)
	if !ok {
		return nil
	}

	unlock, err := l.locks.Lock(ctx, string(rec.Type)+"\x1f"+origin.Field+"\x1f"+origin.Value)
	if err != nil {
		return err
	}
	defer unlock()

	now := l.now()
	count, err := l.store.CountSince(ctx, rec.Type, origin, now.Add(-l.cfg.Window))
	if err != nil {
		return fmt.Errorf("count attempts: %w", err)
	}
	if count < l.cfg.Threshold {
		return nil
	}

	blType := blacklist.TypeDevice
	if origin.Field == "ip" {
		blType = blacklist.TypeIP
	}
	expires := now.Add(l.cfg.TTL)
	entry, err := l.blacklist.Add(ctx, blacklist.AddRequest{
		Type:      blType,
		Value:     origin.Value,
		Reason:    fmt.Sprintf("%d %s attempts within %s", count, rec.Type, l.cfg.Window),
		Severity:  blacklist.SeverityHigh,
		ExpiresAt: &expires,
		Source:    blacklist.SourceAuto,
		CreatedBy: "attempt-escalation",
	})
	if err != nil {
		return fmt.Errorf("blacklist %s: %w", origin.Field, err)
	}
	attemptEscalations.WithLabelValues(origin.Field).Inc()
	l.logger.Info("origin auto-blacklisted",
		"attempt_type", rec.Type, "origin", origin.Field, "count", count, "entry_id", entry.ID)

	ev := events.New(events.TypeBlacklistEscalated, now,
		map[string]string{"blacklistType": string(blType), "attemptType": string(rec.Type)},
		Escalation{AttemptType: rec.Type, Origin: origin.Field, Count: count, Entry: entry})
	if err := l.publisher.Publish(ctx, ev); err != nil {
		l.logger.Warn("publish escalation event failed", "error", err)
	}
	return nil
}

// Get returns one attempt.
func (l *Logger) Get(ctx context.Context, id string) (*Attempt, error) {
	return l.store.Get(ctx, id)
}

// List returns attempts newest first.
func (l *Logger) List(ctx context.Context, filter Filter) ([]*Attempt, error) {
	return l.store.List(ctx, filter)
}
