// Package events publishes fraud decisions and review outcomes to
// downstream consumers. Publishing is best-effort: a failed publish is
// logged and counted, never surfaced to the request that caused it.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/metrics"
)

// Type names an event and doubles as its AMQP routing key.
type Type string

const (
	TypeScoreCreated       Type = "score.created"
	TypeScoreResolved      Type = "score.resolved"
	TypeBlacklistEscalated Type = "blacklist.escalated"
)

// Event is one published fact. Attributes carry flat routing fields
// (riskLevel, action, status) so consumers can filter without decoding Data.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Data       interface{}       `json:"data"`
}

// New creates an event with a fresh id.
func New(typ Type, occurredAt time.Time, attrs map[string]string, data interface{}) Event {
	return Event{
		ID:         idgen.WithPrefix(idgen.PrefixEvent),
		Type:       typ,
		OccurredAt: occurredAt,
		Attributes: attrs,
		Data:       data,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log-only publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Publish(_ context.Context, e Event) error {
	l.logger.Info("event", "id", e.ID, "type", e.Type, "attributes", e.Attributes)
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Async decouples publishing from the caller: Publish enqueues and returns
// immediately, a background loop delivers. When the queue is full the
// event is dropped and counted.
type Async struct {
	next    Publisher
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}
}

// NewAsync creates an async publisher with a queue of size buffer. Call Run
// in a goroutine.
func NewAsync(next Publisher, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Async{
		next:    next,
		queue:   make(chan Event, buffer),
		timeout: 5 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (a *Async) Publish(_ context.Context, e Event) error {
	select {
	case a.queue <- e:
		return nil
	default:
		metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "dropped").Inc()
		a.logger.Warn("event queue full, dropping event", "type", e.Type, "id", e.ID)
		return nil
	}
}

// Run delivers queued events until ctx is done, then drains what is left.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case e := <-a.queue:
			a.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-a.queue:
					a.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has drained and returned.
func (a *Async) Done() <-chan struct{} {
	return a.done
}

func (a *Async) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Publish(ctx, e); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "error").Inc()
		a.logger.Warn("event publish failed", "type", e.Type, "id", e.ID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "ok").Inc()
}
