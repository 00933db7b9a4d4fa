package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/idgen"
	"github.com/mbd888/fraudguard/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	closed        bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestNew_AssignsEventID(t *testing.T) {
	e := New(TypeScoreCreated, time.Now(), nil, nil)
	assert.True(t, idgen.Valid(e.ID, idgen.PrefixEvent))
}

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("broker down")}
	c := &recorder{}

	err := Multi{a, b, c}.Publish(context.Background(), New(TypeScoreResolved, time.Now(), nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, c.len())
}

func TestAMQPPublisher_RoutesByType(t *testing.T) {
	ch := &fakeChannel{}
	p := NewAMQPPublisher(ch, "fraudguard.events", logging.Discard())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := New(TypeScoreCreated, at, map[string]string{"riskLevel": "high"}, map[string]interface{}{"orderId": "ord_1"})

	require.NoError(t, p.Publish(context.Background(), e))
	assert.Equal(t, "fraudguard.events", ch.exchange)
	assert.Equal(t, "score.created", ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, e.ID, ch.msg.MessageId)
	assert.Equal(t, "high", ch.msg.Headers["riskLevel"])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, "ord_1", decoded["data"].(map[string]interface{})["orderId"])

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestAsync_DeliversAndDrainsOnCancel(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 16, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Publish(context.Background(), New(TypeScoreCreated, time.Now(), nil, i)))
	}
	cancel()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("async publisher did not stop")
	}
	assert.Equal(t, 5, rec.len())
}

func TestAsync_DropsWhenFull(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 1, logging.Discard())

	// Not running, so the second publish finds the queue full.
	require.NoError(t, a.Publish(context.Background(), New(TypeScoreCreated, time.Now(), nil, nil)))
	require.NoError(t, a.Publish(context.Background(), New(TypeScoreCreated, time.Now(), nil, nil)))
	assert.Len(t, a.queue, 1)
}
