package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/docintake/constants"
	"github.com/joseph-ayodele/docintake/internal/queue"
)

type fakeRedis struct {
	channel string
	body    []byte
	ctxErr  error
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.body, _ = message.([]byte)
	f.ctxErr = ctx.Err()
	return redis.NewIntResult(1, f.err)
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	closed        bool
	err           error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func completedEvent() queue.Event {
	return queue.Event{
		Type:     queue.EventCompleted,
		JobID:    "job-1",
		State:    constants.JobCompleted,
		Progress: 100,
		Attempt:  1,
		At:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestEnvelopeShape(t *testing.T) {
	body, err := encode(completedEvent())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"source":   "docintake",
		"type":     "completed",
		"job_id":   "job-1",
		"state":    "completed",
		"progress": 100.0,
		"attempt":  1.0,
		"at":       "2026-03-01T09:00:00Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if _, ok := got["run_at"]; ok {
		t.Error("run_at should be omitted when unset")
	}
}

func TestRedisPublisher(t *testing.T) {
	f := &fakeRedis{}
	p := NewRedisPublisher(f, "", nil)

	// a cancelled job context must not prevent the final event
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.OnEvent(ctx, completedEvent())

	if f.channel != "docintake:jobs" {
		t.Fatalf("channel = %q", f.channel)
	}
	if f.ctxErr != nil {
		t.Fatalf("publish context already done: %v", f.ctxErr)
	}
	var env Envelope
	if err := json.Unmarshal(f.body, &env); err != nil || env.JobID != "job-1" || env.Source != "docintake" {
		t.Fatalf("body = %s (%v)", f.body, err)
	}

	// errors are logged, not propagated
	f.err = errors.New("connection refused")
	p.OnEvent(context.Background(), completedEvent())
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := newAMQPPublisher(ch, "docintake.events", "", nil)
	ev := completedEvent()
	p.OnEvent(context.Background(), ev)

	if ch.exchange != "docintake.events" || ch.key != "jobs.completed" {
		t.Fatalf("exchange/key = %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.ContentType != "application/json" || ch.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("publishing = %+v", ch.msg)
	}
	if ch.msg.MessageId != "job-1:completed" || !ch.msg.Timestamp.Equal(ev.At) {
		t.Fatalf("message id/timestamp = %s/%v", ch.msg.MessageId, ch.msg.Timestamp)
	}

	ev.Type = queue.EventRetrying
	p.OnEvent(context.Background(), ev)
	if ch.key != "jobs.retrying" {
		t.Fatalf("key = %s", ch.key)
	}

	if err := p.Close(); err != nil || !ch.closed {
		t.Fatalf("Close: %v closed=%v", err, ch.closed)
	}
}
