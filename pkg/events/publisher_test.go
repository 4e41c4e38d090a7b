package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ebooklib/pkg/domain"
)

func TestNewAMQPPublisherRejectsBadURL(t *testing.T) {
	if _, err := NewAMQPPublisher("", ""); err == nil {
		t.Fatalf("expected empty url to fail")
	}
	if _, err := NewAMQPPublisher("not-a-url", ""); err == nil {
		t.Fatalf("expected malformed url to fail")
	}
}

func TestLogPublisherWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	p := LogPublisher{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	err := p.Publish(context.Background(), domain.LoanEvent{
		ID:         "evt-1",
		Type:       domain.EventLoanCreated,
		UserID:     "u-1",
		EntityID:   "l-1",
		Meta:       map[string]any{"bookId": "b-1"},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["type"] != domain.EventLoanCreated || line["entity_id"] != "l-1" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

type fakeChannel struct {
	err       error
	published []string
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, exchange+"/"+key+"/"+msg.MessageId)
	return nil
}

type fakeBroker struct {
	dials    int
	dialErr  error
	channels []*fakeChannel
	done     []chan struct{}
}

func (b *fakeBroker) dial() (*session, error) {
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	ch := &fakeChannel{}
	done := make(chan struct{})
	b.channels = append(b.channels, ch)
	b.done = append(b.done, done)
	return &session{ch: ch, done: done, close: func() error { return nil }}, nil
}

func (b *fakeBroker) lose(i int) { close(b.done[i]) }

func testEvent(id string) domain.LoanEvent {
	return domain.LoanEvent{ID: id, Type: domain.EventLoanReturned, OccurredAt: time.Now().UTC()}
}

func TestAMQPPublisherRedialsAfterConnectionLoss(t *testing.T) {
	broker := &fakeBroker{}
	p := newAMQPPublisher(DefaultExchange, broker.dial, time.Minute)
	ctx := context.Background()

	if err := p.Publish(ctx, testEvent("e1")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	broker.lose(0)
	if err := p.Publish(ctx, testEvent("e2")); err != nil {
		t.Fatalf("publish after broker restart: %v", err)
	}
	if broker.dials != 2 {
		t.Fatalf("dials = %d, want 2", broker.dials)
	}
	if got := broker.channels[1].published; len(got) != 1 || got[0] != DefaultExchange+"/"+domain.EventLoanReturned+"/e2" {
		t.Fatalf("second session published %v", got)
	}
}

func TestAMQPPublisherRetriesOnceOnClosedChannel(t *testing.T) {
	broker := &fakeBroker{}
	p := newAMQPPublisher(DefaultExchange, broker.dial, time.Minute)
	ctx := context.Background()
	if err := p.Publish(ctx, testEvent("e1")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	broker.channels[0].err = amqp.ErrClosed

	if err := p.Publish(ctx, testEvent("e2")); err != nil {
		t.Fatalf("publish on closed channel should succeed after redial: %v", err)
	}
	if broker.dials != 2 || len(broker.channels[1].published) != 1 {
		t.Fatalf("dials = %d, published = %v", broker.dials, broker.channels[1].published)
	}
}

func TestAMQPPublisherThrottlesFailedRedials(t *testing.T) {
	broker := &fakeBroker{}
	p := newAMQPPublisher(DefaultExchange, broker.dial, time.Minute)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	if err := p.Publish(ctx, testEvent("e1")); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	broker.lose(0)
	broker.dialErr = errors.New("connection refused")
	if err := p.Publish(ctx, testEvent("e2")); err == nil {
		t.Fatalf("expected publish to fail while the broker is down")
	}
	if err := p.Publish(ctx, testEvent("e3")); err == nil {
		t.Fatalf("expected throttled publish to fail")
	}
	if broker.dials != 2 {
		t.Fatalf("dials = %d, want 2 while throttled", broker.dials)
	}

	broker.dialErr = nil
	now = now.Add(2 * time.Minute)
	if err := p.Publish(ctx, testEvent("e4")); err != nil {
		t.Fatalf("publish after the broker came back: %v", err)
	}
	if broker.dials != 3 {
		t.Fatalf("dials = %d, want 3", broker.dials)
	}
}

func TestAMQPPublisherRejectsPublishAfterClose(t *testing.T) {
	broker := &fakeBroker{}
	p := newAMQPPublisher(DefaultExchange, broker.dial, time.Minute)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Publish(context.Background(), testEvent("e1")); !errors.Is(err, ErrPublisherClosed) {
		t.Fatalf("expected ErrPublisherClosed, got %v", err)
	}
	if broker.dials != 0 {
		t.Fatalf("closed publisher dialed %d times", broker.dials)
	}
}
