package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ebooklib/pkg/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "ebooklib.loans"

// Publisher delivers loan activity events.
type Publisher interface {
	Publish(ctx context.Context, event domain.LoanEvent) error
	Close() error
}

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// DefaultRedialInterval spaces reconnect attempts after a failed dial.
const DefaultRedialInterval = 5 * time.Second

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// session is one broker connection and its channel. done is closed once the
// broker or the network ends either of them.
type session struct {
	ch    amqpChannel
	done  <-chan struct{}
	close func() error
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

type dialFunc func() (*session, error)

// AMQPPublisher publishes JSON events to a durable topic exchange.
// The routing key is the event type. A lost connection is redialed on the
// next Publish; failed dials are retried no sooner than redialEvery.
type AMQPPublisher struct {
	exchange    string
	dial        dialFunc
	redialEvery time.Duration
	now         func() time.Time

	mu         sync.Mutex
	sess       *session
	lastFailed time.Time
	shut       bool
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := newAMQPPublisher(exchange, amqpDialer(url, exchange), DefaultRedialInterval)
	sess, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.sess = sess
	return p, nil
}

func newAMQPPublisher(exchange string, dial dialFunc, redialEvery time.Duration) *AMQPPublisher {
	return &AMQPPublisher{exchange: exchange, dial: dial, redialEvery: redialEvery, now: time.Now}
}

func amqpDialer(url, exchange string) dialFunc {
	return func() (*session, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open amqp channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
		done := make(chan struct{})
		go func() {
			var reason *amqp.Error
			select {
			case reason = <-connClosed:
			case reason = <-chClosed:
			}
			if reason != nil {
				slog.Warn("amqp session lost", "exchange", exchange, "code", reason.Code, "reason", reason.Reason)
			}
			close(done)
		}()
		return &session{
			ch:    ch,
			done:  done,
			close: func() error { return errors.Join(ch.Close(), conn.Close()) },
		}, nil
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, event domain.LoanEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return ErrPublisherClosed
	}
	sess, err := p.session()
	if err != nil {
		return err
	}
	err = sess.ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg)
	if !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	// The close notification can trail the failed publish; retry once on a fresh session.
	p.drop()
	if sess, err = p.session(); err != nil {
		return err
	}
	return sess.ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg)
}

// session returns the live session, dialing a new one when it was lost.
// Caller holds mu.
func (p *AMQPPublisher) session() (*session, error) {
	if p.sess != nil && p.sess.alive() {
		return p.sess, nil
	}
	p.drop()
	if !p.lastFailed.IsZero() && p.now().Sub(p.lastFailed) < p.redialEvery {
		return nil, errors.New("amqp unavailable, waiting to redial")
	}
	sess, err := p.dial()
	if err != nil {
		p.lastFailed = p.now()
		return nil, err
	}
	p.lastFailed = time.Time{}
	p.sess = sess
	slog.Info("amqp session established", "exchange", p.exchange)
	return sess, nil
}

func (p *AMQPPublisher) drop() {
	if p.sess == nil {
		return
	}
	_ = p.sess.close()
	p.sess = nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shut = true
	if p.sess == nil {
		return nil
	}
	err := p.sess.close()
	p.sess = nil
	return err
}

// LogPublisher writes events to the structured log when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, event domain.LoanEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "loan_event",
		"event_id", event.ID,
		"type", event.Type,
		"user_id", event.UserID,
		"entity_id", event.EntityID,
		"meta", event.Meta,
	)
	return nil
}

func (LogPublisher) Close() error { return nil }
