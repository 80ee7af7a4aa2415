package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys published on the ledger exchange.
const (
	RoutingLedgerEntry   = "ledger.entry.created"
	RoutingTaskSucceeded = "video_task.succeeded"
	RoutingTaskFailed    = "video_task.failed"
)

// Publisher is the interface implemented by types that can publish events.
// Publishing happens after commit and is best effort: callers log failures
// and never roll back ledger state because of them.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close()
}

// ─────────────────────────────────────────────
// Fallback publisher
// ─────────────────────────────────────────────

// Fallback is a no-op publisher used when RabbitMQ is not configured.
type Fallback struct {
	log *zap.Logger
}

// NewFallback returns a publisher that only logs at debug level.
func NewFallback(log *zap.Logger) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{log: log.Named("events")}
}

func (p *Fallback) Publish(_ context.Context, routingKey string, _ any) error {
	p.log.Debug("publish skipped", zap.String("routing_key", routingKey))
	return nil
}

func (p *Fallback) Close() {}

// ─────────────────────────────────────────────
// RabbitMQ publisher
// ─────────────────────────────────────────────

// AMQPPublisher publishes JSON events to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	log      *zap.Logger
}

// SanitizeURL trims quoting noise and validates the AMQP scheme.
func SanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPPublisher dials RabbitMQ and declares the exchange.
func NewAMQPPublisher(amqpURL, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	cleanURL, err := SanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		log:      log.Named("events"),
	}, nil
}

// Publish marshals body as JSON and publishes it with the routing key.
// A failed publish reopens the channel once and retries.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
		if err == nil {
			return nil
		}
	} else {
		err = amqp091.ErrClosed
	}

	p.log.Warn("publish failed; reopening channel",
		zap.String("routing_key", routingKey), zap.Error(err))

	if p.channel != nil {
		_ = p.channel.Close()
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		p.channel = nil
		return chErr
	}
	p.channel = ch
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close gracefully closes the channel and connection.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// ─────────────────────────────────────────────
// Async publisher
// ─────────────────────────────────────────────

var (
	// ErrQueueFull is returned when the async buffer cannot take more events.
	ErrQueueFull = errors.New("event queue full")
	// ErrClosed is returned for publishes after Close.
	ErrClosed = errors.New("publisher closed")
)

type message struct {
	routingKey string
	body       any
}

// Async moves publishing off the caller's path. Events are buffered and
// handed to the inner publisher by a single worker; a full buffer drops the
// event instead of blocking the request.
type Async struct {
	inner   Publisher
	queue   chan message
	timeout time.Duration
	log     *zap.Logger
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the worker. timeout bounds each inner publish.
func NewAsync(inner Publisher, size int, timeout time.Duration, log *zap.Logger) *Async {
	if log == nil {
		log = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	a := &Async{
		inner:   inner,
		queue:   make(chan message, size),
		timeout: timeout,
		log:     log.Named("events"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for m := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.inner.Publish(ctx, m.routingKey, m.body); err != nil {
			a.log.Warn("publish event failed", zap.String("routing_key", m.routingKey), zap.Error(err))
		}
		cancel()
	}
}

// Publish enqueues the event. body must not be mutated afterwards.
func (a *Async) Publish(_ context.Context, routingKey string, body any) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- message{routingKey: routingKey, body: body}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close flushes buffered events and closes the inner publisher.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	a.inner.Close()
}
