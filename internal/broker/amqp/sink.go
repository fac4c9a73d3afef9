// Package amqp publishes notification intents to a RabbitMQ fanout exchange.
package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xenking/order-engine/internal/domain/notify"
	"github.com/xenking/order-engine/internal/wire"
)

// Channel is the subset of *amqp.Channel the sink publishes with.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

var _ notify.Sink = (*Sink)(nil)

// Sink publishes every intent as a persistent JSON message.
type Sink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       Channel
	exchange string
}

// Dial connects to the broker at url and declares a durable fanout
// exchange.
func Dial(url, exchange string) (*Sink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %q", exchange)
	}
	s := NewSinkWithChannel(ch, exchange)
	s.conn = conn
	return s, nil
}

// NewSinkWithChannel creates a Sink publishing through ch.
func NewSinkWithChannel(ch Channel, exchange string) *Sink {
	return &Sink{ch: ch, exchange: exchange}
}

// Send implements notify.Sink.
func (s *Sink) Send(ctx context.Context, in notify.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.ch.PublishWithContext(ctx, s.exchange, string(in.Event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    in.Key,
		Type:         string(in.Event),
		Body:         wire.MarshalIntent(in),
	})
	if err != nil {
		return fmt.Errorf("publishing to %q: %w", s.exchange, err)
	}
	return nil
}

// IsAlive reports whether the channel is open.
func (s *Sink) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.IsClosed() {
		return false
	}
	return !s.ch.IsClosed()
}

// Close closes the channel and the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ch.IsClosed() {
		if err := s.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
