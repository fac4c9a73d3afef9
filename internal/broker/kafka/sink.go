// Package kafka publishes notification intents to a Kafka topic.
package kafka

import (
	"context"

	"github.com/go-faster/errors"
	skafka "github.com/segmentio/kafka-go"

	"github.com/xenking/order-engine/internal/domain/notify"
	"github.com/xenking/order-engine/internal/wire"
)

// Writer is the subset of kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

var _ notify.Sink = (*Sink)(nil)

// Sink writes every intent as one message keyed by the order ID, so the
// notifications of an order stay in one partition and in order.
type Sink struct {
	writer Writer
}

// NewSink creates a Sink writing to topic on the given brokers.
func NewSink(brokers []string, topic string) *Sink {
	return NewSinkWithWriter(&skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireAll,
	})
}

// NewSinkWithWriter creates a Sink on top of w.
func NewSinkWithWriter(w Writer) *Sink {
	return &Sink{writer: w}
}

// Send implements notify.Sink.
func (s *Sink) Send(ctx context.Context, in notify.Intent) error {
	msg := skafka.Message{
		Key:   []byte(in.Metadata["order_id"]),
		Value: wire.MarshalIntent(in),
		Headers: []skafka.Header{
			{Key: "event", Value: []byte(in.Event)},
			{Key: "idempotency-key", Value: []byte(in.Key)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "write kafka message")
	}
	return nil
}

// Close closes the underlying writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
