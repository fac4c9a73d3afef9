package amqp

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/order-engine/internal/domain/notify"
	"github.com/xenking/order-engine/internal/wire"
)

// --- Mock implementations ---

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type mockChannel struct {
	sent   []published
	err    error
	closed bool
}

func (c *mockChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *mockChannel) IsClosed() bool { return c.closed }

func (c *mockChannel) Close() error {
	c.closed = true
	return nil
}

// --- Tests ---

func TestSink_Send(t *testing.T) {
	ch := &mockChannel{}
	s := NewSinkWithChannel(ch, "order-notifications")

	in := notify.Intent{
		Key:      "order:o1:created",
		Event:    notify.EventCreated,
		Title:    "New order",
		Metadata: map[string]string{"order_id": "o1"},
	}
	require.NoError(t, s.Send(context.Background(), in))

	require.Len(t, ch.sent, 1)
	p := ch.sent[0]
	assert.Equal(t, "order-notifications", p.exchange)
	assert.Equal(t, "order.created", p.key)
	assert.Equal(t, "order:o1:created", p.msg.MessageId)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)

	out, err := wire.UnmarshalIntent(p.msg.Body)
	require.NoError(t, err)
	assert.Equal(t, in.Key, out.Key)
	assert.Equal(t, in.Metadata, out.Metadata)
}

func TestSink_SendError(t *testing.T) {
	ch := &mockChannel{err: errors.New("channel closed")}
	s := NewSinkWithChannel(ch, "x")

	require.ErrorIs(t, s.Send(context.Background(), notify.Intent{}), ch.err)
}

func TestSink_AliveAndClose(t *testing.T) {
	ch := &mockChannel{}
	s := NewSinkWithChannel(ch, "x")
	assert.True(t, s.IsAlive())

	require.NoError(t, s.Close())
	assert.False(t, s.IsAlive())
	require.NoError(t, s.Close())
}
