package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/order-engine/internal/domain/order"
)

// Channel is the notification channel the orders trigger publishes to. The
// payload is the partner ID of the changed order.
const Channel = "orders_changed"

const defaultRetryDelay = time.Second

var _ order.Feed = (*Feed)(nil)

// Feed turns orders_changed notifications into full snapshots. Each
// subscription holds a dedicated connection while it listens.
type Feed struct {
	pool       *pgxpool.Pool
	orders     *OrderRepository
	lg         *zap.Logger
	retryDelay time.Duration
}

// NewFeed returns a Feed that listens on the given pool.
func NewFeed(pool *pgxpool.Pool, lg *zap.Logger) *Feed {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Feed{
		pool:       pool,
		orders:     NewOrderRepository(pool),
		lg:         lg,
		retryDelay: defaultRetryDelay,
	}
}

// Subscribe implements order.Feed. The initial snapshot is delivered before
// Subscribe returns; later snapshots are delivered from a single goroutine.
func (f *Feed) Subscribe(ctx context.Context, filter order.Filter, fn order.SnapshotFunc) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	l := &listener{feed: f, filter: filter, fn: fn, done: make(chan struct{})}
	if err := l.listen(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := l.deliver(ctx); err != nil {
		l.release()
		cancel()
		return nil, err
	}

	go l.run(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-l.done
		})
	}, nil
}

type listener struct {
	feed   *Feed
	filter order.Filter
	fn     order.SnapshotFunc
	conn   *pgxpool.Conn
	done   chan struct{}
}

func (l *listener) listen(ctx context.Context) error {
	conn, err := l.feed.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return fmt.Errorf("listening on %s: %w", Channel, err)
	}
	l.conn = conn
	return nil
}

func (l *listener) release() {
	if l.conn == nil {
		return
	}
	// The connection goes back to the pool, so drop the subscription first.
	_, _ = l.conn.Exec(context.Background(), "UNLISTEN "+Channel)
	l.conn.Release()
	l.conn = nil
}

func (l *listener) deliver(ctx context.Context) error {
	orders, err := l.feed.orders.list(ctx, l.filter)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	l.fn(orders)
	return nil
}

func (l *listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.release()

	lg := l.feed.lg.With(zap.String("partner_id", l.filter.PartnerID))
	for {
		err := l.wait(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		lg.Warn("Order feed interrupted", zap.Error(err))
		l.release()
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.feed.retryDelay):
		}
		if err := l.listen(ctx); err != nil {
			lg.Warn("Order feed reconnect failed", zap.Error(err))
			continue
		}
		// Changes may have been missed while disconnected.
		if err := l.deliver(ctx); err != nil {
			lg.Warn("Order feed resync failed", zap.Error(err))
		}
	}
}

// wait blocks for the next relevant notification and delivers a snapshot.
func (l *listener) wait(ctx context.Context) error {
	if l.conn == nil {
		if err := l.listen(ctx); err != nil {
			return err
		}
	}
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return errors.Wrap(err, "wait for notification")
	}
	if l.filter.PartnerID != "" && n.Payload != l.filter.PartnerID {
		return nil
	}
	return l.deliver(ctx)
}
