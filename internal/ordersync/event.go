package ordersync

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xenking/order-engine/internal/domain/order"
)

// EventKind tells where a change came from.
type EventKind string

const (
	// EventLocal is an optimistic local mutation.
	EventLocal EventKind = "local"
	// EventConfirmed is the stored record replacing an optimistic snapshot.
	EventConfirmed EventKind = "confirmed"
	// EventRemote is a change delivered by the push feed or a load.
	EventRemote EventKind = "remote"
	// EventRollback restores the pre-mutation snapshot after a failed write.
	EventRollback EventKind = "rollback"
)

// Event describes one accepted change to the local view.
type Event struct {
	Kind  EventKind
	Order order.Order
	// Removed is set when the order left the local view; Order holds its
	// last known state.
	Removed bool
	// Err is set for EventRollback.
	Err *RollbackError
}

type subscription struct {
	id     uint64
	match  func(order.Order) bool
	fn     func(Event)
	active atomic.Bool
}

// Subscribe registers fn for every change whose order matches pred; a nil
// pred matches everything. Callbacks run on a single delivery goroutine in
// the order changes were accepted. The returned function unsubscribes and
// may be called any number of times.
func (c *Client) Subscribe(pred func(order.Order) bool, fn func(Event)) (unsubscribe func()) {
	s := &subscription{match: pred, fn: fn}
	s.active.Store(true)

	c.mu.Lock()
	c.nextSub++
	s.id = c.nextSub
	c.subs[s.id] = s
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			c.mu.Lock()
			delete(c.subs, s.id)
			c.mu.Unlock()
		})
	}
}

// publishLocked queues ev for delivery. c.mu must be held.
func (c *Client) publishLocked(ev Event) {
	c.queue = append(c.queue, ev)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) deliver() {
	defer close(c.stopped)
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		subs := make([]*subscription, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		slices.SortFunc(subs, func(a, b *subscription) int {
			return cmp.Compare(a.id, b.id)
		})

		for _, ev := range batch {
			for _, s := range subs {
				c.dispatch(s, ev)
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-c.wake:
		case <-c.done:
			c.mu.Lock()
			empty := len(c.queue) == 0
			c.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (c *Client) dispatch(s *subscription, ev Event) {
	if !s.active.Load() {
		return
	}
	if s.match != nil && !s.match(ev.Order) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.lg.Error("Subscriber panic",
				zap.Any("panic", r),
				zap.String("order_id", ev.Order.ID),
				zap.String("kind", string(ev.Kind)),
			)
		}
	}()
	s.fn(ev)
}
