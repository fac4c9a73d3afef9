// Package ordersync keeps a local view of orders consistent with a remote
// repository: mutations are applied optimistically, persisted in the
// background and rolled back on failure, while push-feed snapshots are
// reconciled without clobbering in-flight writes.
package ordersync

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/order"
)

var (
	// ErrClosed is returned by mutations issued after Close.
	ErrClosed = errors.New("order sync client closed")
	// ErrExists is returned when inserting an order that is already known.
	ErrExists = errors.New("order already exists")
)

// Notifier is told about every successfully persisted change. before is nil
// for a created order.
type Notifier interface {
	Notify(ctx context.Context, before *order.Order, after order.Order) error
}

// Option configures a Client.
type Option func(*options)

type options struct {
	lg       *zap.Logger
	notifier Notifier
	groups   charge.GroupSource
	now      func() time.Time
	meter    metric.MeterProvider
	tracer   trace.TracerProvider
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) { o.lg = lg }
}

// WithNotifier sets the notifier invoked after successful writes.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithGroups sets the source of table/QR group charge rules.
func WithGroups(g charge.GroupSource) Option {
	return func(o *options) { o.groups = g }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meter = mp }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// remote is a snapshot of one order received from upstream; removed marks an
// order missing from a full snapshot.
type remote struct {
	order   order.Order
	removed bool
}

// Client is the local view of orders.
type Client struct {
	repo     order.Repository
	groups   charge.GroupSource
	notifier Notifier
	lg       *zap.Logger
	now      func() time.Time
	metrics  *metrics
	tracer   trace.Tracer

	mu     sync.Mutex
	orders map[string]order.Order
	// lanes holds the ticket of the last mutation queued per order.
	lanes    map[string]chan struct{}
	inflight map[string]struct{}
	deferred map[string]remote
	// versions holds the newest repository version seen per order.
	versions map[string]int64
	subs     map[uint64]*subscription
	nextSub  uint64
	queue    []Event
	closed   bool

	lastSnapshot atomic.Int64
	writes       sync.WaitGroup
	wake         chan struct{}
	done         chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once
}

// New creates a Client on top of repo and starts its event delivery.
func New(repo order.Repository, opts ...Option) (*Client, error) {
	o := options{
		lg:     zap.NewNop(),
		now:    time.Now,
		meter:  metricnoop.NewMeterProvider(),
		tracer: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := newMetrics(o.meter)
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}

	c := &Client{
		repo:     repo,
		groups:   o.groups,
		notifier: o.notifier,
		lg:       o.lg,
		now:      o.now,
		metrics:  m,
		tracer:   o.tracer.Tracer(instrumentationName),
		orders:   make(map[string]order.Order),
		lanes:    make(map[string]chan struct{}),
		inflight: make(map[string]struct{}),
		deferred: make(map[string]remote),
		versions: make(map[string]int64),
		subs:     make(map[uint64]*subscription),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go c.deliver()
	return c, nil
}

// Close waits for in-flight writes, delivers pending events and stops the
// client. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.writes.Wait()
		close(c.done)
		<-c.stopped
	})
}

// Get returns a copy of the order with the given id.
func (c *Client) Get(id string) (order.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	if !ok {
		return order.Order{}, false
	}
	return o.Clone(), true
}

// List returns copies of the orders matching pred, oldest first.
func (c *Client) List(pred func(order.Order) bool) []order.Order {
	c.mu.Lock()
	out := make([]order.Order, 0, len(c.orders))
	for _, o := range c.orders {
		if pred == nil || pred(o) {
			out = append(out, o.Clone())
		}
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b order.Order) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Pending reports whether a write for the order is in flight.
func (c *Client) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// LastSnapshot returns when the last remote snapshot was received.
func (c *Client) LastSnapshot() time.Time {
	ns := c.lastSnapshot.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// enqueue appends a ticket to the order's lane and returns it together with
// the ticket of the previous mutation, if any. c.mu must be held.
func (c *Client) enqueue(id string) (ticket, prev chan struct{}) {
	ticket = make(chan struct{})
	prev = c.lanes[id]
	c.lanes[id] = ticket
	return ticket, prev
}

// release lets the next mutation of the order run.
func (c *Client) release(id string, ticket chan struct{}) {
	c.mu.Lock()
	if c.lanes[id] == ticket {
		delete(c.lanes, id)
	}
	c.mu.Unlock()
	close(ticket)
}

// Apply runs m against the current local state of the order. It waits for the
// previous mutation of the same order to resolve, publishes the new snapshot
// and persists it in the background. Validation errors are returned without
// touching local state. A mutation that changes nothing resolves immediately
// without a repository call.
func (c *Client) Apply(ctx context.Context, id string, m Mutation) (*Write, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ticket, prev := c.enqueue(id)
	c.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				c.release(id, ticket)
			}()
			return nil, ctx.Err()
		}
	}

	for {
		current, ok := c.Get(id)
		if !ok {
			c.release(id, ticket)
			return nil, errors.Wrap(order.ErrNotFound, id)
		}
		env, err := c.env(ctx, current, m)
		if err != nil {
			c.release(id, ticket)
			return nil, err
		}

		c.mu.Lock()
		base, ok := c.orders[id]
		if !ok {
			c.mu.Unlock()
			c.release(id, ticket)
			return nil, errors.Wrap(order.ErrNotFound, id)
		}
		if base.GroupID != current.GroupID {
			// Group changed remotely while resolving it.
			c.mu.Unlock()
			continue
		}
		if c.closed {
			c.mu.Unlock()
			c.release(id, ticket)
			return nil, ErrClosed
		}

		next, err := m.Edit(base.Clone(), env)
		if errors.Is(err, order.ErrNoChange) {
			c.mu.Unlock()
			c.release(id, ticket)
			return noopWrite(base.Clone()), nil
		}
		if err != nil {
			c.mu.Unlock()
			c.release(id, ticket)
			return nil, err
		}

		base = base.Clone()
		w := newWrite(next.Clone())
		c.orders[id] = next
		c.inflight[id] = struct{}{}
		c.publishLocked(Event{Kind: EventLocal, Order: next.Clone()})
		c.writes.Add(1)
		c.mu.Unlock()

		go c.persist(ctx, m, &base, next.Clone(), w, ticket)
		return w, nil
	}
}

func (c *Client) env(ctx context.Context, o order.Order, m Mutation) (Env, error) {
	env := Env{Now: c.now()}
	if o.GroupID != "" && c.groups != nil {
		g, err := c.groups.GetGroup(ctx, o.GroupID)
		switch {
		case errors.Is(err, charge.ErrGroupNotFound):
			c.lg.Warn("Order group is gone, keeping its charge",
				zap.String("order_id", o.ID),
				zap.String("group_id", o.GroupID),
			)
		case err != nil:
			return Env{}, errors.Wrapf(err, "get group %s", o.GroupID)
		default:
			env.Group = g
		}
	}
	if m.GroupID != nil && *m.GroupID != "" {
		if c.groups == nil {
			return Env{}, errors.Wrap(charge.ErrGroupNotFound, *m.GroupID)
		}
		g, err := c.groups.GetGroup(ctx, *m.GroupID)
		if err != nil {
			return Env{}, errors.Wrapf(err, "get group %s", *m.GroupID)
		}
		env.Target = g
	}
	return env, nil
}

// Insert adds a new order optimistically and creates it in the repository
// in the background. A failed create removes the order again.
func (c *Client) Insert(ctx context.Context, o order.Order) (*Write, error) {
	if o.ID == "" {
		return nil, errors.New("order id is required")
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.orders[o.ID]; ok {
		c.mu.Unlock()
		return nil, errors.Wrap(ErrExists, o.ID)
	}
	if _, ok := c.lanes[o.ID]; ok {
		c.mu.Unlock()
		return nil, errors.Wrap(ErrExists, o.ID)
	}
	ticket, _ := c.enqueue(o.ID)
	next := o.Clone()
	w := newWrite(next.Clone())
	c.orders[o.ID] = next
	c.inflight[o.ID] = struct{}{}
	c.publishLocked(Event{Kind: EventLocal, Order: next.Clone()})
	c.writes.Add(1)
	c.mu.Unlock()

	go c.persist(ctx, create, nil, next.Clone(), w, ticket)
	return w, nil
}

// Create inserts o and waits for the repository to store it.
func (c *Client) Create(ctx context.Context, o order.Order) (order.Order, error) {
	w, err := c.Insert(ctx, o)
	if err != nil {
		return order.Order{}, err
	}
	if err := w.Wait(ctx); err != nil {
		return order.Order{}, err
	}
	return w.Result(), nil
}

func (c *Client) persist(ctx context.Context, m Mutation, base *order.Order, next order.Order, w *Write, ticket chan struct{}) {
	defer c.writes.Done()

	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "ordersync."+m.Name,
		trace.WithAttributes(
			attribute.String("order.id", next.ID),
			attribute.String("order.mutation", m.Name),
		),
	)
	defer span.End()

	var before order.Order
	if base != nil {
		before = *base
	}
	stored, err := m.Persist(ctx, c.repo, before, next)
	c.metrics.write(ctx, m.Name, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rb := &RollbackError{OrderID: next.ID, Mutation: m.Name, Err: err}
		c.lg.Warn("Write failed, rolling back",
			zap.String("order_id", next.ID),
			zap.String("mutation", m.Name),
			zap.Error(err),
		)
		restored := c.rollback(base, next.ID, rb)
		c.release(next.ID, ticket)
		w.resolve(restored, rb)
		return
	}

	result := c.confirm(next, stored)
	if stored != nil {
		span.SetAttributes(attribute.Int64("order.version", stored.Version))
	}
	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, base, result); err != nil {
			c.lg.Warn("Notify failed",
				zap.String("order_id", next.ID),
				zap.String("mutation", m.Name),
				zap.Error(err),
			)
		}
	}
	c.release(next.ID, ticket)
	w.resolve(result, nil)
}

// rollback restores base (or removes a failed insert) and then applies the
// remote snapshot deferred while the write was in flight.
func (c *Client) rollback(base *order.Order, id string, rb *RollbackError) order.Order {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inflight, id)
	var restored order.Order
	if base == nil {
		removed := c.orders[id]
		delete(c.orders, id)
		c.publishLocked(Event{Kind: EventRollback, Order: removed, Removed: true, Err: rb})
	} else {
		restored = base.Clone()
		c.orders[id] = restored
		c.publishLocked(Event{Kind: EventRollback, Order: restored.Clone(), Err: rb})
	}

	if d, ok := c.deferred[id]; ok {
		delete(c.deferred, id)
		c.applyRemoteLocked(id, d)
	}
	return restored
}

// confirm replaces the optimistic snapshot with the stored record. A deferred
// remote snapshot survives only if it is newer than the stored one or carries
// no version.
func (c *Client) confirm(next order.Order, stored *order.Order) order.Order {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := next.ID
	delete(c.inflight, id)
	result := next
	if stored != nil {
		result = stored.Clone()
		if result.Version > c.versions[id] {
			c.versions[id] = result.Version
		}
	}
	c.orders[id] = result
	c.publishLocked(Event{Kind: EventConfirmed, Order: result.Clone()})

	if d, ok := c.deferred[id]; ok {
		delete(c.deferred, id)
		if stored != nil && !d.removed && (d.order.Version == 0 || d.order.Version > stored.Version) {
			c.applyRemoteLocked(id, d)
		} else {
			c.lg.Debug("Dropping deferred snapshot superseded by write", zap.String("order_id", id))
		}
	}
	return result.Clone()
}

// OnRemoteSnapshot replaces the local view with a full collection delivered
// by the push feed.
func (c *Client) OnRemoteSnapshot(orders []order.Order) {
	c.applySnapshot(order.Filter{}, orders)
}

// OnFilteredSnapshot is OnRemoteSnapshot for a feed that only covers the
// orders matching f.
func (c *Client) OnFilteredSnapshot(f order.Filter, orders []order.Order) {
	c.applySnapshot(f, orders)
}

// applySnapshot reconciles a full snapshot of the orders matching f. Local
// orders matching f but missing from the snapshot are removed.
func (c *Client) applySnapshot(f order.Filter, orders []order.Order) {
	c.lastSnapshot.Store(c.now().UnixNano())

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		seen[o.ID] = struct{}{}
		c.offerLocked(o.ID, remote{order: o.Clone()})
	}
	for id, cur := range c.orders {
		if _, ok := seen[id]; ok || !f.Match(cur) {
			continue
		}
		c.offerLocked(id, remote{order: cur, removed: true})
	}
}

// offerLocked defers r while a write for the order is in flight and applies it
// otherwise. c.mu must be held.
func (c *Client) offerLocked(id string, r remote) {
	if _, busy := c.inflight[id]; busy {
		c.deferred[id] = r
		c.metrics.deferred.Add(context.Background(), 1)
		c.lg.Debug("Deferring remote snapshot", zap.String("order_id", id), zap.Bool("removed", r.removed))
		return
	}
	c.applyRemoteLocked(id, r)
}

// applyRemoteLocked installs a remote snapshot unless it is older than the
// newest version already seen. c.mu must be held.
func (c *Client) applyRemoteLocked(id string, r remote) {
	if r.removed {
		cur, ok := c.orders[id]
		if !ok {
			return
		}
		delete(c.orders, id)
		delete(c.versions, id)
		c.publishLocked(Event{Kind: EventRemote, Order: cur, Removed: true})
		return
	}

	o := r.order
	if known := c.versions[id]; o.Version != 0 && o.Version < known {
		c.metrics.suppressed.Add(context.Background(), 1)
		c.lg.Debug("Suppressing stale snapshot",
			zap.String("order_id", id),
			zap.Int64("version", o.Version),
			zap.Int64("known", known),
		)
		return
	}
	if cur, ok := c.orders[id]; ok && o.Version != 0 && cur.Version == o.Version {
		return
	}
	c.orders[id] = o
	if o.Version > c.versions[id] {
		c.versions[id] = o.Version
	}
	c.publishLocked(Event{Kind: EventRemote, Order: o.Clone()})
}

// Follow subscribes to feed and reconciles every snapshot it delivers for f.
// The returned function cancels the subscription.
func (c *Client) Follow(ctx context.Context, feed order.Feed, f order.Filter) (func(), error) {
	cancel, err := feed.Subscribe(ctx, f, func(orders []order.Order) {
		c.applySnapshot(f, orders)
	})
	if err != nil {
		return nil, errors.Wrap(err, "subscribe feed")
	}
	return cancel, nil
}

// Load fetches one order from the repository into the local view.
func (c *Client) Load(ctx context.Context, id string) (order.Order, error) {
	o, err := c.repo.GetOrderByID(ctx, id)
	if err != nil {
		return order.Order{}, errors.Wrapf(err, "get order %s", id)
	}
	c.mu.Lock()
	c.offerLocked(id, remote{order: o.Clone()})
	c.mu.Unlock()

	got, _ := c.Get(id)
	return got, nil
}

// Sync replaces the local view of a partner's orders with the repository's.
func (c *Client) Sync(ctx context.Context, partnerID string) error {
	orders, err := c.repo.ListOrdersByPartner(ctx, partnerID)
	if err != nil {
		return errors.Wrapf(err, "list orders of partner %s", partnerID)
	}
	c.applySnapshot(order.Filter{PartnerID: partnerID}, orders)
	return nil
}
