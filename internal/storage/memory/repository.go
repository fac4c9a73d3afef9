// Package memory provides an in-process order repository and push feed.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/domain/order"
)

var (
	_ order.Repository   = (*Repository)(nil)
	_ order.Feed         = (*Repository)(nil)
	_ charge.GroupSource = (*Repository)(nil)
)

type feedSub struct {
	filter order.Filter
	fn     order.SnapshotFunc
}

// Repository stores orders in memory. Every write bumps a repository-wide
// version and pushes fresh snapshots to feed subscribers.
type Repository struct {
	// feedMu serializes writes with snapshot delivery so subscribers observe
	// snapshots in write order.
	feedMu sync.Mutex

	mu      sync.Mutex
	orders  map[string]order.Order
	groups  map[string]charge.Group
	version int64
	subs    map[int]feedSub
	nextSub int
}

// NewRepository creates an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		orders: make(map[string]order.Order),
		groups: make(map[string]charge.Group),
		subs:   make(map[int]feedSub),
	}
}

// PutGroup registers a table/QR group.
func (r *Repository) PutGroup(g charge.Group) {
	r.mu.Lock()
	r.groups[g.ID] = g
	r.mu.Unlock()
}

// GetGroup implements charge.GroupSource.
func (r *Repository) GetGroup(_ context.Context, id string) (*charge.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, fmt.Errorf("getting group %q: %w", id, charge.ErrGroupNotFound)
	}
	return &g, nil
}

// Put stores o as is, keeping its version. It is used to seed the repository
// from recorded snapshots.
func (r *Repository) Put(o order.Order) {
	r.write(func() (*order.Order, error) {
		r.orders[o.ID] = o.Clone()
		if o.Version > r.version {
			r.version = o.Version
		}
		return nil, nil
	})
}

// write runs fn under the lock and then publishes snapshots.
func (r *Repository) write(fn func() (*order.Order, error)) (*order.Order, error) {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()

	r.mu.Lock()
	stored, err := fn()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	deliveries := r.snapshotsLocked()
	r.mu.Unlock()

	for _, d := range deliveries {
		d()
	}
	return stored, nil
}

func (r *Repository) snapshotsLocked() []func() {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]func(), 0, len(ids))
	for _, id := range ids {
		sub := r.subs[id]
		snapshot := r.listLocked(sub.filter)
		out = append(out, func() { sub.fn(snapshot) })
	}
	return out
}

func (r *Repository) listLocked(f order.Filter) []order.Order {
	out := make([]order.Order, 0, len(r.orders))
	for _, o := range r.orders {
		if f.Match(o) {
			out = append(out, o.Clone())
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// update applies fn to a stored order and bumps its version.
func (r *Repository) update(id string, fn func(o *order.Order)) (*order.Order, error) {
	return r.write(func() (*order.Order, error) {
		o, ok := r.orders[id]
		if !ok {
			return nil, fmt.Errorf("updating order %q: %w", id, order.ErrNotFound)
		}
		o = o.Clone()
		fn(&o)
		r.version++
		o.Version = r.version
		r.orders[id] = o
		out := o.Clone()
		return &out, nil
	})
}

func (r *Repository) CreateOrder(_ context.Context, o *order.Order) (*order.Order, error) {
	return r.write(func() (*order.Order, error) {
		if _, ok := r.orders[o.ID]; ok {
			return nil, errors.Errorf("creating order %q: already exists", o.ID)
		}
		stored := o.Clone()
		r.version++
		stored.Version = r.version
		r.orders[o.ID] = stored
		out := stored.Clone()
		return &out, nil
	})
}

func (r *Repository) UpdateOrder(_ context.Context, id string, patch order.Patch) (*order.Order, error) {
	return r.update(id, func(o *order.Order) {
		*o = patch.Apply(*o)
	})
}

func (r *Repository) UpdateOrderItems(_ context.Context, id string, items []order.LineItem) (*order.Order, error) {
	return r.update(id, func(o *order.Order) {
		o.Items = order.Order{Items: items}.Clone().Items
	})
}

func (r *Repository) UpdateOrderStatus(_ context.Context, id string, upd order.StatusUpdate) (*order.Order, error) {
	return r.update(id, func(o *order.Order) {
		o.Status = upd.Status
		o.History = upd.History.Clone()
	})
}

func (r *Repository) GetOrderByID(_ context.Context, id string) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("getting order %q: %w", id, order.ErrNotFound)
	}
	out := o.Clone()
	return &out, nil
}

func (r *Repository) ListOrdersByPartner(_ context.Context, partnerID string) ([]order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(order.Filter{PartnerID: partnerID}), nil
}

// Subscribe implements order.Feed. The current snapshot is delivered before
// Subscribe returns.
func (r *Repository) Subscribe(ctx context.Context, f order.Filter, fn order.SnapshotFunc) (func(), error) {
	r.feedMu.Lock()
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = feedSub{filter: f, fn: fn}
	initial := r.listLocked(f)
	r.mu.Unlock()
	fn(initial)
	r.feedMu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return cancel, nil
}
