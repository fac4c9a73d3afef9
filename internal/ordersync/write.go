package ordersync

import (
	"context"
	"fmt"

	"github.com/xenking/order-engine/internal/domain/order"
)

// RollbackError reports a repository write that failed after its optimistic
// snapshot was published. The order has been restored to the snapshot it had
// before the mutation.
type RollbackError struct {
	OrderID  string
	Mutation string
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s on order %s rolled back: %v", e.Mutation, e.OrderID, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// Message is a short explanation suitable for showing to staff.
func (e *RollbackError) Message() string {
	if e.Mutation == create.Name {
		return "The order could not be saved and was discarded. Please try again."
	}
	return fmt.Sprintf("Changes to order %s could not be saved and were undone. Please try again.", shortID(e.OrderID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Write tracks one optimistic mutation.
type Write struct {
	// Snapshot is the optimistic state published when the mutation was applied.
	Snapshot order.Order

	changed bool
	done    chan struct{}
	result  order.Order
	err     error
}

func newWrite(snapshot order.Order) *Write {
	return &Write{
		Snapshot: snapshot,
		changed:  true,
		done:     make(chan struct{}),
	}
}

// noopWrite is a resolved write for a mutation that changed nothing.
func noopWrite(snapshot order.Order) *Write {
	w := newWrite(snapshot)
	w.changed = false
	w.result = snapshot
	close(w.done)
	return w
}

func (w *Write) resolve(result order.Order, err *RollbackError) {
	w.result = result
	if err != nil {
		w.err = err
	}
	close(w.done)
}

// Changed reports whether the mutation modified the order. Unchanged writes
// issue no repository call.
func (w *Write) Changed() bool {
	return w.changed
}

// Done is closed once the write resolved.
func (w *Write) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the write resolves and returns nil or a *RollbackError.
func (w *Write) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.err
	}
}

// Result returns the stored order after a successful write, or the restored
// order after a rollback. It is valid once Done is closed.
func (w *Write) Result() order.Order {
	<-w.done
	return w.result
}
