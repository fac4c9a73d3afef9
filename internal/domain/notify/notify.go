// Package notify derives push-notification intents from order changes and
// hands them to an external delivery service exactly once per transition.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/domain/status"
)

// Event names the kind of transition an intent reports.
type Event string

const (
	EventCreated       Event = "order.created"
	EventStatusChanged Event = "order.status_changed"
)

// Intent is a request to deliver a push notification.
type Intent struct {
	// Key identifies the transition; intents with the same key are sent once.
	Key          string
	Event        Event
	TargetTokens []string
	Title        string
	Body         string
	Metadata     map[string]string
}

// Sink delivers intents to the push-notification service.
type Sink interface {
	Send(ctx context.Context, intent Intent) error
}

// TokenResolver returns the device tokens interested in an order.
type TokenResolver interface {
	Tokens(ctx context.Context, o order.Order) ([]string, error)
}

// Guard records which intent keys have been sent.
type Guard interface {
	// Acquire returns true if key was not seen before and is now claimed.
	Acquire(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later attempt may claim it again.
	Release(ctx context.Context, key string) error
}

// Derive returns the intents produced by moving an order from before to
// after. before is nil for a newly created order. Retreating a stage is not
// reported.
func Derive(before *order.Order, after order.Order) []Intent {
	if before == nil {
		return []Intent{{
			Key:      "order:" + after.ID + ":created",
			Event:    EventCreated,
			Title:    "New order",
			Body:     fmt.Sprintf("Order %s was placed with %d item(s)", shortID(after.ID), after.Quantity()),
			Metadata: metadata(after, EventCreated),
		}}
	}

	if after.Status != before.Status {
		return []Intent{{
			Key:      "order:" + after.ID + ":status:" + string(after.Status),
			Event:    EventStatusChanged,
			Title:    "Order " + string(after.Status),
			Body:     fmt.Sprintf("Order %s is now %s", shortID(after.ID), after.Status),
			Metadata: metadata(after, EventStatusChanged),
		}}
	}

	stage, ok := after.History.Current()
	if !ok || after.History.CurrentStageIndex() <= before.History.CurrentStageIndex() {
		return nil
	}
	entry := after.History[stage]
	key := "order:" + after.ID + ":stage:" + string(stage)
	if entry.CompletedAt != nil {
		// Undo followed by a new advance is a separate transition.
		key += ":" + strconv.FormatInt(entry.CompletedAt.UnixNano(), 10)
	}
	return []Intent{{
		Key:      key,
		Event:    EventStatusChanged,
		Title:    "Order " + stageTitle(stage),
		Body:     fmt.Sprintf("Order %s was %s", shortID(after.ID), stage),
		Metadata: metadata(after, EventStatusChanged),
	}}
}

func metadata(o order.Order, ev Event) map[string]string {
	md := map[string]string{
		"order_id":   o.ID,
		"partner_id": o.PartnerID,
		"event":      string(ev),
		"status":     string(o.Status),
	}
	if stage, ok := o.History.Current(); ok {
		md["stage"] = string(stage)
	}
	return md
}

func stageTitle(s status.Stage) string {
	switch s {
	case status.StageAccepted:
		return "accepted"
	case status.StageDispatched:
		return "on its way"
	case status.StageCompleted:
		return "delivered"
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Notifier emits intents for order transitions.
type Notifier struct {
	sink   Sink
	tokens TokenResolver
	guard  Guard
	lg     *zap.Logger
}

// NewNotifier creates a Notifier. tokens and guard may be nil: without a
// resolver intents carry no target tokens, without a guard an in-memory one
// is used.
func NewNotifier(sink Sink, tokens TokenResolver, guard Guard, lg *zap.Logger) *Notifier {
	if guard == nil {
		guard = NewMemoryGuard()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Notifier{sink: sink, tokens: tokens, guard: guard, lg: lg}
}

// Notify sends every intent derived from the change. A failed send releases
// the intent key.
func (n *Notifier) Notify(ctx context.Context, before *order.Order, after order.Order) error {
	var err error
	for _, intent := range Derive(before, after) {
		err = multierr.Append(err, n.send(ctx, after, intent))
	}
	return err
}

func (n *Notifier) send(ctx context.Context, o order.Order, intent Intent) error {
	first, err := n.guard.Acquire(ctx, intent.Key)
	if err != nil {
		return errors.Wrapf(err, "acquire %s", intent.Key)
	}
	if !first {
		n.lg.Debug("Skip duplicate notification", zap.String("key", intent.Key))
		return nil
	}

	if n.tokens != nil {
		tokens, err := n.tokens.Tokens(ctx, o)
		if err != nil {
			n.release(ctx, intent.Key)
			return errors.Wrapf(err, "resolve tokens for order %s", o.ID)
		}
		intent.TargetTokens = tokens
	}

	if err := n.sink.Send(ctx, intent); err != nil {
		n.release(ctx, intent.Key)
		return errors.Wrapf(err, "send %s", intent.Key)
	}
	n.lg.Info("Notification sent",
		zap.String("key", intent.Key),
		zap.String("event", string(intent.Event)),
		zap.Int("tokens", len(intent.TargetTokens)),
	)
	return nil
}

func (n *Notifier) release(ctx context.Context, key string) {
	if err := n.guard.Release(ctx, key); err != nil {
		n.lg.Warn("Release notification key", zap.String("key", key), zap.Error(err))
	}
}
