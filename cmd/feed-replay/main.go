// Command feed-replay feeds a recorded snapshot journal through a fresh
// order sync client and prints the resulting orders. It reproduces
// reconciliation issues seen in production without a database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/journal"
	"github.com/xenking/order-engine/internal/ordersync"
	"github.com/xenking/order-engine/internal/storage/memory"
)

func main() {
	var (
		journalPath string
		orderID     string
		verbose     bool
	)

	flag.StringVar(&journalPath, "journal", "", "path to a recorded feed journal (required)")
	flag.StringVar(&orderID, "order", "", "only report this order")
	flag.BoolVar(&verbose, "v", false, "log every accepted change")
	flag.Parse()

	if journalPath == "" {
		slog.Error("journal path is required: set --journal")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, journalPath, orderID, verbose); err != nil {
		slog.Error("replay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, journalPath, orderID string, verbose bool) error {
	r, err := journal.Open(journalPath)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	repo := memory.NewRepository()
	client, err := ordersync.New(repo)
	if err != nil {
		return errors.Wrap(err, "create client")
	}
	defer client.Close()

	match := func(o order.Order) bool { return orderID == "" || o.ID == orderID }
	changes := map[ordersync.EventKind]int{}
	unsubscribe := client.Subscribe(match, func(ev ordersync.Event) {
		changes[ev.Kind]++
		if verbose {
			slog.Info("change",
				slog.String("kind", string(ev.Kind)),
				slog.String("order_id", ev.Order.ID),
				slog.Int64("version", ev.Order.Version),
				slog.Bool("removed", ev.Removed),
			)
		}
	})

	records := 0
	err = journal.Replay(ctx, r, func(rec journal.Record) error {
		records++
		for _, o := range rec.Orders {
			repo.Put(o)
		}
		client.OnFilteredSnapshot(rec.Filter, rec.Orders)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "replay")
	}
	// Close drains pending event deliveries before the counts are read.
	client.Close()
	unsubscribe()

	slog.Info("replayed journal",
		slog.String("path", journalPath),
		slog.Int("records", records),
		slog.Int("remote_changes", changes[ordersync.EventRemote]),
	)

	for _, o := range client.List(match) {
		report(o)
	}
	return nil
}

func report(o order.Order) {
	attrs := []any{
		slog.String("order_id", o.ID),
		slog.String("partner_id", o.PartnerID),
		slog.String("status", string(o.Status)),
		slog.Int64("version", o.Version),
		slog.Int("quantity", o.Quantity()),
		slog.String("timeline", timeline(o)),
	}
	if t, err := o.Totals(); err != nil {
		attrs = append(attrs, slog.String("totals_error", err.Error()))
	} else {
		t = t.Rounded()
		attrs = append(attrs,
			slog.String("food_subtotal", t.FoodSubtotal.StringFixed(2)),
			slog.String("charges_total", t.ChargesTotal.StringFixed(2)),
			slog.String("tax_amount", t.TaxAmount.StringFixed(2)),
			slog.String("grand_total", t.GrandTotal.StringFixed(2)),
		)
	}
	slog.Info("order", attrs...)
}

// timeline renders the status history as "accepted@12:00:05 > dispatched > completed",
// where stages without a timestamp have not been reached.
func timeline(o order.Order) string {
	entries := o.History.Project()
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Completed && e.CompletedAt != nil {
			parts = append(parts, fmt.Sprintf("%s@%s", e.Stage, e.CompletedAt.Format("15:04:05")))
			continue
		}
		parts = append(parts, string(e.Stage))
	}
	return strings.Join(parts, " > ")
}
