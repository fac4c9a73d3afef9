package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/order-engine/internal/domain/auth"
	"github.com/xenking/order-engine/internal/storage/postgres"
	"github.com/xenking/order-engine/internal/wire"
)

func main() {
	var (
		databaseURL  string
		groupsFile   string
		apiKey       string
		apiKeyPepper string
		staffID      string
		partnerID    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&groupsFile, "groups-file", "db/seed/groups.json", "path to table/QR groups JSON file")
	flag.StringVar(&apiKey, "api-key", "", "staff API key to seed (or ORDERS_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or ORDERS_API_KEY_PEPPER env)")
	flag.StringVar(&staffID, "staff-id", "staff-default", "staff member owning the seeded key")
	flag.StringVar(&partnerID, "partner-id", "", "restrict the seeded key to one partner; empty allows all")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("ORDERS_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or ORDERS_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("ORDERS_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	key := auth.StaffKey{
		ID:        "default",
		KeyHash:   auth.HashHex([]byte(apiKeyPepper), apiKey),
		StaffID:   staffID,
		PartnerID: partnerID,
		Scopes:    []string{auth.ScopeOrdersRead, auth.ScopeOrdersWrite},
	}
	if err := run(ctx, databaseURL, groupsFile, key); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, groupsFile string, key auth.StaffKey) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedGroups(ctx, postgres.NewGroupRepository(pool), groupsFile); err != nil {
		return errors.Wrap(err, "seed groups")
	}

	if err := postgres.NewStaffKeyRepository(pool).PutStaffKey(ctx, key); err != nil {
		return errors.Wrap(err, "seed staff key")
	}
	slog.Info("upserted staff key", slog.String("id", key.ID), slog.String("staff_id", key.StaffID))

	return nil
}

func seedGroups(ctx context.Context, repo *postgres.GroupRepository, groupsFile string) error {
	slog.Info("reading groups file", slog.String("path", groupsFile))

	data, err := os.ReadFile(groupsFile)
	if err != nil {
		return errors.Wrap(err, "read groups file")
	}

	groups, err := wire.DecodeGroups(jx.DecodeBytes(data))
	if err != nil {
		return errors.Wrap(err, "parse groups JSON")
	}

	slog.Info("upserting groups", slog.Int("count", len(groups)))

	for _, g := range groups {
		if err := repo.PutGroup(ctx, g); err != nil {
			return errors.Wrapf(err, "upsert group %s", g.ID)
		}

		slog.Info("upserted group", slog.String("id", g.ID), slog.String("name", g.Name))
	}

	return nil
}
