package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/order-engine/internal/broker/amqp"
	"github.com/xenking/order-engine/internal/broker/kafka"
	"github.com/xenking/order-engine/internal/domain/auth"
	"github.com/xenking/order-engine/internal/domain/notify"
	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/handler"
	"github.com/xenking/order-engine/internal/journal"
	"github.com/xenking/order-engine/internal/ordersync"
	"github.com/xenking/order-engine/internal/storage/postgres"
	"github.com/xenking/order-engine/internal/storage/redis"
	"github.com/xenking/order-engine/pkg/health"
	"github.com/xenking/order-engine/pkg/httpmiddleware"
)

// Telemetry supplies the meter and tracer providers. It is implemented by
// the go-faster/sdk app.Telemetry.
type Telemetry interface {
	MeterProvider() metric.MeterProvider
	TracerProvider() trace.TracerProvider
}

// Run creates all dependencies, follows the order feed, starts the HTTP
// server, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("sink", cfg.Notify.Sink),
		zap.String("partner_id", cfg.Feed.PartnerID),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	orderRepo := postgres.NewOrderRepository(pool)
	groupRepo := postgres.NewGroupRepository(pool)
	keyRepo := postgres.NewStaffKeyRepository(pool)

	var feed order.Feed = postgres.NewFeed(pool, lg.Named("feed"))
	if cfg.Feed.Journal != "" {
		rec, err := journal.Create(cfg.Feed.Journal, lg.Named("journal"))
		if err != nil {
			return errors.Wrap(err, "create journal")
		}
		defer func() {
			if err := rec.Close(); err != nil {
				lg.Error("Close journal", zap.Error(err))
			}
		}()
		feed = rec.Wrap(feed)
		lg.Info("Recording feed journal", zap.String("path", cfg.Feed.Journal))
	}

	// Notifications.
	sink, closeSink, err := newSink(cfg, lg, healthSvc)
	if err != nil {
		return err
	}
	defer closeSink()

	var guard notify.Guard = notify.NewMemoryGuard()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}, health.WithThresholds(3, 1))
		guard = redis.NewGuard(rdb, cfg.Redis.Prefix, cfg.Redis.TTL)
	}
	notifier := notify.NewNotifier(sink, notify.StaticTokens(cfg.DeviceTokens()), guard, lg.Named("notify"))

	// Order sync client.
	client, err := ordersync.New(orderRepo,
		ordersync.WithLogger(lg.Named("ordersync")),
		ordersync.WithNotifier(notifier),
		ordersync.WithGroups(groupRepo),
		ordersync.WithMeterProvider(m.MeterProvider()),
		ordersync.WithTracerProvider(m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create order sync client")
	}
	defer client.Close()

	if err := client.Sync(ctx, cfg.Feed.PartnerID); err != nil {
		return errors.Wrap(err, "initial sync")
	}
	unfollow, err := client.Follow(ctx, feed, order.Filter{PartnerID: cfg.Feed.PartnerID})
	if err != nil {
		return errors.Wrap(err, "follow order feed")
	}
	defer unfollow()
	healthSvc.AddReadinessCheck("feed", time.Second,
		health.StalenessCheck(client.LastSnapshot, cfg.Feed.MaxAge, nil))

	// HTTP handlers.
	orderService := order.NewService(groupRepo, client)
	h := handler.NewHandler(
		handler.HandlerConfig{
			WriteLimit: httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			},
		},
		client,
		orderService,
		groupRepo,
		auth.NewAuthenticator(keyRepo, []byte(cfg.APIKeyPepper)),
	)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Mux: health endpoints + API routes on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Routes(ctx))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			otelhttp.NewMiddleware("order-engine",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	return g.Wait()
}

// newSink builds the configured notification sink and its cleanup.
func newSink(cfg *Config, lg *zap.Logger, healthSvc *health.Health) (notify.Sink, func(), error) {
	switch cfg.Notify.Sink {
	case SinkKafka:
		s := kafka.NewSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		return s, func() {
			if err := s.Close(); err != nil {
				lg.Error("Close kafka sink", zap.Error(err))
			}
		}, nil
	case SinkAMQP:
		s, err := amqp.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, nil, errors.Wrap(err, "dial amqp")
		}
		healthSvc.AddReadinessCheck("amqp", time.Second, health.AliveCheck("amqp", s.IsAlive))
		return s, func() {
			if err := s.Close(); err != nil {
				lg.Error("Close amqp sink", zap.Error(err))
			}
		}, nil
	default:
		return notify.NewLogSink(lg.Named("notify.sink")), func() {}, nil
	}
}
