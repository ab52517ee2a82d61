package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/geo"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/ledger"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/registry"
	"github.com/example/ambulance-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info", "server").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel, "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// storage: postgres when a DSN is set, in-memory otherwise
	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			path := filepath.Join("migrations", "001_create_dispatch.sql")
			b, err := os.ReadFile(path)
			if err != nil {
				log.Error("read migration failed", "path", path, "error", err)
				os.Exit(1)
			}
			if err := pg.Migrate(string(b)); err != nil {
				log.Error("migration failed", "path", path, "error", err)
				os.Exit(1)
			}
			log.Info("migration applied", "path", path)
		}
		store = pg
	} else {
		store = storage.NewMemoryStore()
	}

	// geo index: redis-backed when configured, process-local otherwise
	var geoIndex geo.Geo
	if cfg.RedisAddr != "" {
		geoIndex = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		geoIndex = geo.NewIndex()
	}

	bus := notify.NewBus()
	defer bus.Close()

	ambLocks := storage.NewKeyedMutex()
	tripLocks := storage.NewKeyedMutex()

	reg := registry.New(store, geoIndex, bus, ambLocks, tripLocks, log.With("component", "registry"))
	led := ledger.New(store, reg, bus, tripLocks, log.With("component", "ledger"))

	match := matcher.NewService(geoIndex, reg, cfg.MatcherSpeedMps, cfg.MatcherTopN)
	if cfg.OSRMEndpoint != "" {
		match.ETA = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	rec := &notify.Reconciler{
		Bus:      bus,
		Store:    store,
		Interval: cfg.ReconcileInterval,
		Log:      log.With("component", "reconciler"),
	}
	go rec.Run(ctx)

	if cfg.WebhookEndpoint != "" && len(cfg.WebhookProviders) > 0 {
		wh := dispatch.NewWebhookDispatcher(cfg.WebhookEndpoint, cfg.WebhookKey, log.With("component", "webhook"))
		go wh.Run(ctx, bus, cfg.WebhookProviders)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Registry:       reg,
		Ledger:         led,
		Matcher:        match,
		Bus:            bus,
		WSReg:          dispatch.NewWSRegistry(),
		Kafka:          producer,
		Logger:         log.With("component", "http"),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", "error", err)
	}
}
