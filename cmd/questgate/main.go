package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/questgate/server/internal/config"
	"github.com/questgate/server/internal/events"
	"github.com/questgate/server/internal/history"
	"github.com/questgate/server/internal/httpapi"
	"github.com/questgate/server/internal/integrity"
	"github.com/questgate/server/internal/ledger"
	"github.com/questgate/server/internal/metrics"
	"github.com/questgate/server/internal/quest"
	"github.com/questgate/server/internal/service"
)

func main() {
	configPath := flag.String("config", "configs/default.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.FingerprintScheme == integrity.SchemeLegacy {
		logger.Warn("legacy fingerprint scheme enabled; device ids will barely differ between devices",
			"module", "main",
			"operation", "startup",
		)
	}

	catalog, err := quest.NewCatalog(cfg.Quests)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gate := integrity.NewGate(cfg.Gate(), catalog,
		integrity.WithLogger(logger),
		integrity.WithCommitObserver(m.ObserveCommit),
	)

	var (
		store  history.Store    = history.NewMemoryStore()
		locker history.Locker   = history.NewMemoryLocker()
		ldg    ledger.Ledger    = ledger.NewMemory()
		pub    events.Publisher = events.NewLoggingPublisher(logger)
	)

	if cfg.RedisURL != "" {
		client, err := history.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		store = history.NewRedisStore(client, "", cfg.HistoryRetention)
		locker = history.NewRedisLocker(client, "", cfg.LockTTL)
		logger.Info("history backend ready", "module", "main", "backend", "redis")
	} else {
		logger.Warn("REDIS_URL not set; history is kept in memory", "module", "main")
	}

	if cfg.DatabaseURL != "" {
		db, err := ledger.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		if err := ledger.RunMigrations(ctx, db); err != nil {
			return err
		}
		ldg = ledger.NewPostgres(db)
		logger.Info("ledger backend ready", "module", "main", "backend", "postgres")
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer kp.Close()
		pub = kp
		logger.Info("event publisher ready", "module", "main", "backend", "kafka", "topic", cfg.KafkaTopic)
	}

	svc := service.New(service.Dependencies{
		Gate:        gate,
		Store:       store,
		Locker:      locker,
		Ledger:      ldg,
		Publisher:   pub,
		Metrics:     m,
		Logger:      logger,
		LockTimeout: cfg.LockTimeout,
	})

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.NewRouter(httpapi.Options{
			Service:        svc,
			Gate:           gate,
			Logger:         logger,
			Gatherer:       reg,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("questgate server starting", "module", "main", "port", cfg.Port, "quests", catalog.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "module", "main")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
