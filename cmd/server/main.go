package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/predictx/market-engine/internal/broker"
	"github.com/predictx/market-engine/internal/config"
	"github.com/predictx/market-engine/internal/httpapi"
	"github.com/predictx/market-engine/internal/logger"
	"github.com/predictx/market-engine/internal/metrics"
	"github.com/predictx/market-engine/internal/model"
	"github.com/predictx/market-engine/internal/store"
	"github.com/predictx/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("market-engine stopped with error", "err", err)
		stop()
		os.Exit(1)
	}
	slog.Info("market-engine stopped")
}

// run serves until ctx is cancelled or a component fails. Every resource it
// opens is released before it returns.
func run(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	st, closeStore, err := store.Open(ctx, store.OpenOptions{
		Driver:     cfg.Store.Driver,
		DSN:        cfg.Store.DSN,
		SQLitePath: cfg.Store.SQLitePath,
		Migrate:    cfg.Store.Migrate,
		RedisURL:   cfg.Redis.URL,
		CacheTTL:   cfg.Redis.CacheTTL,
	})
	defer closeStore()
	if err != nil {
		return fmt.Errorf("store init (%s): %w", cfg.Store.Driver, err)
	}

	if events, err := st.ListEvents(ctx); err == nil {
		active := 0
		for _, ev := range events {
			if ev.Status == model.StatusActive {
				active++
			}
		}
		metrics.ActiveEvents.Set(float64(active))
	}

	// --- Notifiers ---
	wsHub := trade.NewWSHub()
	notifiers := []trade.Notifier{wsHub}

	var pub *broker.Publisher
	if cfg.AMQP.URL != "" {
		pub, err = broker.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return fmt.Errorf("broker init: %w", err)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
		slog.Info("publishing trades", "exchange", cfg.AMQP.Exchange)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	if pub != nil {
		g.Go(func() error {
			pub.Run(gctx)
			return nil
		})
	}

	// --- Trade executor and HTTP layer ---
	exec := trade.NewExecutor(st, notifiers...)
	api := httpapi.New(exec, st, wsHub, httpapi.Options{
		RequestTimeout:  cfg.Server.RequestTimeout,
		RateLimit:       cfg.Trading.RateLimit,
		RateBurst:       cfg.Trading.RateBurst,
		ConflictRetries: cfg.Trading.ConflictRetries,
		RetryBaseDelay:  cfg.Trading.RetryBaseDelay,
		RetryMaxDelay:   cfg.Trading.RetryMaxDelay,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		slog.Info("market-engine listening", "addr", srv.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown on signal or when any component fails.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		slog.Info("shutting down market-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
