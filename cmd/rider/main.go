package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-agent/internal/backend"
	"github.com/example/rider-agent/internal/config"
	"github.com/example/rider-agent/internal/dispatch"
	httpapi "github.com/example/rider-agent/internal/http"
	"github.com/example/rider-agent/internal/ingest"
	"github.com/example/rider-agent/internal/lifecycle"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/payments"
	"github.com/example/rider-agent/internal/realtime"
	"github.com/example/rider-agent/internal/routing"
	"github.com/example/rider-agent/internal/session"
	"github.com/example/rider-agent/internal/storage"
	"github.com/example/rider-agent/internal/tracking"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("rider_agent_failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.AgentConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store session.Store = session.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		store = session.NewRedisStore(rc, cfg.SessionKey)
	}
	refresher := backend.New(cfg.BackendURL, nil, cfg.CallTimeout, logger)
	tokens := session.NewTokenSource(store, refresher, logger)
	profile, err := startSession(ctx, cfg, tokens)
	if err != nil {
		return err
	}
	api := backend.New(cfg.BackendURL, tokens, cfg.CallTimeout, logger)

	ledger, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()
	seedLedger(ctx, api, ledger, logger)

	var payouts lifecycle.Payouts
	if cfg.StripeAPIKey != "" {
		payouts = payments.NewStripePayouts(cfg.StripeAPIKey, cfg.StripeAccount, cfg.StripeCurrency)
	}

	planner := routing.NewPlanner(
		routing.NewOSRMClient(cfg.OSRMURL, cfg.CallTimeout),
		routing.NewCache(cfg.RouteCacheTTL),
		routing.PlannerOptions{MinMoveMeters: cfg.RouteMinMoveMeters, MaxAge: cfg.RouteCacheTTL, FallbackSpeedMps: cfg.FallbackSpeedMps},
		logger,
	)
	notices := dispatch.NewNoticeHub(logger)
	channel := realtime.NewClient(realtimeURL(cfg), tokens, logger)

	coord := lifecycle.New(lifecycle.Deps{
		Backend:  api,
		Ledger:   ledger,
		Channel:  channel,
		Planner:  planner,
		Payouts:  payouts,
		Notifier: notices,
	}, lifecycle.Options{
		RiderID:        profile.RiderID,
		RiderName:      profile.Name,
		OTPMaxAttempts: cfg.OTPMaxAttempts,
		OTPLockout:     cfg.OTPLockout,
	}, logger)

	locator := tracking.NewFeedLocator(cfg.LocationMaxFixAge, cfg.LocationFixTimeout)
	reporter := tracking.NewReporter(locator, api, channel, coord, cfg.LocationInterval, logger)
	if len(cfg.KafkaBrokers) > 0 {
		mirror := ingest.NewKafkaMirror(cfg.KafkaBrokers, cfg.KafkaTopic, profile.RiderID)
		defer mirror.Close()
		reporter.Mirror = mirror
	}

	loopsCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := channel.Run(loopsCtx, coord); err != nil && loopsCtx.Err() == nil {
			logger.Error("realtime_stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		reporter.Run(loopsCtx)
	}()
	go func() {
		defer wg.Done()
		coord.Run(loopsCtx, cfg.ReconcileInterval, cfg.OfferPollInterval)
	}()

	logout := func(ctx context.Context) error {
		stopLoops()
		logger.Info("rider_logged_out", "rider_id", profile.RiderID)
		return tokens.Logout(ctx)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Lifecycle: coord,
			Positions: locator,
			Ledger:    ledger,
			Notices:   notices,
			Logout:    logout,
		}, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("rider_agent_listening", "addr", cfg.HTTPAddr, "rider_id", profile.RiderID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stopLoops()
			wg.Wait()
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("rider_agent_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stopLoops()
	wg.Wait()
	return err
}

// startSession loads the stored session, seeding it from RIDER_TOKEN when
// the store is empty.
func startSession(ctx context.Context, cfg config.AgentConfig, tokens *session.TokenSource) (session.Profile, error) {
	profile, err := tokens.Profile(ctx)
	if errors.Is(err, session.ErrNoSession) {
		tok := os.Getenv("RIDER_TOKEN")
		if tok == "" {
			return session.Profile{}, errors.New("no stored session: set RIDER_TOKEN to log in")
		}
		profile = session.Profile{RiderID: cfg.RiderID, Name: os.Getenv("RIDER_NAME")}
		if err := tokens.Login(ctx, session.Session{Token: tok, Profile: profile}); err != nil {
			return session.Profile{}, fmt.Errorf("save session: %w", err)
		}
		return profile, nil
	}
	if err != nil {
		return session.Profile{}, fmt.Errorf("load session: %w", err)
	}
	if cfg.RiderID != "" {
		profile.RiderID = cfg.RiderID
	}
	return profile, nil
}

func openLedger(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (storage.Ledger, func(), error) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryLedger(), func() {}, nil
	}
	pg, err := storage.NewPostgresLedger(cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(filepath.Join("migrations", "001_create_earnings.sql"))
		if err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("read migration: %w", err)
		}
		if err := pg.Migrate(ctx, string(script)); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("apply migration: %w", err)
		}
		logger.Info("migration_applied", "file", "001_create_earnings.sql")
	}
	return pg, func() { _ = pg.Close() }, nil
}

// seedLedger imports the backend's earning history so totals survive a
// restart with the in-memory ledger. Record is idempotent, so this is safe
// against the Postgres ledger too.
func seedLedger(ctx context.Context, api *backend.Client, ledger storage.Ledger, logger *slog.Logger) {
	history, err := api.FetchEarnings(ctx)
	if err != nil {
		logger.Warn("earnings_history_unavailable", "err", err)
		return
	}
	imported := 0
	for _, e := range history {
		if ok, err := ledger.Record(ctx, e); err == nil && ok {
			imported++
		}
	}
	logger.Info("earnings_history_imported", "lines", imported)
}

func realtimeURL(cfg config.AgentConfig) string {
	if cfg.RealtimeURL != "" {
		return cfg.RealtimeURL
	}
	u := strings.TrimSuffix(cfg.BackendURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}
