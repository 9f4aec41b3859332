package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tfhttp "github.com/Strob0t/TeamForge/internal/adapter/http"
	tfnats "github.com/Strob0t/TeamForge/internal/adapter/nats"
	"github.com/Strob0t/TeamForge/internal/adapter/natskv"
	"github.com/Strob0t/TeamForge/internal/adapter/oauthcred"
	tfotel "github.com/Strob0t/TeamForge/internal/adapter/otel"
	"github.com/Strob0t/TeamForge/internal/adapter/postgres"
	"github.com/Strob0t/TeamForge/internal/adapter/ristretto"
	"github.com/Strob0t/TeamForge/internal/adapter/tiered"
	"github.com/Strob0t/TeamForge/internal/adapter/ws"
	"github.com/Strob0t/TeamForge/internal/config"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/logger"
	"github.com/Strob0t/TeamForge/internal/middleware"
	"github.com/Strob0t/TeamForge/internal/port/auditlog"
	"github.com/Strob0t/TeamForge/internal/port/broadcast"
	"github.com/Strob0t/TeamForge/internal/port/cache"
	"github.com/Strob0t/TeamForge/internal/port/invoker"
	"github.com/Strob0t/TeamForge/internal/port/notifier"
	"github.com/Strob0t/TeamForge/internal/secrets"
	"github.com/Strob0t/TeamForge/internal/service"
)

func main() {
	var err error
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = run()
	case "migrate":
		err = runMigrate(args)
	case "admin":
		err = runAdmin(args)
	default:
		fmt.Fprintf(os.Stderr, "Usage: teamforge [serve|migrate|admin]\n")
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"max_concurrent_runs", cfg.Orchestrator.MaxConcurrentRuns,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	otelShutdown, err := tfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	metrics, err := tfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")
	store := postgres.NewStore(pool)

	// NATS is optional: without it agents are reached over HTTP only and
	// audit entries go straight to Postgres.
	queue, err := tfnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		slog.Warn("nats unavailable, continuing without messaging", "url", cfg.NATS.URL, "error", err)
		queue = nil
	}

	vault, err := secrets.NewVault(secrets.Merge(
		secrets.EnvLoader(cfg.Credentials.SecretKeys...),
		secrets.PrefixLoader(cfg.Credentials.SecretPrefix),
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "count", len(vault.Keys()))
		}
	}()

	// --- Caches ---

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()

	var l2 cache.Cache
	if queue != nil {
		kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			return fmt.Errorf("l2 cache: %w", err)
		}
		l2 = natskv.New(kv)
	}
	manifests := tiered.New(l1, l2, time.Minute)

	// --- Alerts ---

	var notifiers []notifier.Notifier
	for name, url := range map[string]string{
		"slack":   cfg.Notify.SlackWebhookURL,
		"discord": cfg.Notify.DiscordWebhookURL,
	} {
		if url == "" {
			continue
		}
		n, err := notifier.New(name, map[string]string{"webhook_url": url})
		if err != nil {
			return fmt.Errorf("%s notifier: %w", name, err)
		}
		notifiers = append(notifiers, n)
	}
	if queue != nil && cfg.Notify.NATSSubject != "" {
		notifiers = append(notifiers, tfnats.NewNotifier(queue, cfg.Notify.NATSSubject))
	}
	alerts := service.NewAlertService(notifiers, cfg.Notify.Sources, cfg.Notify.QuietPeriod)

	// --- Services ---

	registry := service.NewRegistryService(store, store, manifests, cfg.Cache.L2TTL)
	registry.SetAlerter(alerts)
	registry.SetMetrics(metrics)

	creds := service.NewCredentialService(store, vault, l1, cfg.Credentials.CacheTTL, cfg.Credentials.StaleWindow)
	creds.SetRefresher(oauthcred.New(15 * time.Second))

	invokers := invoker.NewSet()
	for _, name := range invoker.Available() {
		inv, err := invoker.New(name, nil)
		if err != nil {
			return fmt.Errorf("invoker %s: %w", name, err)
		}
		invokers.Handle(name, inv)
	}
	if queue != nil {
		invokers.Handle(agent.TransportNATS, tfnats.NewInvoker(queue.Conn()))
	}

	var orchestrator *service.OrchestratorService
	hub := ws.NewHub(cfg.Hub, ws.StatusFunc(func(ctx context.Context, tenantID, runID string) (event.Event, error) {
		return orchestrator.StatusEvent(ctx, tenantID, runID)
	}))
	hub.SetDropCounter(metrics.HubDropped)

	observers := []broadcast.Broadcaster{hub}
	if queue != nil {
		observers = append(observers, tfnats.NewEventRelay(queue.Conn()))
	}

	orchestrator = service.NewOrchestratorService(store, store, registry, creds, invokers,
		broadcast.Multi(observers...), cfg.Orchestrator, cfg.Breaker)
	orchestrator.SetAlerter(alerts)
	orchestrator.SetRedactor(vault)
	orchestrator.SetMetrics(metrics)

	archive := postgres.NewAuditSink(pool)
	var audit auditlog.Sink = archive
	if queue != nil {
		stopArchive, err := tfnats.ArchiveAudit(ctx, queue, archive)
		if err != nil {
			return fmt.Errorf("audit archive: %w", err)
		}
		defer stopArchive()
		audit = tfnats.NewAuditSink(queue)

		feeds, err := queue.KeyValue(ctx, cfg.NATS.FeedBucket, 0)
		if err != nil {
			return fmt.Errorf("feed bucket: %w", err)
		}
		orchestrator.SetFeedSource(tfnats.NewFeedSource(feeds))
	}
	orchestrator.SetAuditSink(audit)

	if err := service.Seed(ctx, registry, store, cfg.Seed.AgentDir, cfg.Seed.WorkflowDir); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if err := orchestrator.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	tokens, err := service.NewTokenService(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// --- HTTP ---

	var replay cache.Cache = l1
	if queue != nil {
		kv, err := queue.KeyValue(ctx, cfg.Cache.IdempotencyBucket, cfg.Cache.IdempotencyTTL)
		if err != nil {
			return fmt.Errorf("idempotency bucket: %w", err)
		}
		replay = natskv.New(kv)
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	handlers := &tfhttp.Handlers{
		Executions:     orchestrator,
		Registry:       registry,
		Checks:         healthChecks(store, queue),
		Connections:    hub.ConnectionCount,
		RequestTimeout: cfg.Server.RequestTimeout,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(tfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(tfhttp.SecurityHeaders)
	r.Use(tfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(tfhttp.Logger)
	r.Use(limiter.Handler)
	r.Use(middleware.TenantID)
	r.Use(middleware.Auth(tokens, cfg.Auth.Enabled))

	tfhttp.MountRoutes(r, handlers, hub.HandleRun, middleware.Idempotency(replay, cfg.Cache.IdempotencyTTL))

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		slog.Error("orchestrator shutdown", "error", err)
	}
	if queue != nil {
		if err := queue.Drain(); err != nil {
			slog.Error("nats drain", "error", err)
		}
	}
	return otelShutdown(shutdownCtx)
}

func healthChecks(store *postgres.Store, queue *tfnats.Queue) map[string]tfhttp.HealthCheck {
	checks := map[string]tfhttp.HealthCheck{
		"postgres": store.Ping,
	}
	if queue != nil {
		checks["nats"] = func(context.Context) error {
			if !queue.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
	}
	return checks
}
