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
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/coachdesk/coachdesk/cmd/coachdesk/cli"
	"github.com/coachdesk/coachdesk/internal/app"
	"github.com/coachdesk/coachdesk/internal/auth"
	"github.com/coachdesk/coachdesk/internal/billing"
	"github.com/coachdesk/coachdesk/internal/billing/reports"
	"github.com/coachdesk/coachdesk/internal/observability"
	"github.com/coachdesk/coachdesk/internal/platform/cache"
	"github.com/coachdesk/coachdesk/internal/platform/db"
	"github.com/coachdesk/coachdesk/internal/shared"
	"github.com/coachdesk/coachdesk/jobs"
)

const usage = `usage: coachdesk <command>

commands:
  serve                              run the HTTP API (default)
  migrate up|down|status             manage the database schema
  jobs trigger <task> [-days N]      enqueue billing:due_scan or billing:idempotency_cleanup
  jobs stats                         show default queue counters
  users create -email -name -role    create a coach or client account
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = runMigrate(cfg, args)
	case "jobs":
		err = runJobs(ctx, cfg, args)
	case "users":
		err = runUsers(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.MigrationsAuto {
		if err := migrateUp(cfg); err != nil {
			return err
		}
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	billingService, reportService := buildBilling(pool, redisClient, cfg, logger, metrics)
	authService := auth.NewService(auth.NewRepository(pool), auth.NewTokenStore(redisClient, cfg.SessionTTL))

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		AuthHandler:    auth.NewHandler(logger, authService),
		Tokens:         authService,
		BillingHandler: billing.NewHandler(logger, billingService),
		ReportsHandler: reports.NewHandler(logger, reportService, cfg.BillingReminderDays),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
		Checks: map[string]app.Pinger{
			"postgres": pool,
			"redis":    app.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("billing_tz", cfg.Location().String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildBilling(pool *pgxpool.Pool, redisClient *redis.Client, cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics) (*billing.Service, *reports.Service) {
	reportCache := reports.NewCache(redisClient, cfg.ReportCacheTTL)
	billingService := billing.NewService(
		billing.NewRepository(pool),
		billing.NewUserDirectory(pool),
		shared.NewAuditLogger(pool),
		reportCache,
		logger.With(slog.String("component", "billing")),
		billing.ServiceConfig{Location: cfg.Location(), Metrics: billing.NewMetrics(metrics.Registerer())},
	)
	reportService := reports.NewService(
		reports.NewRepository(pool),
		reportCache,
		logger.With(slog.String("component", "reports")),
		reports.ServiceConfig{Location: cfg.Location()},
	)
	return billingService, reportService
}

func migrateUp(cfg *app.Config) error {
	m, err := db.NewMigrator(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

func runMigrate(cfg *app.Config, args []string) error {
	action := "status"
	if len(args) > 0 {
		action = args[0]
	}
	m, err := db.NewMigrator(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer m.Close()
	return cli.Migrate(m, action, os.Stdout)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("jobs: expected trigger or stats")
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		days := fs.Int("days", 0, "reminder window or retention days (task default when 0)")
		if len(args) < 2 {
			return errors.New("jobs trigger: task name required")
		}
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		opts := cli.TriggerOptions{WithinDays: cfg.BillingReminderDays, RetentionDays: cfg.RetentionDays()}
		if *days > 0 {
			opts.WithinDays, opts.RetentionDays = *days, *days
		}
		info, err := jobsCLI.Trigger(ctx, args[1], opts)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", args[0])
	}
}

func runUsers(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 || args[0] != "create" {
		return errors.New("users: expected create")
	}
	pool, err := db.New(ctx, cfg.PGDSN, 2)
	if err != nil {
		return err
	}
	defer pool.Close()
	service := auth.NewService(auth.NewRepository(pool), nil)
	return cli.CreateUser(ctx, service, args[1:], os.Stdout)
}
