// Command pledge-relay is the donation pledge relay binary.
//
// Subcommands:
//
//	serve    — operator HTTP API + embedded submission worker (default for production)
//	worker   — standalone submission worker, no HTTP server
//	migrate  — run pending database migrations and exit
//	enqueue  — validate a pledge JSON file and enqueue it for submission
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/api"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/config"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/giving"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/match"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/notifyops"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/queue"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/relay"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/internal/store"
	"github.com/DennisShatzer/CheerfulGiverNXT-sub001/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "pledge-relay",
		Short: "pledge-relay — durable donation pledge submission queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API and embedded submission worker",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	// The embedded worker runs until ctx is cancelled; claims left in flight
	// at shutdown age out through the stale-processing reset.
	wk := newWorker(st, cfg)
	go func() {
		if err := wk.Start(ctx); err != nil {
			slog.Error("worker exited", "error", err)
			stop()
		}
	}()
	alerter := notifyops.NewAlerter(smtpConfig(cfg), cfg.AlertRecipients())
	go alerter.Run(ctx, wk.Events())

	handler := api.NewServer(st, queueBackend(st, cfg)).Handler()

	// Explicit timeouts prevent slow-client connection exhaustion.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var once bool
	c := &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone submission worker (no HTTP server)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, once)
		},
	}
	c.Flags().BoolVar(&once, "once", false, "process a single batch and exit")
	return c
}

func runWorker(cmd *cobra.Command, once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	wk := newWorker(st, cfg)
	if once {
		n := wk.RunOnce(ctx)
		slog.Info("batch complete", "processed", n)
		return nil
	}

	alerter := notifyops.NewAlerter(smtpConfig(cfg), cfg.AlertRecipients())
	go alerter.Run(ctx, wk.Events())

	return wk.Start(ctx) // blocks until ctx cancelled
}

// queueBackend returns the item store selected by QUEUE_VARIANT. The worker,
// the enqueue command, and the operator API all follow the same choice.
func queueBackend(st *store.Store, cfg *config.Config) api.ItemBackend {
	if cfg.QueueVariant == "outbox" {
		return st.Outbox()
	}
	return st.Pledges()
}

// newWorker wires the submission pipeline from config.
func newWorker(st *store.Store, cfg *config.Config) *relay.Worker {
	creds := giving.StaticCredentials{Token: cfg.GivingToken, APIKey: cfg.GivingAPIKey}
	client := giving.NewHTTPClient(cfg.GivingBaseURL, creds)

	items := queueBackend(st, cfg)
	policy := queue.Policy{
		BaseDelay:   cfg.BackoffBase(),
		MaxDelay:    cfg.BackoffMax(),
		MaxAttempts: cfg.MaxAttempts,
	}
	allocator := match.NewAllocator(st.Locks(), st.Allocations(), slog.Default())
	proc := relay.NewProcessor(items, client, st.Locks(), allocator, policy,
		relay.DedupeConfig{
			WindowBefore:   time.Duration(cfg.DedupeWindowBeforeDays) * 24 * time.Hour,
			WindowAfter:    time.Duration(cfg.DedupeWindowAfterDays) * 24 * time.Hour,
			TolerancePence: cfg.DedupeTolerancePence,
		})

	posting := giving.PolicyFunc(func(context.Context) (bool, string, error) {
		if !cfg.GivingPostingEnabled {
			return false, "GIVING_POSTING_ENABLED is false", nil
		}
		return true, "", nil
	})

	return relay.NewWorker(items, proc, posting, creds, relay.WorkerConfig{
		PollInterval: cfg.PollInterval(),
		BatchSize:    cfg.BatchSize,
		StaleAfter:   cfg.StaleAfter(),
		MaxAttempts:  cfg.MaxAttempts,
		BaseDelay:    cfg.BackoffBase(),
		MaxDelay:     cfg.BackoffMax(),
	})
}

func smtpConfig(cfg *config.Config) notifyops.SMTPConfig {
	return notifyops.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var businessKey, correlationID string
	c := &cobra.Command{
		Use:   "enqueue <pledge.json>",
		Short: "Validate a pledge JSON file and enqueue it for submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, args[0], businessKey, correlationID)
		},
	}
	c.Flags().StringVar(&businessKey, "business-key", "", "dedupe key (default: derived from the pledge)")
	c.Flags().StringVar(&correlationID, "correlation-id", "", "correlation UUID (default: random)")
	return c
}

func runEnqueue(cmd *cobra.Command, path, businessKey, correlationID string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	var payload []byte
	if path == "-" {
		payload, err = io.ReadAll(cmd.InOrStdin())
	} else {
		payload, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read pledge: %w", err)
	}

	// Validate up front so malformed pledges are rejected here instead of
	// burning queue attempts.
	pledge, err := giving.ParsePledge(payload)
	if err != nil {
		return err
	}
	if businessKey == "" {
		businessKey = fmt.Sprintf("%s|%s|%s|%d",
			pledge.DonorRef, pledge.CharityRef, pledge.EffectiveDate, pledge.AmountPence)
	}
	corr := uuid.New()
	if correlationID != "" {
		if corr, err = uuid.Parse(correlationID); err != nil {
			return fmt.Errorf("parse correlation id: %w", err)
		}
	}

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	id, err := queueBackend(store.New(db), cfg).Enqueue(cmd.Context(), payload, businessKey, corr)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	slog.Info("pledge enqueued", "item_id", id, "business_key", businessKey)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool with a global statement timeout and
// bounded sizing.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for. This catches
	// deployments where migrations haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `pledge-relay migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
