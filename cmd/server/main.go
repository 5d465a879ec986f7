/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the affiliate engine: the HTTP API plus the
  scheduler that runs price alerts, trending recompute, the monthly
  commission rollup and the retention reap.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment), then command-line flags
  2. Build the root logger
  3. Open the SQLite store
  4. Construct ledger, accounts, attribution, jobs and notifiers
  5. Register jobs with the scheduler and start it (SCHEDULER_ENABLED)
  6. Configure the HTTP router and serve

COMMAND-LINE FLAGS (override the environment):
  -port    HTTP server port (PORT, default: 8080)
  -db      SQLite database path (DB_PATH, default: affiliate.db)
           Use ":memory:" for in-memory database
  -seed    Load a demo scenario at startup (e.g. affiliate-basics)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and wait for in-flight runs
  4. Close broker and database connections

EXAMPLES:
  ./server -db=":memory:" -seed=trending-week
  LOG_FORMAT=console ./server -port=3000

SEE ALSO:
  - config/config.go: environment keys and defaults
  - api/server.go: Router configuration
  - scheduler/scheduler.go: job state machine
*/
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pricewise/affiliate-engine/account"
	"github.com/pricewise/affiliate-engine/alerts"
	"github.com/pricewise/affiliate-engine/api"
	"github.com/pricewise/affiliate-engine/attribution"
	"github.com/pricewise/affiliate-engine/batch"
	"github.com/pricewise/affiliate-engine/clock"
	"github.com/pricewise/affiliate-engine/config"
	"github.com/pricewise/affiliate-engine/ledger"
	"github.com/pricewise/affiliate-engine/notify"
	"github.com/pricewise/affiliate-engine/retention"
	"github.com/pricewise/affiliate-engine/rollup"
	"github.com/pricewise/affiliate-engine/scheduler"
	"github.com/pricewise/affiliate-engine/store/sqlite"
	"github.com/pricewise/affiliate-engine/trending"
)

// Job names as shown in /admin/jobs and the run log.
const (
	jobPriceAlerts    = "price-alerts"
	jobUpdateTrending = "update-trending"
	jobMonthlyRollup  = "monthly-rollup"
	jobReapExpired    = "reap-expired-clicks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	seed := flag.String("seed", "", "demo scenario to load at startup")
	flag.Parse()

	log := newLogger(cfg)

	if err := run(cfg, *port, *dbPath, *seed, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var log zerolog.Logger
	if cfg.LogFormat == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Str("service", "affiliate-engine").Logger()
}

func run(cfg *config.Config, port int, dbPath, seed string, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	clk := clock.System()
	loc := cfg.Location()
	jobOpts := batch.Options{Parallelism: cfg.JobParallelism, ItemTimeout: cfg.JobItemTimeout}

	// Core
	clicks := ledger.New(store, clk, ledger.WithLogger(log), ledger.WithReapOptions(jobOpts))
	accounts := account.NewService(store, account.NewFactory(clk, cfg.DefaultCommissionRate), clk, log)
	engine := attribution.NewEngine(clicks, accounts, clk, log)
	aggregator := trending.NewAggregator(clicks, store, clk, cfg.TrendingWindow, cfg.TrendingTopN, log)
	reaper := retention.NewReaper(clicks, clk, log)
	rollupJob := rollup.NewJob(accounts, clicks, store, clk, loc, jobOpts, log)

	// Notifiers: always log, publish to RabbitMQ when configured
	notifiers := notify.Multi{notify.NewLogNotifier(log)}
	if cfg.RabbitMQURL != "" {
		pub, err := notify.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQExchange, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
		log.Info().Str("exchange", cfg.RabbitMQExchange).Msg("alert publisher connected")
	}
	scanner := alerts.NewScanner(store, store, notifiers, clk, jobOpts, log)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Optional cross-process job lock
	var locker scheduler.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		locker = scheduler.NewRedisLocker(client, log)
		log.Info().Msg("redis job lock enabled")
	}

	sched := scheduler.New(scheduler.Options{
		Location: loc,
		Clock:    clk,
		Logger:   log,
		Metrics:  scheduler.NewMetrics(reg),
		Recorder: store,
		Locker:   locker,
	})
	for _, job := range []scheduler.Job{
		{Name: jobPriceAlerts, Schedule: cfg.AlertSchedule, Run: scanner.Scan},
		{Name: jobUpdateTrending, Schedule: cfg.TrendingSchedule, Run: aggregator.Run},
		{Name: jobMonthlyRollup, Schedule: cfg.RollupSchedule, Run: rollupJob.Run},
		{Name: jobReapExpired, Schedule: cfg.ReapSchedule, Run: reaper.Run},
	} {
		if err := sched.Register(job); err != nil {
			return err
		}
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = rand.Text()
		log.Warn().Msg("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	if cfg.InternalAPIToken == "" {
		log.Warn().Msg("INTERNAL_API_TOKEN not set, internal endpoints are disabled")
	}

	// Initialize handler
	handler := api.NewHandler(api.Deps{
		Ledger:      clicks,
		Attribution: engine,
		Accounts:    accounts,
		Earnings:    store,
		Trending:    aggregator,
		Scheduler:   sched,
		Scenarios:   store,
		Health:      store,
		Auth:        api.NewAuthenticator(secret, cfg.JWTTTL, clk),
		Tags:        ledger.AffiliateTags{Amazon: cfg.AmazonAffiliateTag, Flipkart: cfg.FlipkartAffiliateTag},
		Clock:       clk,
		Location:    loc,
		Logger:      log,
	})

	if seed != "" {
		if err := handler.LoadScenarioByID(ctx, seed); err != nil {
			return fmt.Errorf("seed %s: %w", seed, err)
		}
	}

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		InternalToken:      cfg.InternalAPIToken,
		Gatherer:           reg,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // manual job runs block until done
		IdleTimeout:  60 * time.Second,
	}

	if cfg.SchedulerEnabled {
		sched.Start()
	} else {
		log.Info().Msg("scheduler disabled, jobs run only through /admin/jobs")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", port).Str("db", dbPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("scheduler did not stop in time")
	}

	log.Info().Msg("server stopped")
	return nil
}
