package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/api"
	"github.com/qiwenli/mpcrawl/internal/checkpoint"
	"github.com/qiwenli/mpcrawl/internal/clock/system"
	"github.com/qiwenli/mpcrawl/internal/config"
	"github.com/qiwenli/mpcrawl/internal/crawler"
	"github.com/qiwenli/mpcrawl/internal/dispatcher"
	"github.com/qiwenli/mpcrawl/internal/extract"
	"github.com/qiwenli/mpcrawl/internal/hash/sha256"
	uuidgen "github.com/qiwenli/mpcrawl/internal/id/uuid"
	"github.com/qiwenli/mpcrawl/internal/logging"
	"github.com/qiwenli/mpcrawl/internal/progress"
	"github.com/qiwenli/mpcrawl/internal/progress/sinks"
	"github.com/qiwenli/mpcrawl/internal/scheduler"
	"github.com/qiwenli/mpcrawl/internal/transport"
	"github.com/qiwenli/mpcrawl/internal/worker"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawl over the configured accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg)
		},
	}
}

func runCrawl(parent context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if len(cfg.Accounts) == 0 {
		return &crawler.ConfigError{Field: "accounts", Err: errors.New("at least one account is required")}
	}

	creds, err := buildCredentials(cfg)
	if err != nil {
		return err
	}

	clock := system.New()
	runID, err := uuidgen.NewGenerator().NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshot, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	logger.Info("checkpoint loaded",
		zap.Int("targets", len(snapshot.Targets)),
		zap.Int("records", snapshot.Records),
	)

	sched := scheduler.New(scheduler.Config{
		MaxAttempts:  cfg.Crawler.MaxAttempts,
		PerHostRPS:   cfg.Crawler.PerHostRPS,
		PerHostBurst: cfg.Crawler.PerHostBurst,
		DefaultDefer: time.Duration(cfg.Crawler.DefaultDeferMs) * time.Millisecond,
		BackoffBase:  time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	}, clock, logger, nil)

	windowStart, windowEnd, err := cfg.Range.Window()
	if err != nil {
		return err
	}
	registry := extract.NewRegistry(extract.Config{
		PageSize:    cfg.Crawler.PageSize,
		MaxPages:    cfg.Crawler.MaxPages,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Keywords:    cfg.Keywords,
	}, sha256.New())
	pipeline := extract.NewPipeline(registry)
	pipeline.SeedFingerprints(snapshot.Fingerprints)

	collyFetcher, err := transport.NewCollyFetcher(transport.CollyConfig{
		UserAgent:      cfg.Crawler.UserAgent,
		RequestTimeout: cfg.Timeout(),
		Concurrency:    cfg.Crawler.Concurrency,
	}, logger)
	if err != nil {
		return fmt.Errorf("build fetcher: %w", err)
	}
	client := transport.NewClient(collyFetcher, creds, clock, logger)

	hubSinks := []progress.Sink{sinks.NewLogSink(logger)}
	promReg := prometheus.NewRegistry()
	var apiServer *http.Server
	if cfg.Metrics.Enabled {
		promSink, err := sinks.NewPrometheusSink(promReg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		hubSinks = append(hubSinks, promSink)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, hubSinks...)

	if cfg.Metrics.Enabled {
		srv := api.NewServer(sched, store, promReg, runID, clock, logger)
		apiServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("observability listener started", zap.String("addr", cfg.Metrics.Addr))
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("observability listener failed", zap.Error(err))
			}
		}()
	}

	if err := seed(ctx, cfg, store, sched, snapshot); err != nil {
		return err
	}

	workers := make([]*worker.Worker, cfg.Crawler.Concurrency)
	for i := range workers {
		workers[i] = worker.New(sched, client, pipeline, store, hub, clock, runID, logger)
	}
	d := dispatcher.New(workers, sched, store, hub, clock, runID, logger)

	summary := d.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hub.Close(closeCtx); err != nil {
		logger.Warn("progress hub close failed", zap.Error(err))
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(closeCtx); err != nil {
			logger.Warn("observability listener shutdown failed", zap.Error(err))
		}
	}

	if summary.Failed > 0 {
		return fmt.Errorf("run %s finished with %d permanently failed targets", summary.RunID, summary.Failed)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("run %s interrupted with %d targets outstanding", summary.RunID, summary.Pending+summary.Deferred)
	}
	return nil
}

// seed restores the checkpointed targets and adds a lookup target for every
// configured account the checkpoint does not know yet.
func seed(ctx context.Context, cfg config.Config, store checkpoint.Store, sched crawler.Scheduler, snapshot checkpoint.Snapshot) error {
	known := make(map[string]struct{}, len(snapshot.Targets))
	for _, t := range snapshot.Targets {
		known[t.URL] = struct{}{}
	}

	var fresh []crawler.Target
	for _, account := range cfg.Accounts {
		lookup := extract.BuildLookupTarget(account)
		if _, ok := known[lookup.URL]; ok {
			continue
		}
		fresh = append(fresh, lookup)
	}
	if len(fresh) > 0 {
		if err := store.Commit(ctx, checkpoint.Mutation{NewTargets: fresh}); err != nil {
			return fmt.Errorf("seed checkpoint: %w", err)
		}
	}

	sched.Add(snapshot.Targets...)
	sched.Add(fresh...)
	return nil
}

func buildCredentials(cfg config.Config) (crawler.CredentialSource, error) {
	if cfg.Auth.CredentialsFile != "" {
		return transport.NewFileCredentials(cfg.Auth.CredentialsFile), nil
	}
	if cfg.Auth.Token == "" || cfg.Auth.Cookie == "" {
		return nil, &crawler.ConfigError{Field: "auth", Err: errors.New("token and cookie (or credentials_file) are required")}
	}
	return transport.NewStaticCredentials(cfg.Auth.Token, cfg.Auth.Cookie), nil
}

func openStore(ctx context.Context, cfg config.Config) (checkpoint.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return checkpoint.NewSQLiteStore(cfg.Store.Path)
	case "postgres":
		return checkpoint.NewPostgresStore(ctx, checkpoint.PostgresStoreConfig{DSN: cfg.Store.DSN})
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	default:
		return nil, &crawler.ConfigError{Field: "store.backend", Err: fmt.Errorf("unknown backend %q", cfg.Store.Backend)}
	}
}
