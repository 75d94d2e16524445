package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/logbook/scmsync/internal/breaker"
	"github.com/logbook/scmsync/internal/config"
	"github.com/logbook/scmsync/internal/infrastructure/persistence/postgres"
	"github.com/logbook/scmsync/internal/ratelimit"
	"github.com/logbook/scmsync/pkg/observability"
)

const serviceName = "scmsync"

var formatFlag string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scmsync",
		Short:         "SCM synchronization control plane",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&formatFlag, "format", "table", "output format: json|table|prometheus")

	root.AddCommand(
		newStatusCmd(),
		newSchedulerCmd(),
		newWorkerCmd(),
		newReaperCmd(),
		newAdminCmd(),
	)
	return root
}

// app holds the wiring shared by every subcommand.
type app struct {
	cfg     *config.Config
	store   *postgres.Store
	buckets *ratelimit.Buckets

	shutdown func(context.Context)
}

// openApp loads config, installs the logger and connects to Postgres.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logProvider, logger, err := observability.InitLogger(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	tracerProvider, err := observability.InitTracerProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return nil, err
	}
	meterProvider, err := observability.InitMeterProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return nil, err
	}

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		DSN:              cfg.Postgres.DSN,
		MaxOpenConns:     cfg.Postgres.MaxOpenConns,
		MaxIdleConns:     cfg.Postgres.MaxIdleConns,
		StatementTimeout: time.Duration(cfg.Postgres.StatementTimeout) * time.Second,
	},
		postgres.WithNamespace(cfg.Namespace),
		postgres.WithWorkerPool(cfg.WorkerPool),
	)
	if err != nil {
		return nil, err
	}

	buckets := ratelimit.New(store.Pool(),
		ratelimit.WithDefaults(cfg.RateLimit.DefaultRate, cfg.RateLimit.DefaultBurst))

	return &app{
		cfg:     cfg,
		store:   store,
		buckets: buckets,
		shutdown: func(ctx context.Context) {
			if err := store.Close(); err != nil {
				slog.ErrorContext(ctx, "failed to close store", "error", err)
			}
			if err := meterProvider.Shutdown(ctx); err != nil {
				slog.ErrorContext(ctx, "failed to shut down meter provider", "error", err)
			}
			if err := tracerProvider.Shutdown(ctx); err != nil {
				slog.ErrorContext(ctx, "failed to shut down tracer provider", "error", err)
			}
			if err := logProvider.Shutdown(ctx); err != nil {
				slog.ErrorContext(ctx, "failed to shut down log provider", "error", err)
			}
		},
	}, nil
}

func (a *app) close(ctx context.Context) {
	a.shutdown(ctx)
}

// breakers builds the circuit breaker manager over the shared store.
func (a *app) breakers() *breaker.Manager {
	return breaker.NewManager(a.store, a.store, a.cfg.Breaker.ToBreaker())
}

// withApp wraps a RunE with app setup and teardown.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)
		return fn(ctx, a, cmd, args)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
