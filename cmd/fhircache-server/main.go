package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/config"
	"github.com/ehr/fhircache/internal/platform/activity"
	"github.com/ehr/fhircache/internal/platform/db"
	"github.com/ehr/fhircache/internal/remote"
	"github.com/ehr/fhircache/internal/syncengine"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "fhircache-server",
		Short:         "Patient cache in front of a FHIR R4 server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the background sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the cache schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := db.NewPool(ctx, poolConfig(cfg))
				if err != nil {
					return err
				}
				defer pool.Close()
				n, err := cache.MigratePostgres(ctx, pool)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", n)
			case config.DriverSQLite:
				s, err := cache.OpenSQLiteStore(ctx, cfg.SQLitePath, newLogger(cfg))
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(out, "SQLite schema at %s is up to date.\n", cfg.SQLitePath)
				return s.Close()
			default:
				fmt.Fprintln(out, "The memory store has no schema.")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var statuses []db.MigrationStatus
			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := db.NewPool(ctx, poolConfig(cfg))
				if err != nil {
					return err
				}
				defer pool.Close()
				statuses, err = db.NewMigrator(pool, cache.PostgresMigrations()).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
			case config.DriverSQLite:
				statuses, err = cache.SQLiteMigrationStatus(ctx, cfg.SQLitePath)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "The memory store has no schema.")
				return nil
			}
			printStatus(cmd, cfg.StoreDriver, statuses)
			return nil
		},
	})

	return cmd
}

func printStatus(cmd *cobra.Command, driver string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status (%s)\n", driver)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the remote and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, _, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			client, err := newRemote(cfg, logger, nil)
			if err != nil {
				return err
			}
			engine := syncengine.New(store, client, engineConfig(cfg), logger, nil, nil)
			res, err := engine.Run(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("cache store ready")

	srv, err := buildServer(cfg, logger, store, pool, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.scheduler.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("remote", cfg.FHIRBaseURL).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		srv.scheduler.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}
	return logger
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

// openStore opens the configured cache store, applying pending migrations.
// The pool is nil unless the driver is postgres.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, *pgxpool.Pool, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		n, err := cache.MigratePostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		if n > 0 {
			logger.Info().Int("count", n).Msg("applied migrations")
		}
		return cache.NewPostgresStore(pool), pool, nil
	case config.DriverSQLite:
		s, err := cache.OpenSQLiteStore(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.DriverMemory:
		return cache.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newRemote(cfg *config.Config, logger zerolog.Logger, rec activity.Recorder) (*remote.Client, error) {
	return remote.NewClient(remote.Config{
		BaseURL:    cfg.FHIRBaseURL,
		Timeout:    cfg.FHIRTimeout,
		MaxRetries: cfg.FHIRMaxRetries,
	}, logger, rec)
}

func engineConfig(cfg *config.Config) syncengine.Config {
	return syncengine.Config{
		PageSize:           cfg.SyncPageSize,
		Lookback:           cfg.SyncLookback,
		FullResyncInterval: cfg.SyncFullResyncInterval,
	}
}
