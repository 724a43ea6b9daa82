// Command batchd serves the batching scheduler over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/config"
	"github.com/Sternrassler/quota-batcher/pkg/logging"
	"github.com/Sternrassler/quota-batcher/pkg/ratelimit"
	"github.com/Sternrassler/quota-batcher/pkg/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "batchd",
		Short:         "Request batching and rate limiting scheduler",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the configuration")

	root.AddCommand(newServeCmd(), newConfigCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, loader, cfg)
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", *cfg)
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Loader, *config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	path, _ := cmd.Flags().GetString("config")
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	lc := logging.Config{
		Level:  logging.LogLevel(cfg.Level),
		Pretty: cfg.Pretty,
		Output: os.Stderr,
	}
	if cfg.File != "" {
		lc.File = &logging.FileConfig{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		}
	}
	logging.Setup(lc)
}

// serve runs the API until ctx is done, then drains the scheduler.
func serve(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	setupLogging(cfg.Log)
	logger := logging.NewLogger("batchd")

	db, err := backend.Open(cfg.Backend)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping backend: %w", err)
	}
	checks := map[string]HealthCheck{"backend": db.Ping}

	opts := scheduler.DefaultOptions(db)
	opts.Config = cfg.Scheduler
	opts.RateLimit = cfg.RateLimit
	opts.Executor = cfg.Executor

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(cfg.Redis.Options())
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		opts.WindowStore = ratelimit.NewRedisStore(redisClient, cfg.Redis.Key)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	sched, err := scheduler.New(opts)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      newRouter(sched, checks, logging.NewLogger("http")),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("backend", cfg.Backend.Driver).Msg("Starting batchd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := loader.Watch(ctx, func(next *config.Config) {
			if err := sched.UpdateConfig(scheduler.PatchFrom(next.Scheduler)); err != nil {
				logger.Warn().Err(err).Msg("Rejected scheduler config reload")
			}
		})
		if errors.Is(err, config.ErrNoConfigFile) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		return sched.Close(shutdownCtx)
	})

	return g.Wait()
}
