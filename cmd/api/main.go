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

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"versehub/api/internal/app"
	"versehub/api/internal/config"
)

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.Level}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded",
		slog.String("http_address", cfg.HTTP.Address()),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("generator", cfg.Generator.Provider),
		slog.Bool("redis", cfg.Redis.URL != ""),
		slog.Bool("git_mirror", cfg.Git.ReposDir != ""),
		slog.Bool("meilisearch", cfg.Search.MeiliURL != ""),
		slog.Bool("snapshots", cfg.Snapshots.Enabled()))

	deps, cleanup, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	service := app.New(deps.Deps)
	if deps.search != nil {
		deps.search.Reindex(ctx, app.ExploreRecords(deps.Store))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Address(),
		Handler:           app.NewHTTPServer(service, cfg.HTTP.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Generator.Timeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("context cancelled, initiating shutdown")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		service.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("application error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "versehub-api",
		Usage:  "Poem versioning and collaboration API",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file; environment variables override it",
				Sources: cli.EnvVars("VERSEHUB_CONFIG"),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
