package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"versehub/api/internal/app"
	"versehub/api/internal/config"
	"versehub/api/internal/email"
	"versehub/api/internal/generator"
	"versehub/api/internal/gitrepo"
	"versehub/api/internal/lock"
	"versehub/api/internal/search"
	"versehub/api/internal/session"
	"versehub/api/internal/snapshot"
	"versehub/api/internal/store"
)

type wiring struct {
	app.Deps
	search *search.Service
}

// wire builds the engine's collaborators from cfg. Optional backends are
// left nil when their settings are empty.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (wiring, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (wiring, func(), error) {
		cleanup()
		return wiring{}, func() {}, err
	}

	w := wiring{Deps: app.Deps{
		Logger:            logger,
		TokenSecret:       []byte(cfg.Auth.TokenSecret),
		TokenTTL:          cfg.Auth.TokenTTL,
		ProviderSecret:    []byte(cfg.Auth.ProviderSecret),
		GenerationTimeout: cfg.Generator.Timeout,
	}}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { _ = st.Close() })
	w.Store = st

	if cfg.Redis.URL != "" {
		redisStore, err := session.NewRedisStore(cfg.Redis.URL)
		if err != nil {
			return fail(fmt.Errorf("redis connection failed: %w", err))
		}
		closers = append(closers, func() { _ = redisStore.Close() })
		w.Revocations = redisStore
		w.Locker = lock.NewRedis(redisStore.Client(), lock.WithLogger(logger))
		logger.Info("using redis for locks and token revocation")
	}

	switch cfg.Generator.Provider {
	case config.GeneratorOpenAI:
		gen, err := generator.NewOpenAI(generator.OpenAIConfig{
			APIKey:  cfg.Generator.APIKey,
			BaseURL: cfg.Generator.BaseURL,
			Model:   cfg.Generator.Model,
		})
		if err != nil {
			return fail(fmt.Errorf("init generator: %w", err))
		}
		w.Generator = gen
	default:
		w.Generator = generator.Mock{}
	}

	if cfg.Git.ReposDir != "" {
		if err := os.MkdirAll(cfg.Git.ReposDir, 0o755); err != nil {
			return fail(fmt.Errorf("create repos dir: %w", err))
		}
		w.Git = gitrepo.New(cfg.Git.ReposDir)
	}

	var meili *search.Meili
	if cfg.Search.MeiliURL != "" {
		meili = search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliKey, logger)
		closers = append(closers, meili.Close)
	}
	w.search = search.NewService(meili, search.NewFuzzy(app.ExploreRecords(st)), logger)
	w.Search = w.search

	if cfg.Snapshots.Enabled() {
		publisher, err := snapshot.NewMinioPublisher(ctx, snapshot.Config{
			Endpoint:  cfg.Snapshots.Endpoint,
			AccessKey: cfg.Snapshots.AccessKey,
			SecretKey: cfg.Snapshots.SecretKey,
			Bucket:    cfg.Snapshots.Bucket,
			UseSSL:    cfg.Snapshots.UseSSL,
		})
		if err != nil {
			return fail(fmt.Errorf("init snapshots: %w", err))
		}
		w.Snapshots = publisher
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		BaseURL:  cfg.SMTP.BaseURL,
	})
	if mailer.IsConfigured() {
		w.Notifier = mailer
	} else {
		logger.Info("smtp not configured, pull request notifications disabled")
	}

	return w, cleanup, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverFile:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return store.NewFileStore(cfg.Path)
	case config.DriverSQLite, config.DriverPostgres:
		dialect := store.DialectPostgres
		if cfg.Driver == config.DriverSQLite {
			dialect = store.DialectSQLite
		}
		db, err := store.Open(ctx, dialect, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		return store.NewSQLStore(db, dialect), nil
	default:
		return store.NewMemoryStore(), nil
	}
}
