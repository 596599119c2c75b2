package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lostfound/api/internal/app"
	"lostfound/api/internal/auth"
	"lostfound/api/internal/config"
	"lostfound/api/internal/logging"
	"lostfound/api/internal/metrics"
	"lostfound/api/internal/realtime"
	"lostfound/api/internal/search"
	"lostfound/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("lostfound api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialect, err := store.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, cfg, dialect)
	if err != nil {
		return err
	}
	defer db.Close()

	profiles, err := store.NewProfileCache(cfg.ProfileCacheSize, cfg.ProfileCacheTTL())
	if err != nil {
		return err
	}
	dataStore := store.NewSQLStore(db, dialect, store.WithProfileCache(profiles))

	var broker realtime.Broker
	sharedBroker := strings.TrimSpace(cfg.RedisURL) != ""
	if sharedBroker {
		redisBroker, err := realtime.NewRedisBroker(cfg.RedisURL, log)
		if err != nil {
			return err
		}
		defer redisBroker.Close()
		broker = redisBroker
		log.Info("using redis for realtime fan-out")
	} else {
		broker = realtime.NewMemoryBroker()
		log.Info("using in-process realtime fan-out")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewSQLSearch(dataStore), log)

	m := metrics.New()
	opts := []app.Option{app.WithSearch(searchService), app.WithMetrics(m), app.WithLogger(log)}
	group, groupCtx := errgroup.WithContext(ctx)
	if dialect == store.DialectPostgres {
		var listenerOpts []realtime.PGListenerOption
		if sharedBroker {
			listenerOpts = append(listenerOpts, realtime.WithLeaderLock(realtime.ListenerLockKey))
		}
		listener := realtime.NewPGListener(cfg.DatabaseURL, dataStore, broker, log, listenerOpts...)
		group.Go(func() error { return listener.Run(groupCtx) })
	} else {
		opts = append(opts, app.WithFeed(realtime.NewFeed(dataStore, broker, log)))
	}
	service := app.New(dataStore, broker, opts...)

	group.Go(func() error {
		searchService.Reindex(groupCtx, dataStore)
		return nil
	})

	httpServer := app.NewHTTPServer(service, auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server.RegisterOnShutdown(httpServer.CloseStreams)

	group.Go(func() error {
		log.Info("lostfound api listening", "addr", cfg.Addr, "database", dialect.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
		return nil
	})

	return group.Wait()
}

func openDatabase(ctx context.Context, cfg config.Config, dialect store.Dialect) (*sql.DB, error) {
	if dialect == store.DialectSQLite {
		return store.OpenSQLite(ctx, cfg.DatabaseURL)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
