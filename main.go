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
)

func main() {
	Execute()
}

// openAttempts opens the attempt log configured in cfg.
func openAttempts(ctx context.Context, cfg *Config, settings *Settings, logger *slog.Logger) (*SQLStore, *AttemptLogger, error) {
	store, err := OpenSQLStore(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	return store, NewAttemptLogger(store, settings, logger), nil
}

// openSessions picks Redis when configured, else the in-process store.
func openSessions(ctx context.Context, cfg *Config, logger *slog.Logger) (SessionStore, func(), error) {
	if cfg.RedisURL != "" {
		rs, err := NewRedisSessionStore(cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		logger.Info("using redis session store")
		return rs, func() { _ = rs.Close() }, nil
	}

	ms := NewMemorySessionStore(cfg.SessionTTL)
	go ms.Run(ctx)
	return ms, func() {}, nil
}

func runServer(cfg *Config, configPath string) error {
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if cfg.Secret == devSecret {
		logger.Warn("using the development secret; set SPAMXPERT_SECRET in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := NewSettings(cfg.Options, configPath)
	if settings.Current().DebugMode {
		logger.Warn("debug_mode is on: trap fields are rendered visibly")
	}

	store, attempts, err := openAttempts(ctx, cfg, settings, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, closeSessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	pipeline := NewPipeline(PipelineConfig{
		Settings: settings,
		Sessions: sessions,
		Secret:   cfg.Secret,
		Recorder: attempts,
		Logger:   logger,
	})
	pipeline.Use(ClientScoreRule(settings))

	adapters := SelectAdapters(AllAdapters(), settings.Current())
	for _, a := range adapters {
		logger.Info("form adapter registered", "adapter", a.Slug())
	}

	go NewJanitor(attempts, settings, logger).Run(ctx)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      NewServer(cfg, pipeline, attempts, settings, adapters, logger).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("spamxpert server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
