package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tracksnap/parcelhub/config"
	"github.com/tracksnap/parcelhub/internal/admin"
	"github.com/tracksnap/parcelhub/internal/hub"
	"github.com/tracksnap/parcelhub/internal/logging"
	"github.com/tracksnap/parcelhub/internal/metrics"
	"github.com/tracksnap/parcelhub/internal/ws"
)

func main() {
	configPath := flag.String("config", "config/config.yml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file with PARCELHUB_* overrides")
	watch := flag.Bool("watch", true, "reload legacy broadcast and log level when the config file changes")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Warn("ignoring env file", "path", *envFile, "err", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	logger, level, err := logging.New(os.Stdout, cfg.Logging)
	if err != nil {
		slog.Error("failed to build logger", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("parcelhub starting",
		"addr", cfg.Server.Addr,
		"ws_path", cfg.Server.WSPath,
		"legacy_broadcast", cfg.Hub.LegacyBroadcast,
		"max_connections", cfg.WebSocket.MaxConnections)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := hub.New(hub.Options{
		SweepInterval:           cfg.Hub.SweepInterval,
		LegacyBroadcast:         cfg.Hub.LegacyBroadcast,
		MaxSubscriptionsPerConn: cfg.Hub.MaxSubscriptionsPerConn,
		Logger:                  logger,
	})
	hubDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(hubDone)
	}()

	if *watch {
		go func() {
			err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
				h.SetLegacyBroadcast(next.Hub.LegacyBroadcast)
				if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
					level.Set(lvl)
				}
			})
			if err != nil {
				logger.Warn("config watch disabled", "path", *configPath, "err", err)
			}
		}()
	}

	router := admin.New(h, admin.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}).Router()
	router.Handle(cfg.Server.WSPath, ws.NewServer(h, cfg.WebSocket, cfg.Server.AllowedOrigins, logger))
	router.Handle("/metrics", metrics.Handler(h, logger)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("parcelhub shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "err", err)
	}

	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
		logger.Warn("hub did not stop before shutdown timeout")
	}
}
