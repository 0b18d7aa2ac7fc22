package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tkhamez/neucore-discord-plugin/internal/api"
	"github.com/tkhamez/neucore-discord-plugin/internal/config"
	"github.com/tkhamez/neucore-discord-plugin/internal/core"
	"github.com/tkhamez/neucore-discord-plugin/internal/db"
	"github.com/tkhamez/neucore-discord-plugin/internal/discord"
	"github.com/tkhamez/neucore-discord-plugin/internal/logging"
	"github.com/tkhamez/neucore-discord-plugin/internal/reconcile"
	"github.com/tkhamez/neucore-discord-plugin/internal/redis"
	"github.com/tkhamez/neucore-discord-plugin/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting", "service", "neucore-discord-plugin", "http_addr", cfg.HTTPAddr)

	blob, err := os.ReadFile(cfg.SettingsFile)
	if err != nil {
		logger.Error("settings_read_failed", "file", cfg.SettingsFile, "error", err)
		os.Exit(1)
	}
	settings, err := config.ParseSettings(logger, blob)
	if err != nil {
		logger.Error("settings_parse_failed", "file", cfg.SettingsFile, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}

	accounts := storage.NewAccountStore(logger, dbConn, settings.TableName)
	if err := accounts.CreateTable(ctx); err != nil {
		logger.Error("schema_init_failed", "error", err)
		os.Exit(1)
	}

	gateway := discord.NewGateway(logger)
	guild := discord.NewGuildClient(gateway, discord.GuildClientConfig{
		GuildID:           settings.ServerID,
		BotToken:          settings.BotToken,
		OAuthRedirectURI:  settings.OAuthRedirectURI,
		OAuthClientID:     settings.OAuthClientID,
		OAuthClientSecret: settings.OAuthClientSecret,
	})
	coreClient := core.NewClient(logger, cfg.CoreBaseURL, cfg.CoreAppToken)
	engine := reconcile.New(logger, settings, accounts, guild, coreClient)

	srv := api.NewServer(logger, cfg, settings, accounts, guild, coreClient, engine, redisClient)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("http_started", "addr", cfg.HTTPAddr)

	// Periodic full sweep, one at a time; missed ticks are dropped.
	go func() {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				failures, err := engine.SyncAll(ctx)
				if err != nil {
					logger.Error("sweep_failed", "error", err)
				} else if failures > 0 {
					logger.Warn("sweep_completed_with_failures", "failures", failures)
				}
			}
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	}

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	}
	dbConn.Close()

	logger.Info("stopped")
}
