package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"marketpulse/internal/broker"
	"marketpulse/internal/client"
	"marketpulse/internal/config"
	"marketpulse/internal/database"
	"marketpulse/internal/export"
	"marketpulse/internal/handlers"
	"marketpulse/internal/host"
	"marketpulse/internal/oauth"
	"marketpulse/internal/repository"
	"marketpulse/internal/storage"
	"marketpulse/internal/views"
)

const sweepInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	logger.Info("Starting MarketPulse revenue source service")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	httpClient := client.NewHTTPClient(cfg, logger)
	hub := oauth.NewHub()
	sources := []oauth.Source{hub}

	var publisher views.Publisher
	if cfg.Broker.URL != "" {
		b, err := broker.New(&cfg.Broker, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		sources = append(sources, oauth.NewBroadcastSource(b, logger))
		publisher = b
	}

	connector := oauth.NewConnector(httpClient, oauth.Options{
		PollInterval: cfg.OAuth.PollInterval,
		Timeout:      cfg.OAuth.Timeout,
	}, logger, sources...)

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.WithError(err).WithField("driver", cfg.Database.Driver).Error("Failed to open history database")
		return err
	}
	defer db.Close()
	history := repository.NewHistoryRepository(db, cfg.Database.Driver)

	registry, err := views.LoadRegistry(cfg.ViewsRegistryFile)
	if err != nil {
		return err
	}
	cache := storage.NewViewCache()
	invalidator := views.NewInvalidator(registry, cache, publisher, logger)

	var exporter host.Exporter
	if cfg.SinkURL != "" {
		exporter = export.NewExporter(cfg.SinkSecret, cfg.SinkURL, httpClient, logger)
	}

	sessions := storage.NewSessionStore[*host.Modal](cfg.SessionTTL)
	defer sessions.CloseAll()
	go sessions.RunSweeper(ctx, sweepInterval, logger)

	handler := handlers.New(handlers.Deps{
		Config:      cfg,
		API:         httpClient,
		Views:       httpClient,
		Connector:   connector,
		Hub:         hub,
		Sessions:    sessions,
		Cache:       cache,
		Registry:    registry,
		Invalidator: invalidator,
		History:     history,
		Exporter:    exporter,
		DB:          db,
		Logger:      logger,
	})

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), handlers.Recovery(logger))
	handler.Routes(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.WithError(err).Error("Failed to start server")
		return err
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return err
	}

	logger.Info("Server exited")
	return nil
}
