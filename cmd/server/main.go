package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/app"
	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/handler"
	"github.com/segyhp/settlement-engine/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	log := logger.New(cfg.Logging, "settlement-api")

	// Initialize stores and services
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	components, err := app.New(initCtx, cfg, log)
	initCancel()
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize components")
	}
	defer func() {
		if err := components.Close(); err != nil {
			log.WithError(err).Warn("Failed to close components")
		}
	}()

	billingHandler := handler.NewBillingHandler(components.Billing, components.Executor)
	callbackHandler := handler.NewCallbackHandler(components.Listener)
	healthHandler := handler.NewHealthHandler(cfg.Health.Timeout).
		WithDatabase(components.DB).
		WithRedis(components.Redis)

	// Setup routes
	router := handler.NewRouter(handler.RouterConfig{
		Billing:   billingHandler,
		Callbacks: callbackHandler,
		Health:    healthHandler,
		Metrics:   promhttp.HandlerFor(components.Registry, promhttp.HandlerOpts{}),
		Recorder:  components.Metrics,
		Logger:    log.WithField("component", "http"),
	})

	// Start server
	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.WithField("addr", server.Addr).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server exited")
}
