package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"salesdesk/api/internal/activitylog"
	"salesdesk/api/internal/app"
	"salesdesk/api/internal/authpw"
	"salesdesk/api/internal/config"
	"salesdesk/api/internal/email"
	"salesdesk/api/internal/logger"
	"salesdesk/api/internal/metrics"
	"salesdesk/api/internal/notify"
	"salesdesk/api/internal/realtime"
	"salesdesk/api/internal/store"
)

func main() {
	bootLogger := logger.SetupDefault(os.Stdout, slog.LevelInfo)
	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.SetupDefault(os.Stdout, logger.ParseLevel(cfg.LogLevel))
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Error("migrations failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	dataStore := store.NewPostgresStore(db)

	var broker realtime.Broker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBroker, err := realtime.NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Error("redis connection failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		log.Info("realtime fan-out via redis")
		broker = redisBroker
	} else {
		log.Info("realtime fan-out in process")
		broker = realtime.NewHub()
	}
	defer broker.Close()

	var mailer notify.Mailer
	mailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		Timeout:  cfg.SMTPTimeout,
	})
	if mailService.IsConfigured() {
		mailer = mailService
	} else {
		log.Warn("SMTP not configured, email notifications disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	dispatcher := notify.NewDispatcher(mailer, broker, notify.Options{
		Timeout:  cfg.NotifyTimeout,
		Logger:   log,
		Recorder: collector,
	})
	deps := app.CoordinatorDeps{
		Store:    dataStore,
		Log:      activitylog.New(dataStore, collector),
		Notifier: dispatcher,
		Metrics:  collector,
		Logger:   log,
	}

	authenticator := app.NewAuthenticator(authpw.NewService(dataStore), cfg.JWTSecret, cfg.AccessTTL)
	handler, stopRouter := app.NewRouter(app.RouterDeps{
		Leads:             app.NewLeadCoordinator(deps),
		Activities:        app.NewActivityCoordinator(deps),
		Users:             app.NewUserDirectory(dataStore),
		Authenticator:     authenticator,
		Realtime:          realtime.NewSessionHandler(broker, authenticator.RequestUserID, log),
		Database:          dataStore,
		Metrics:           collector,
		Gatherer:          registry,
		Logger:            log,
		CORSOrigin:        cfg.CORSOrigin,
		AuthRatePerMinute: cfg.AuthRatePerMinute,
	})
	defer stopRouter()

	// No WriteTimeout: realtime sessions are long-lived hijacked connections.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("CRM API listening", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}
