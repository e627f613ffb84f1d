package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mailvault/mailvault/internal/config"
	"github.com/mailvault/mailvault/internal/crypto"
	"github.com/mailvault/mailvault/internal/database"
	"github.com/mailvault/mailvault/internal/index"
	"github.com/mailvault/mailvault/internal/ingest"
	"github.com/mailvault/mailvault/internal/message"
	"github.com/mailvault/mailvault/internal/notify"
	"github.com/mailvault/mailvault/internal/ratelimit"
	"github.com/mailvault/mailvault/internal/smtpd"
	"github.com/mailvault/mailvault/internal/store/postgres"
	"github.com/mailvault/mailvault/internal/web"
	"github.com/mailvault/mailvault/internal/web/handlers"
	"github.com/mailvault/mailvault/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Database
	db, err := postgres.NewDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Migrations
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Crypto
	codec, err := crypto.NewCodec(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryption", "error", err)
		os.Exit(1)
	}
	tokenizer := index.NewTokenizer(codec.TokenKey())

	// Stores
	messageStore := postgres.NewMessageStore(db)
	jobStore := postgres.NewJobStore(db)

	// Live notifications over LISTEN/NOTIFY
	notifier := notify.NewPGNotifier(db, cfg.DatabaseURL)

	// Services
	messageService := message.NewService(messageStore, jobStore, tokenizer, codec, notifier, cfg.JobMaxAttempts)
	ingestService := ingest.NewService(messageStore, tokenizer, codec)

	// Shutdown coordination
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage workers
	var workers sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		worker := ingest.NewWorker(jobStore, ingestService, ingest.WorkerOptions{
			PollInterval: cfg.WorkerPollInterval,
			Visibility:   cfg.JobVisibility,
		})
		workers.Add(1)
		go func() {
			defer workers.Done()
			worker.Run(ctx)
		}()
	}
	slog.Info("storage workers started", "count", cfg.WorkerCount)

	// SMTP ingestion server
	smtpSrv, err := smtpd.NewServer(smtpd.Config{
		Addr:            cfg.SMTPAddr,
		Domain:          cfg.SMTPDomain,
		MaxMessageBytes: cfg.SMTPMaxMessageBytes,
		TLSConfig:       cfg.SMTPTLSConfig,
	}, messageService)
	if err != nil {
		slog.Error("failed to configure SMTP server", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := smtpSrv.Start(); err != nil {
			slog.Error("SMTP server error", "error", err)
			stop()
		}
	}()

	// Admin API
	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()

	router := web.NewRouter(web.RouterDeps{
		MessageHandler: handlers.NewMessageHandler(messageService),
		EventsHandler:  handlers.NewEventsHandler(notifier),
		Limiter:        limiter,
		APIToken:       cfg.APIToken,
	})

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // long enough for event streams to tick
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("MailVault starting", "addr", addr, "smtp_addr", cfg.SMTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := smtpSrv.Shutdown(); err != nil {
		slog.Error("SMTP shutdown error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	// Let in-flight jobs finish their current cycle.
	workers.Wait()
}
