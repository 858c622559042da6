package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/spool"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Open Audit Spool ──────────────────────────────────────────────
	auditSpool, err := spool.Open(ctx, cfg.AuditSpoolPath, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.AuditSpoolPath).Msg("Failed to open audit spool")
	}
	defer auditSpool.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	assignmentRepo := repository.NewAssignmentRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	assignmentService := service.NewAssignmentService(assignmentRepo, rdb, cfg.Proctor.MaxWarnings, log)
	auditService := service.NewAuditService(rdb, auditSpool, auditRepo, log)
	submissionService := service.NewSubmissionService(rdb, submissionRepo, log)
	proctorService := service.NewProctorService(cfg, rdb, assignmentService, auditService, submissionService, log)
	monitorService := service.NewMonitorService(auditRepo, submissionRepo, proctorService, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Proctor: handler.NewProctorHandler(proctorService, log),
		WS:      handler.NewWSHandler(proctorService, log, cfg.AllowedOrigins),
		Audit:   handler.NewAuditHandler(auditService, submissionService, log),
		Monitor: handler.NewMonitorHandler(rdb, assignmentService, monitorService, log),
		System:  handler.NewSystemHandler(pool, rdb, auditSpool, proctorService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	auditWorker := worker.NewAuditWorker(pool, rdb, auditSpool, log)
	submissionWorker := worker.NewSubmissionWorker(pool, rdb, log)

	workers.Add(2)
	go func() {
		defer workers.Done()
		auditWorker.Start(workerCtx)
	}()
	go func() {
		defer workers.Done()
		submissionWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, rdb, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked WebSocket
	// connections are not tracked by Shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Release live attempts. Their audit entries are queued before the
	// workers stop.
	proctorService.Shutdown(shutdownCtx)

	// 3. Stop background workers and wait for their final flush.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
