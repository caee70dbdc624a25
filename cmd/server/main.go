package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-integrity/internal/config"
	"github.com/stemsi/exstem-integrity/internal/database"
	"github.com/stemsi/exstem-integrity/internal/handler"
	"github.com/stemsi/exstem-integrity/internal/logger"
	"github.com/stemsi/exstem-integrity/internal/repository"
	"github.com/stemsi/exstem-integrity/internal/result"
	"github.com/stemsi/exstem-integrity/internal/router"
	"github.com/stemsi/exstem-integrity/internal/service"
	"github.com/stemsi/exstem-integrity/internal/transport"
	"github.com/stemsi/exstem-integrity/internal/validator"
	"github.com/stemsi/exstem-integrity/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Int("escalation_threshold", cfg.Integrity.EscalationThreshold).
		Dur("heartbeat_ttl", cfg.Transport.HeartbeatTTL).
		Msg("Starting ExStem Integrity")

	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL & Redis ─────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	assessmentRepo := repository.NewAssessmentRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	resultRepo := repository.NewResultRepository(pool)
	eventRepo := repository.NewSecurityEventRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Delivery Pipeline ────────────────────────────────────────────
	// Publisher and workers outlive the HTTP server so that sessions
	// closed during shutdown still reach the queues.
	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	var pipeline sync.WaitGroup

	publisher := transport.NewPublisher(rdb, log)
	heartbeat := transport.NewHeartbeat(rdb, cfg.Transport.HeartbeatTTL)
	submitter := transport.NewSubmitter(transport.NewQueueDelivery(rdb), transport.RetryPolicy{
		MaxRetries: cfg.Transport.SubmitMaxRetries,
		Initial:    cfg.Transport.SubmitBackoffInitial,
		Max:        cfg.Transport.SubmitBackoffMax,
	}, log)

	runners := []func(context.Context){
		publisher.Run,
		worker.NewResultWorker(resultRepo, rdb, log).Start,
		worker.NewSecurityEventWorker(eventRepo, rdb, log).Start,
		worker.NewAutosaveWorker(sessionRepo, rdb, log).Start,
	}
	for _, run := range runners {
		pipeline.Add(1)
		go func(run func(context.Context)) {
			defer pipeline.Done()
			run(pipelineCtx)
		}(run)
	}

	// ─── Initialize Services ──────────────────────────────────────────
	assembler := result.NewAssembler(log)
	tokenService := service.NewTokenService(cfg.JWTSecret)
	assessmentService := service.NewAssessmentService(assessmentRepo, resultRepo, rdb, log)
	sessionService := service.NewSessionService(
		assessmentService, sessionRepo, eventRepo, assembler, submitter, publisher, heartbeat, cfg.Integrity, log,
	)
	submissionService := service.NewSubmissionService(
		assessmentService, resultRepo, sessionRepo, assembler, publisher, cfg.Integrity.BurstWindow, log,
	)
	monitorService := service.NewMonitorService(monitorRepo, sessionRepo, heartbeat, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Assessment: handler.NewAssessmentHandler(assessmentService, submissionService, sessionService, tokenService, log),
		WS:         handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins, cfg.Transport.HeartbeatTTL/3),
		Monitor:    handler.NewMonitorHandler(rdb, assessmentService, monitorService, log),
		System:     handler.NewSystemHandler(rdb, sessionService, log),
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	if err := assessmentService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	r := router.SetupRouter(ctx, tokenService, handlers, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new requests and websocket upgrades.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	cancel()

	// 2. Close live machines, then give undelivered results one more pass.
	sessionService.Shutdown()
	resendCtx, resendCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if left := submitter.Resend(resendCtx); left > 0 {
		log.Error().Int("pending", left).Msg("Results left undelivered at shutdown")
	}
	resendCancel()

	// 3. Stop the publisher and workers; each flushes its own buffer.
	pipelineCancel()
	pipeline.Wait()

	log.Info().Msg("Shutdown complete")
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
