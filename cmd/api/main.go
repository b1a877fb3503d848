package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/lock"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
	pkgresponse "github.com/mwork/credit-ledger/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	closeLog, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
		Service:     "credit-api",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	defer closeLog.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("db_driver", cfg.DatabaseDriver).
		Msg("Starting credit ledger API")

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close(db)

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := credit.Migrate(migrateCtx, db); err != nil {
		cancelMigrate()
		log.Fatal().Err(err).Msg("Failed to apply ledger schema")
	}
	cancelMigrate()

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	// ---------- Credit ledger ----------
	repo := credit.NewRepository(db, cfg.LedgerQueryTimeout)
	locks, err := lock.New(rdb, cfg.LockConfig(), cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("REDIS_URL is required outside development")
	}
	engine := credit.NewEngine(repo, locks, credit.Config{
		ReservationTTL:       cfg.ReservationTTL,
		MaxReservationAmount: cfg.MaxReservationAmount,
		SweepBatchSize:       cfg.SweepBatchSize,
	})
	query := credit.NewQueryService(repo, nil)
	creditHandler := credit.NewHandler(engine, query)

	var scheduler *credit.Scheduler
	if cfg.SweepEnabled {
		scheduler = credit.NewScheduler(engine, cfg.SweepInterval)
		scheduler.Start(context.Background())
	}

	router := newRouter(cfg, creditHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if scheduler != nil {
		scheduler.Stop()
	}

	log.Info().Msg("Server stopped")
}

func newRouter(cfg *config.Config, creditHandler *credit.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/credits", func(r chi.Router) {
		creditHandler.Mount(r)
	})

	return r
}
