package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/lock"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

// wakeChannel lets an operator force a sweep with PUBLISH credits:sweep 1
const wakeChannel = "credits:sweep"

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg := config.Load()
	closeLog, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
		Service:     "credit-sweeper",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	defer closeLog.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Bool("once", *once).
		Dur("interval", cfg.SweepInterval).
		Int("batch_size", cfg.SweepBatchSize).
		Msg("Starting credit sweeper")

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	// Process-local locks would not exclude the API instances
	locks, err := lock.New(rdb, cfg.LockConfig(), cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("REDIS_URL is required outside development")
	}

	engine := credit.NewEngine(
		credit.NewRepository(db, cfg.LedgerQueryTimeout),
		locks,
		credit.Config{
			ReservationTTL:       cfg.ReservationTTL,
			MaxReservationAmount: cfg.MaxReservationAmount,
			SweepBatchSize:       cfg.SweepBatchSize,
		},
	)
	scheduler := credit.NewScheduler(engine, cfg.SweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		cleaned := scheduler.RunOnce(ctx)
		log.Info().Int("cleaned", cleaned).Msg("Single sweep finished")
		return
	}

	scheduler.Start(ctx)

	if rdb != nil {
		go subscribeWakeups(ctx, rdb, scheduler)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info().Msg("Shutdown signal received")
	cancel()
	scheduler.Stop()
	log.Info().Msg("credit sweeper stopped")
}

// subscribeWakeups triggers an extra sweep for every message on wakeChannel.
// The ticker keeps running, so a lost subscription only delays cleanup.
func subscribeWakeups(ctx context.Context, rdb *redis.Client, scheduler *credit.Scheduler) {
	sub := rdb.Subscribe(ctx, wakeChannel)
	defer func() { _ = sub.Close() }()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			log.Debug().Str("channel", wakeChannel).Msg("Sweep wake-up received")
			scheduler.Trigger()
		}
	}
}
