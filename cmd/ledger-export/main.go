package main

import (
	"context"
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
	"github.com/mwork/credit-ledger/internal/pkg/storage"
)

func main() {
	yesterday := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)

	fromFlag := flag.String("from", yesterday.Format(time.RFC3339), "window start (RFC3339, inclusive)")
	toFlag := flag.String("to", "", "window end (RFC3339, exclusive); default from + 24h")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall export timeout")
	flag.Parse()

	cfg := config.Load()
	closeLog, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
		Service:     "ledger-export",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	defer closeLog.Close()

	from, to, err := parseWindow(*fromFlag, *toFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid export window")
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close(db)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := storage.NewS3Storage(ctx, storage.Config{
		S3Endpoint:  cfg.S3Endpoint,
		S3Region:    cfg.S3Region,
		S3AccessKey: cfg.S3AccessKey,
		S3SecretKey: cfg.S3SecretKey,
		S3Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create S3 client")
	}

	exporter := credit.NewExporter(credit.NewRepository(db, cfg.LedgerQueryTimeout), store, cfg.ExportPrefix)

	key, count, err := exporter.Export(ctx, from, to)
	if err != nil {
		log.Fatal().Err(err).Msg("Ledger export failed")
	}

	log.Info().
		Str("url", store.GetURL(key)).
		Int("transactions", count).
		Msg("Ledger export finished")
}

func parseWindow(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if toRaw == "" {
		return from, from.Add(24 * time.Hour), nil
	}
	to, err := time.Parse(time.RFC3339, toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}
