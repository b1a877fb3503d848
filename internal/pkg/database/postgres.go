package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Open connects to the ledger database for the given driver name
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite3":
		return NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewPostgres creates a new PostgreSQL connection pool
func NewPostgres(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	// Every ledger call holds a connection only for its own short transaction
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Msg("Connected to PostgreSQL")
	return db, nil
}

// Close closes the database connection
func Close(db *sqlx.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		log.Error().Err(err).Str("driver", db.DriverName()).Msg("Error closing database connection")
		return
	}
	log.Info().Str("driver", db.DriverName()).Msg("Database connection closed")
}
