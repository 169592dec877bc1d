package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mtr002/taskmanager/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connect opens a Postgres pool and retries the first ping with exponential
// backoff, since the database may still be starting.
func Connect(ctx context.Context, url string, maxOpenConns int, tries uint64) (*sql.DB, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpenConns > 0 {
		conn.SetMaxOpenConns(maxOpenConns)
		conn.SetMaxIdleConns(maxOpenConns)
	}
	conn.SetConnMaxLifetime(30 * time.Minute)

	backoff := retry.WithMaxRetries(tries, retry.NewExponential(500*time.Millisecond))
	backoff = retry.WithCappedDuration(5*time.Second, backoff)

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := conn.PingContext(ctx); err != nil {
			logger.Logger.Warn().Err(err).Int("attempt", attempt).Msg("Database not ready")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Logger.Info().Int("attempts", attempt).Msg("Connected to database")
	return conn, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(conn *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Logger.Info().Msg("Database migrations applied")
	return nil
}
