package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"

	"commitflow/logger"
	"commitflow/migrations"
)

// Migrate applies every pending embedded migration and returns how many ran.
func Migrate(ctx context.Context, dsn string) (int, error) {
	log := logger.NewSublogger("db-migrate")

	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, fmt.Errorf("db: open migration connection: %w", err)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("db: ping migration connection: %w", err)
	}

	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrations.FS,
		Root:       ".",
	}

	n, err := migrate.Exec(conn, "postgres", source, migrate.Up)
	if err != nil {
		return n, fmt.Errorf("db: apply migrations: %w", err)
	}

	log.WithField("num", n).Info("Applied migrations")
	return n, nil
}
