// Command migrate applies the txscreen schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/liamcoop/txscreen/internal/logger"
)

func main() {
	var databaseURL string
	var migrationsPath string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to DATABASE_URL or TXSCREEN_DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	for _, env := range []string{"DATABASE_URL", "TXSCREEN_DATABASE_URL"} {
		if databaseURL == "" {
			databaseURL = os.Getenv(env)
		}
	}
	if databaseURL == "" {
		logger.Fatal("Database URL is required. Use -database flag or DATABASE_URL environment variable")
	}

	logger.Info("Connecting to database", "migrations", migrationsPath)

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		logger.Fatal("Failed to create migration instance", "error", err)
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			logger.Info("No migrations to run, database is up to date")
		case err != nil:
			logger.Fatal("Failed to run migrations", "error", err)
		default:
			logger.Info("Migrations completed")
		}

	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("Failed to roll back migrations", "error", err)
		}
		logger.Info("Rollback completed")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			logger.Fatal("Failed to get version", "error", err)
		}
		logger.Info("Current schema version", "version", version, "dirty", dirty)

	case "force":
		if flag.NArg() < 1 {
			logger.Fatal("Force requires a version number: -command force <version>")
		}
		version, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			logger.Fatal("Invalid version number", "error", err)
		}
		if err := m.Force(version); err != nil {
			logger.Fatal("Failed to force version", "error", err)
		}
		logger.Info("Forced schema version", "version", version)

	default:
		logger.Fatal("Unknown command (use: up, down, version, force)", "command", command)
	}
}
