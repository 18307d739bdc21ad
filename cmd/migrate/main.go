// Package main provides a CLI tool for the bridge schema migrations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/internal/config"
	"github.com/veolab/igeo-bridge/internal/database"
	"github.com/veolab/igeo-bridge/internal/observability"
)

const connectTimeout = 30 * time.Second

var errNoAction = errors.New("specify one of: -up, -down, -steps N, -status, -force V")

// action is the single operation requested on the command line.
type action struct {
	name    string
	steps   int
	version int
	path    string
}

func main() {
	act, err := parseAction(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := run(act); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// parseAction reads the flags and checks that exactly one action was given.
func parseAction(args []string, output io.Writer) (action, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)

	up := fs.Bool("up", false, "Run all pending migrations")
	down := fs.Bool("down", false, "Roll back all migrations")
	steps := fs.Int("steps", 0, "Run N migration steps (positive=up, negative=down)")
	status := fs.Bool("status", false, "Print the current migration version")
	force := fs.Int("force", -1, "Force set migration version (use to recover from failed migrations)")
	path := fs.String("path", "", "Migrations directory (default: embedded migrations)")

	if err := fs.Parse(args); err != nil {
		return action{}, err
	}

	var chosen []action
	if *up {
		chosen = append(chosen, action{name: "up"})
	}
	if *down {
		chosen = append(chosen, action{name: "down"})
	}
	if *steps != 0 {
		chosen = append(chosen, action{name: "steps", steps: *steps})
	}
	if *status {
		chosen = append(chosen, action{name: "status"})
	}
	if *force >= 0 {
		chosen = append(chosen, action{name: "force", version: *force})
	}

	switch len(chosen) {
	case 0:
		fs.Usage()
		return action{}, errNoAction
	case 1:
		act := chosen[0]
		act.path = *path
		return act, nil
	default:
		return action{}, fmt.Errorf("specify only one action at a time")
	}
}

func run(act action) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})
	logger = observability.WithComponent(logger, "migrate")

	migrationDir := cfg.Database.MigrationPath
	if act.path != "" {
		migrationDir = act.path
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger,
		database.WithApplicationName(cfg.Broker.ConnectionName+"-migrate"),
		database.WithMaxConns(1))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, migrationDir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	switch act.name {
	case "up":
		err = migrator.Up()
	case "down":
		logger.Warn().Msg("rolling back all migrations, bridge sync state will be dropped")
		err = migrator.Down()
	case "steps":
		err = migrator.Steps(act.steps)
	case "force":
		err = migrator.Force(act.version)
	}
	if err != nil {
		return err
	}
	return printStatus(migrator, logger)
}

func printStatus(migrator *database.Migrator, logger zerolog.Logger) error {
	status, err := migrator.Status()
	if err != nil {
		return err
	}
	if !status.Applied {
		logger.Info().Msg("no migrations applied")
		return nil
	}
	logger.Info().
		Uint("version", status.Version).
		Bool("dirty", status.Dirty).
		Msg("current migration version")
	return nil
}
