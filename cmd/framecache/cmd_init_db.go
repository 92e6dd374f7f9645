package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/bdougie/framecache/internal/config"
	"github.com/bdougie/framecache/internal/storage"
)

type InitDBCmd struct {
	flags *Flags
}

// NewInitDBCmd creates a new init-db command
func NewInitDBCmd(flags *Flags) *InitDBCmd {
	return &InitDBCmd{flags: flags}
}

// Register adds the init-db command to the application
func (cmd *InitDBCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "init-db",
		Usage: "Create the storage schema",
		Description: `Creates the tables used by the configured storage driver. For postgres this
also enables the pgvector extension and sizes the embedding column from
storage.postgres.dimensions. The json driver needs no setup.`,
		Action: cmd.run,
	})

	return app
}

func (cmd *InitDBCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	logger := cmd.flags.Logger

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		if err := storage.InitSchema(ctx, cfg.Storage.Postgres); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
		logger.Info("postgres schema ready", "dimensions", cfg.Storage.Postgres.Dimensions)
	case config.DriverSQLite:
		store, err := storage.OpenSQLite(cfg.Storage.SQLitePath, cfg.OutputDir)
		if err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
		logger.Info("sqlite schema ready", "path", cfg.Storage.SQLitePath)
		return store.Close()
	default:
		logger.Info("nothing to initialize", "driver", cfg.Storage.Driver)
	}
	return nil
}
