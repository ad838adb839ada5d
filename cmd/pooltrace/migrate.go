package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pooltrace-server/internal/config"
	"github.com/pooltrace-server/internal/logging"
	"github.com/pooltrace-server/internal/persistence"
)

func migrateCmd(configFile func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run Postgres schema migrations",
	}

	run := func(cmd *cobra.Command, up bool) error {
		var opts []config.Option
		if path := configFile(); path != "" {
			opts = append(opts, config.WithConfigFile(path))
		}
		manager, err := config.NewManager(opts...)
		if err != nil {
			return err
		}
		dbCfg := manager.GetDatabaseConfig()
		if dbCfg.Driver != "postgres" {
			return fmt.Errorf("migrations apply to the postgres driver only; sqlite creates its schema on open")
		}

		logger := logging.NewWithOutput(manager.GetConfig().Logging, cmd.ErrOrStderr())
		runner, err := persistence.NewMigrationRunner(*dbCfg, logger)
		if err != nil {
			return err
		}
		defer runner.Close()

		if up {
			return runner.Up(cmd.Context())
		}
		return runner.Down(cmd.Context())
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, true) },
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, false) },
		},
	)
	return cmd
}
