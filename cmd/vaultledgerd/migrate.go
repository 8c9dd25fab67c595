package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coralledger/vault-ledger/config"
	"github.com/coralledger/vault-ledger/log"
	"github.com/coralledger/vault-ledger/postgres"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			if !cfg.Postgres.Enabled() {
				return errors.New("no postgres DSN configured, nothing to migrate")
			}

			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}

			logger, err := log.NewZapLogger(level)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}

			conn := &postgres.Connection{
				ConnectionStringPrimary: cfg.Postgres.PrimaryDSN,
				ConnectionStringReplica: cfg.Postgres.ReplicaDSN,
				MigrationsPath:          cfg.Postgres.MigrationsPath,
				Logger:                  logger,
			}

			// Connect runs pending migrations against the primary.
			if err := conn.Connect(cmd.Context()); err != nil {
				return err
			}

			return conn.Close()
		},
	}
}
