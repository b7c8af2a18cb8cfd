package main

import (
	"github.com/medrex/nuvora-ehr/internal/audit"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the audit trail schema in PostgreSQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		a := &app{cfg: cfg, logger: log}
		defer a.Close()

		ctx, cancel := withTimeout(cmd.Context(), 0)
		defer cancel()

		db, err := a.openDatabase(ctx)
		if err != nil {
			return err
		}
		if err := audit.NewPostgresRecorder(db, log, nil).Migrate(ctx); err != nil {
			return err
		}
		log.Info("Audit schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
