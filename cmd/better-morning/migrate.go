package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/00sapo/better-morning/migrations"
)

func migrateCmd(opts *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:       "migrate <command>",
		Short:     "Manage the SQLite history schema",
		Long:      "Runs a goose command against the sqlite history database: " + strings.Join(migrations.Commands, ", ") + ".",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: migrations.Commands,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, log, err := opts.setup()
			if err != nil {
				return err
			}
			if dbPath == "" {
				if err := os.MkdirAll(g.History.Dir, 0o750); err != nil {
					return fmt.Errorf("create history dir: %w", err)
				}
				dbPath = g.HistoryPath()
			}

			db, err := sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			log.Info("running migration", "command", args[0], "db", dbPath)
			return migrations.Command(cmd.Context(), db, args[0])
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (default <history dir>/history.db)")
	return cmd
}
