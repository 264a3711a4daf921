package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ucshadow/internal/database"
	"github.com/JonMunkholm/ucshadow/internal/migration"
)

func newMigrateCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply, roll back or inspect the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Database.HasDatabase() {
				return errors.New("DATABASE_URL is required for migrate")
			}

			pool, err := database.Connect(cmd.Context(), database.PoolConfig{URL: cfg.Database.URL, MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			db := stdlib.OpenDBFromPool(pool)
			defer db.Close()

			switch action {
			case "version":
				v, dirty, err := migration.Version(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			case "down":
				if steps == 0 {
					steps = 1
				}
				if err := migration.Run(db, migration.Down, steps); err != nil {
					return err
				}
			default:
				if err := migration.Run(db, migration.Up, steps); err != nil {
					return err
				}
			}

			v, _, err := migration.Version(db)
			if err != nil {
				return err
			}
			slog.Info("migrations complete", "action", action, "version", v)
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "number of migrations to apply (down defaults to 1)")
	return cmd
}
