package cli

import (
	"errors"

	"backstage/api/internal/store"

	"github.com/spf13/cobra"
)

func newMigrateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := app.openDB(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			defer conn.Close()

			applied, err := store.ApplyMigrations(ctx, conn, app.migrations())
			if err != nil {
				return writeErr(cmd, err)
			}
			return writeOut(cmd, app, map[string]any{"applied": nonNil(applied)})
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return writeErr(cmd, errors.New("--steps must be at least 1"))
			}
			ctx := cmd.Context()
			conn, err := app.openDB(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			defer conn.Close()

			rolledBack, err := store.RollbackMigrations(ctx, conn, app.migrations(), steps)
			if err != nil {
				return writeErr(cmd, err)
			}
			return writeOut(cmd, app, map[string]any{"rolledBack": nonNil(rolledBack)})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
