// Package cli implements backstagectl, the operator tool for migrations,
// search reindexing, board mirror recovery and account approval.
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"backstage/api/db"
	"backstage/api/internal/config"
	"backstage/api/internal/store"

	"github.com/spf13/cobra"
)

type App struct {
	ConfigPath string
	Pretty     bool

	cfg    config.Config
	logger *slog.Logger
}

func NewRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:          "backstagectl",
		Short:        "Operate a Backstage API deployment",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Apply pending migrations
  backstagectl migrate up

  # Show unsaved board changes left by a crashed server
  backstagectl mirror inspect

  # Approve a pending account
  backstagectl users approve <user-id>`),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.ConfigPath != "" {
				if err := os.Setenv("BACKSTAGE_CONFIG", app.ConfigPath); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return writeErr(cmd, err)
			}
			app.cfg = cfg
			app.logger = cfg.Logger()
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&app.ConfigPath, "config", os.Getenv("BACKSTAGE_CONFIG"), "Path to a TOML config file")
	cmd.PersistentFlags().BoolVar(&app.Pretty, "pretty", false, "Pretty-print JSON output")

	cmd.AddCommand(newMigrateCmd(app))
	cmd.AddCommand(newReindexCmd(app))
	cmd.AddCommand(newMirrorCmd(app))
	cmd.AddCommand(newUsersCmd(app))
	return cmd
}

func (a *App) openDB(ctx context.Context) (*sql.DB, error) {
	return store.Open(ctx, a.cfg.DatabaseURL)
}

func (a *App) migrations() fs.FS {
	if dir := strings.TrimSpace(a.cfg.MigrationsDir); dir != "" {
		return os.DirFS(dir)
	}
	return db.Migrations()
}

func writeOut(cmd *cobra.Command, app *App, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	if app.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func writeErr(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), err.Error())
	return err
}
