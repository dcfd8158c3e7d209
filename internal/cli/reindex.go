package cli

import (
	"errors"
	"strings"

	"backstage/api/internal/search"

	"github.com/spf13/cobra"
)

func newReindexCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch indexes from PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(app.cfg.MeiliURL) == "" {
				return writeErr(cmd, errors.New("MEILI_URL is not configured"))
			}
			ctx := cmd.Context()
			conn, err := app.openDB(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			defer conn.Close()

			meili := search.NewMeili(app.cfg.MeiliURL, app.cfg.MeiliMasterKey, app.logger)
			defer meili.Close()
			if !meili.Healthy() {
				return writeErr(cmd, errors.New("meilisearch is unreachable"))
			}

			svc := search.NewService(meili, search.NewPgFTS(conn), app.logger)
			count, err := svc.ReindexAllFromPG(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			return writeOut(cmd, app, map[string]any{"indexed": count})
		},
	}
}
