package cli

import (
	"backstage/api/internal/authpw"
	"backstage/api/internal/store"

	"github.com/spf13/cobra"
)

func newUsersCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Review accounts waiting for approval",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List pending accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := app.openDB(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			defer conn.Close()

			accounts := authpw.NewService(store.NewPostgresStore(conn), app.cfg.BootstrapAdmin)
			users, err := accounts.ListPending(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			out := make([]map[string]any, 0, len(users))
			for _, u := range users {
				out = append(out, map[string]any{"id": u.ID, "email": u.Email, "displayName": u.DisplayName, "createdAt": u.CreatedAt})
			}
			return writeOut(cmd, app, map[string]any{"users": out})
		},
	})

	for _, decision := range []struct {
		use, short string
		approve    bool
	}{
		{use: "approve <user-id>", short: "Approve an account", approve: true},
		{use: "reject <user-id>", short: "Reject an account", approve: false},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   decision.use,
			Short: decision.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				conn, err := app.openDB(ctx)
				if err != nil {
					return writeErr(cmd, err)
				}
				defer conn.Close()

				accounts := authpw.NewService(store.NewPostgresStore(conn), app.cfg.BootstrapAdmin)
				var user store.User
				if decision.approve {
					user, err = accounts.Approve(ctx, args[0])
				} else {
					user, err = accounts.Reject(ctx, args[0])
				}
				if err != nil {
					return writeErr(cmd, err)
				}
				return writeOut(cmd, app, map[string]any{"id": user.ID, "email": user.Email, "status": user.Status})
			},
		})
	}

	return cmd
}
