package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"backstage/api/internal/board"
	"backstage/api/internal/config"
	"backstage/api/internal/mirror"
	"backstage/api/internal/store"
	"backstage/api/internal/writebehind"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// openMirror opens the configured board mirror. The returned func
// releases every connection it opened.
func (a *App) openMirror(ctx context.Context) (mirror.Mirror, func(), error) {
	var client *redis.Client
	if a.cfg.Mirror == config.MirrorRedis {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
	}
	m, closeMirror, err := mirror.Open(a.cfg.Mirror, client, a.cfg.BoltPath)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, nil, err
	}
	return m, func() {
		_ = closeMirror()
		if client != nil {
			_ = client.Close()
		}
	}, nil
}

type mirrorEntry struct {
	Key         string                       `json:"key"`
	Board       string                       `json:"board"`
	Performance string                       `json:"performanceId,omitempty"`
	Count       int                          `json:"count"`
	Patches     map[string]writebehind.Patch `json:"patches,omitempty"`
	Error       string                       `json:"error,omitempty"`
}

func inspectMirror(ctx context.Context, m mirror.Mirror, withPatches bool) ([]mirrorEntry, error) {
	keys, err := m.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list mirror keys: %w", err)
	}
	sort.Strings(keys)

	entries := make([]mirrorEntry, 0, len(keys))
	for _, key := range keys {
		entry := mirrorEntry{Key: key, Board: "unknown"}
		switch {
		case key == board.GroupsKey:
			entry.Board = "groups"
		case strings.HasPrefix(key, board.PropsKeyPrefix):
			entry.Board = "props"
			entry.Performance, _ = board.PerformanceFromKey(key)
		}
		raw, ok, err := m.Get(ctx, key)
		if err != nil {
			entry.Error = err.Error()
			entries = append(entries, entry)
			continue
		}
		if !ok {
			continue
		}
		pending, err := writebehind.DecodeMirror(raw)
		if err != nil {
			entry.Error = err.Error()
		}
		entry.Count = len(pending)
		if withPatches {
			entry.Patches = pending
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func newMirrorCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Inspect or replay unsaved board changes",
	}

	var withPatches bool
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "List boards with changes that were never written",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, release, err := app.openMirror(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			defer release()

			entries, err := inspectMirror(ctx, m, withPatches)
			if err != nil {
				return writeErr(cmd, err)
			}
			return writeOut(cmd, app, map[string]any{"backend": app.cfg.Mirror, "boards": entries})
		},
	}
	inspect.Flags().BoolVar(&withPatches, "patches", false, "Include the pending patches")
	cmd.AddCommand(inspect)

	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Write mirrored changes to the database and clear them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, release, err := app.openMirror(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			defer release()

			conn, err := app.openDB(ctx)
			if err != nil {
				return writeErr(cmd, err)
			}
			defer conn.Close()

			manager := board.NewManager(store.NewPostgresStore(conn), board.Config{
				FlushTimeout: app.cfg.FlushTimeout,
				Mirror:       m,
				Logger:       app.logger,
			})
			recovered, recoverErr := manager.RecoverAll(ctx)
			closeErr := manager.CloseAll(ctx)

			remaining, err := inspectMirror(ctx, m, false)
			if err != nil {
				return writeErr(cmd, err)
			}
			if err := writeOut(cmd, app, map[string]any{"recovered": recovered, "remaining": remaining}); err != nil {
				return err
			}
			if recoverErr != nil {
				return writeErr(cmd, recoverErr)
			}
			if closeErr != nil {
				return writeErr(cmd, closeErr)
			}
			return nil
		},
	})

	return cmd
}
