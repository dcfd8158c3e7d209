package board

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"backstage/api/internal/realtime"
	"backstage/api/internal/store"
	"backstage/api/internal/writebehind"
)

// Store is the persistence the boards need.
type Store interface {
	ListLocations(ctx context.Context) ([]store.Location, error)
	ListGroups(ctx context.Context) ([]store.Group, error)
	ListPerformanceProps(ctx context.Context, performanceID string) ([]store.PerformanceProp, error)
	PatchRow(ctx context.Context, table, id string, patch map[string]any) error
	DeleteRow(ctx context.Context, table, id string) error
}

// tableUpdater writes patches to one table and announces each write to
// realtime subscribers of the table.
type tableUpdater struct {
	table     string
	store     Store
	publisher realtime.Publisher
	logger    *slog.Logger
}

func (u tableUpdater) Update(ctx context.Context, id string, patch writebehind.Patch) error {
	err := u.store.PatchRow(ctx, u.table, id, patch)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleted elsewhere; retrying would block the rest of the board.
		u.logger.Warn("board: dropping patch for missing row", "table", u.table, "id", id)
		return nil
	}
	if err != nil {
		return err
	}
	u.publish(ctx, realtime.Event{Collection: u.table, Type: realtime.EventUpdate, ID: id, Row: patch})
	return nil
}

func (u tableUpdater) Delete(ctx context.Context, id string) error {
	if err := u.store.DeleteRow(ctx, u.table, id); err != nil {
		return err
	}
	u.publish(ctx, realtime.Event{Collection: u.table, Type: realtime.EventDelete, ID: id})
	return nil
}

func (u tableUpdater) publish(ctx context.Context, event realtime.Event) {
	if err := u.publisher.Publish(ctx, event); err != nil {
		u.logger.Warn("board: publish failed", "table", u.table, "id", event.ID, "error", err)
	}
}
