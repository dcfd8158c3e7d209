// Package board wires write-behind controllers to the two kanban boards:
// groups arranged by storage location and a performance's prop checklist.
package board

import (
	"strconv"
	"strings"
	"time"

	"backstage/api/internal/reorder"
	"backstage/api/internal/store"
	"backstage/api/internal/writebehind"
)

const (
	GroupsKey       = "group_kanban_pending_updates"
	PropsKeyPrefix  = "props_kanban_pending_updates:"
	GroupsSignal    = "groups_updated"
	PropsSignal     = "props_updated"
	UnassignedGroup = "unassigned"

	PropsToPrepare = "0"
	PropsReady     = "1"

	DefaultGroupsQuietPeriod = 30 * time.Second
	DefaultPropsQuietPeriod  = 2 * time.Second
)

// PropsKey returns the mirror key of a performance's prop board.
func PropsKey(performanceID string) string {
	return PropsKeyPrefix + performanceID
}

// PerformanceFromKey extracts the performance id from a props board key.
func PerformanceFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, PropsKeyPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, PropsKeyPrefix)
	return id, id != ""
}

// GroupsLayout has one column per location plus the unassigned column,
// which is stored as a NULL location_id.
func GroupsLayout(locations []store.Location) writebehind.Layout {
	ids := make([]string, 0, len(locations)+1)
	ids = append(ids, UnassignedGroup)
	for _, loc := range locations {
		ids = append(ids, loc.ID)
	}
	return writebehind.Layout{
		Columns:     reorder.Columns{IDs: ids, Default: UnassignedGroup},
		ColumnField: "location_id",
		RankField:   "sort_order",
		EncodeColumn: func(column string) any {
			if column == UnassignedGroup {
				return nil
			}
			return column
		},
		DecodeColumn: func(value any) string {
			s, ok := value.(string)
			if !ok || s == "" {
				return UnassignedGroup
			}
			return s
		},
	}
}

// PropsLayout has the "to prepare" and "ready" columns, stored as
// column_index 0 and 1.
func PropsLayout() writebehind.Layout {
	return writebehind.Layout{
		Columns:     reorder.Columns{IDs: []string{PropsToPrepare, PropsReady}, Default: PropsToPrepare},
		ColumnField: "column_index",
		RankField:   "sort_order",
		EncodeColumn: func(column string) any {
			n, err := strconv.Atoi(column)
			if err != nil {
				return 0
			}
			return n
		},
		DecodeColumn: func(value any) string {
			n, ok := writebehind.IntValue(value)
			if !ok {
				return PropsToPrepare
			}
			return strconv.Itoa(n)
		},
	}
}

func groupRecords(groups []store.Group) []writebehind.Record {
	out := make([]writebehind.Record, 0, len(groups))
	for _, g := range groups {
		column := UnassignedGroup
		if g.LocationID != nil && *g.LocationID != "" {
			column = *g.LocationID
		}
		out = append(out, writebehind.Record{
			ID:     g.ID,
			Column: column,
			Rank:   g.SortOrder,
			Fields: map[string]any{"name": g.Name, "icon": g.Icon},
		})
	}
	return out
}

func propRecords(props []store.PerformanceProp) []writebehind.Record {
	out := make([]writebehind.Record, 0, len(props))
	for _, p := range props {
		fields := map[string]any{
			"item_name":  p.ItemName,
			"is_checked": p.IsChecked,
			"image_url":  p.ImageURL,
		}
		if p.SceneID != nil {
			fields["scene_id"] = *p.SceneID
		}
		out = append(out, writebehind.Record{
			ID:     p.ID,
			Column: strconv.Itoa(p.ColumnIndex),
			Rank:   p.SortOrder,
			Fields: fields,
		})
	}
	return out
}
