package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"backstage/api/internal/board"
	"backstage/api/internal/media"
	"backstage/api/internal/store"
	"backstage/api/internal/writebehind"
)

const (
	boardGroups = "groups"
	boardProps  = "props"
)

type ReorderInput struct {
	ID     string `json:"id"`
	Column string `json:"column"`
	Rank   int    `json:"rank"`
}

// boardTable maps a board kind to the table its records live in.
var boardTable = map[string]string{
	boardGroups: "groups",
	boardProps:  "performance_props",
}

// placementFields are written only through Reorder.
var placementFields = map[string]bool{
	"location_id":  true,
	"column_index": true,
	"sort_order":   true,
}

// board resolves a board by kind and scope, opening it on first use. The
// groups board has a single instance and ignores scope.
func (s *Service) board(ctx context.Context, kind, scope string) (*writebehind.Controller, error) {
	switch kind {
	case boardGroups:
		return s.boards.Groups(ctx)
	case boardProps:
		if strings.TrimSpace(scope) == "" {
			return nil, validationError("performance id is required")
		}
		if _, err := s.store.GetPerformance(ctx, scope); err != nil {
			return nil, err
		}
		return s.boards.Props(ctx, scope)
	default:
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Unknown board "+kind, nil)
	}
}

func boardKey(kind, scope string) string {
	if kind == boardProps {
		return board.PropsKey(scope)
	}
	return board.GroupsKey
}

func (s *Service) OpenBoard(ctx context.Context, kind, scope string) (map[string]any, error) {
	ctrl, err := s.board(ctx, kind, scope)
	if err != nil {
		return nil, err
	}
	return boardPayload(kind, ctrl), nil
}

func (s *Service) ReorderBoard(ctx context.Context, kind, scope string, input ReorderInput) (map[string]any, error) {
	if strings.TrimSpace(input.ID) == "" || strings.TrimSpace(input.Column) == "" {
		return nil, validationError("id and column are required")
	}
	ctrl, err := s.board(ctx, kind, scope)
	if err != nil {
		return nil, err
	}
	changes, err := ctrl.Reorder(ctx, input.ID, input.Column, input.Rank)
	if err != nil {
		return nil, err
	}
	payload := boardPayload(kind, ctrl)
	payload["changes"] = changes
	return payload, nil
}

func (s *Service) UpdateBoardItem(ctx context.Context, kind, scope, id string, patch map[string]any) (map[string]any, error) {
	if len(patch) == 0 {
		return nil, validationError("nothing to update")
	}
	table := boardTable[kind]
	for field := range patch {
		if placementFields[field] {
			return nil, validationError(field + " changes go through reorder")
		}
		if table != "" && !store.Patchable(table, field) {
			return nil, domainError(http.StatusBadRequest, "UNKNOWN_FIELD", "Unknown field "+field, nil)
		}
	}
	ctrl, err := s.board(ctx, kind, scope)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Update(ctx, id, writebehind.Patch(patch)); err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "pending": len(ctrl.Pending())}, nil
}

func (s *Service) DeleteBoardItem(ctx context.Context, kind, scope, id string) error {
	ctrl, err := s.board(ctx, kind, scope)
	if err != nil {
		return err
	}
	return ctrl.Cancel(ctx, id)
}

func (s *Service) FlushBoard(ctx context.Context, kind, scope, reason string) (map[string]any, error) {
	var r writebehind.Reason
	switch reason {
	case "", string(writebehind.ReasonSave):
		r = writebehind.ReasonSave
	case string(writebehind.ReasonBlur):
		r = writebehind.ReasonBlur
	default:
		return nil, validationError("reason must be save or blur")
	}
	ctrl, err := s.board(ctx, kind, scope)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Flush(ctx, r); err != nil {
		return nil, domainError(http.StatusBadGateway, "FLUSH_FAILED", "Changes could not be saved; they stay pending", map[string]any{"pending": len(ctrl.Pending())})
	}
	return map[string]any{"key": ctrl.Key(), "pending": len(ctrl.Pending())}, nil
}

func (s *Service) CloseBoard(ctx context.Context, kind, scope string) error {
	if _, ok := boardTable[kind]; !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Unknown board "+kind, nil)
	}
	if err := s.boards.Close(ctx, boardKey(kind, scope)); err != nil {
		return domainError(http.StatusBadGateway, "FLUSH_FAILED", "Changes could not be saved; they stay pending", nil)
	}
	return nil
}

// SetPropImage uploads an image for a performance prop and queues the
// image_url change on the prop board.
func (s *Service) SetPropImage(ctx context.Context, performanceID, propID string, data []byte) (map[string]any, error) {
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Image storage is not configured", nil)
	}
	ctrl, err := s.board(ctx, boardProps, performanceID)
	if err != nil {
		return nil, err
	}
	known := false
	for _, rec := range ctrl.Records() {
		if rec.ID == propID {
			known = true
			break
		}
	}
	if !known {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Prop %s not found", propID), nil)
	}
	obj, err := s.media.PutImage(ctx, media.Upload{Kind: media.KindProp, OwnerID: propID, Data: data})
	if err != nil {
		return nil, err
	}
	if err := ctrl.Update(ctx, propID, writebehind.Patch{"image_url": obj.URL}); err != nil {
		return nil, err
	}
	return map[string]any{"id": propID, "imageUrl": obj.URL, "key": obj.Key}, nil
}

func boardPayload(kind string, ctrl *writebehind.Controller) map[string]any {
	return map[string]any{
		"kind":    kind,
		"key":     ctrl.Key(),
		"records": ctrl.Records(),
		"pending": len(ctrl.Pending()),
	}
}
