package search

import (
	"context"
	"log/slog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, pgfts: pgfts, logger: logger}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("search: meilisearch error, falling back to pgfts", "error", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: pgfts error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index pushes a record to Meilisearch without waiting for the result.
func (s *Service) Index(rec Record) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Index(rec); err != nil {
			s.logger.Warn("search: index failed", "type", rec.Type, "id", rec.ID, "error", err)
		}
	}()
}

// Delete removes a record from Meilisearch without waiting for the result.
func (s *Service) Delete(t ResultType, id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.Delete(t, id); err != nil {
			s.logger.Warn("search: delete failed", "type", t, "id", id, "error", err)
		}
	}()
}

// ReindexAllFromPG reindexes every searchable entity from PostgreSQL into
// Meilisearch and returns how many records were sent.
func (s *Service) ReindexAllFromPG(ctx context.Context) (int, error) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return 0, nil
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.meili.IndexAll(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
