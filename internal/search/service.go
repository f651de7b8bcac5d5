package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  Searcher
	loader recordLoader
	logger *zap.Logger
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]RepositoryRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{meili: meili, logger: logger}
	if pgfts != nil {
		s.pgfts = pgfts
		s.loader = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
// Restricted items are filtered again here regardless of backend.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: sanitizeResults(nonNil(results), q.IncludeRestricted), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: sanitizeResults(nonNil(results), q.IncludeRestricted), Total: total, Query: q.Text}
}

// IndexItem indexes a newly published item (fire-and-forget to Meilisearch).
func (s *Service) IndexItem(rec RepositoryRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexItem(rec); err != nil {
			s.logger.Warn("index repository item", zap.String("item_id", rec.ID), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG pushes every visible item from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexItems(records); err != nil {
		s.logger.Warn("reindex repository", zap.Error(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

func sanitizeResults(results []Result, includeRestricted bool) []Result {
	if includeRestricted {
		return results
	}
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if result.Restricted {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}
