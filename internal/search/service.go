package search

import (
	"context"
	"log/slog"
)

// Indexer receives poem changes for the search index.
type Indexer interface {
	IndexPoem(rec PoemRecord) error
	DeletePoem(id string) error
}

// Service is the facade that tries Meilisearch first and falls back to the
// fuzzy matcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to fuzzy", "err", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fuzzy search failed", "err", err)
		return Response{Results: []Result{}, Query: q.Text, Engine: "fuzzy"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "fuzzy"}
}

// IndexPoem pushes a poem to Meilisearch. It is a no-op when Meilisearch is
// not configured or down.
func (s *Service) IndexPoem(rec PoemRecord) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexPoem(rec)
}

func (s *Service) DeletePoem(id string) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.DeletePoem(id)
}

// Reindex pushes every record from source to Meilisearch. Called at startup.
func (s *Service) Reindex(ctx context.Context, source Source) {
	if s.meili == nil || !s.meili.Healthy() || source == nil {
		return
	}
	records, err := source(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "err", err)
		return
	}
	if err := s.meili.IndexPoems(records); err != nil {
		s.logger.Error("reindex poems failed", "err", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
