package search

import (
	"context"
	"log/slog"

	"lostfound/api/internal/claims"
)

// ItemLister loads the items to rebuild the index from.
type ItemLister interface {
	ListItems(ctx context.Context, limit int) ([]claims.Item, error)
}

// Service is the facade that tries Meilisearch first and falls back to SQL.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, log: log.With("component", "search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to sql", "error", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("sql search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexItem pushes an item to Meilisearch without blocking the caller.
func (s *Service) IndexItem(item claims.Item) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFromItem(item)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		if err := s.meili.IndexItems(ctx, []ItemRecord{record}); err != nil {
			s.log.Warn("index item", "item_id", record.ID, "error", err)
		}
	}()
}

func (s *Service) RemoveItem(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		if err := s.meili.DeleteItem(ctx, id); err != nil {
			s.log.Warn("remove item from index", "item_id", id, "error", err)
		}
	}()
}

// Reindex rebuilds the Meilisearch index from the database.
func (s *Service) Reindex(ctx context.Context, items ItemLister) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	all, err := items.ListItems(ctx, 10000)
	if err != nil {
		s.log.Warn("reindex load failed", "error", err)
		return
	}
	records := make([]ItemRecord, 0, len(all))
	for _, item := range all {
		records = append(records, RecordFromItem(item))
	}
	if err := s.meili.IndexItems(ctx, records); err != nil {
		s.log.Warn("reindex items", "error", err)
		return
	}
	s.log.Info("search index rebuilt", "items", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
