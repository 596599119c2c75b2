// Package search finds items by free text. Meilisearch serves queries while
// it is healthy; the database answers otherwise.
package search

import (
	"context"
	"time"

	"lostfound/api/internal/claims"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Snippet     string `json:"snippet"`
}

type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ItemRecord is the data we index for an item. The claim count is left out:
// it changes with every request and is always read from the database.
type ItemRecord struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	CreatorID   string `json:"creatorId"`
	CreatedAt   int64  `json:"createdAt"`
}

func RecordFromItem(item claims.Item) ItemRecord {
	return ItemRecord{
		ID:          item.ID,
		Label:       item.Label,
		Description: item.Description,
		CreatorID:   item.CreatorID,
		CreatedAt:   item.CreatedAt.UnixMilli(),
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

const indexTimeout = 5 * time.Second
