package claims

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

const historyFetchConcurrency = 8

// HistoryEntry pairs a claimed item with the viewer's request on it.
type HistoryEntry struct {
	Item    Item         `json:"item"`
	Request ClaimRequest `json:"request"`
}

// History lists a requester's claims whose request satisfies f, newest
// first. Items that no longer exist are left out.
func History(ctx context.Context, port Port, requester *Identity, f Filter) ([]HistoryEntry, error) {
	if requester == nil || requester.ID == "" {
		return nil, ErrUnauthenticated
	}

	requests, err := port.FetchRequesterHistory(ctx, requester.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch requester history: %w", err)
	}

	byItem := make(map[string]*ClaimRequest, len(requests))
	for i := range requests {
		byItem[requests[i].ItemID] = &requests[i]
	}
	selected := FilterRequests(byItem, f)
	if len(selected) == 0 {
		return []HistoryEntry{}, nil
	}

	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	items := make([]*Item, len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(historyFetchConcurrency)
	for i, id := range ids {
		group.Go(func() error {
			item, err := port.FetchItem(groupCtx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("fetch item %s: %w", id, err)
			}
			items[i] = &item
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, HistoryEntry{Item: *item, Request: *byItem[item.ID]})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Request.CreatedAt.Equal(entries[j].Request.CreatedAt) {
			return entries[i].Item.ID < entries[j].Item.ID
		}
		return entries[i].Request.CreatedAt.After(entries[j].Request.CreatedAt)
	})
	return entries, nil
}
