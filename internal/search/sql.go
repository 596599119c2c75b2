package search

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"

	"lostfound/api/internal/claims"
)

// ItemQuerier runs a substring match against stored items.
type ItemQuerier interface {
	SearchItems(ctx context.Context, text string, limit int) ([]claims.Item, error)
}

// rankWindow is how many of the newest substring matches are ranked. Every
// page is cut from the same ranked window so pages never overlap.
const rankWindow = 200

// SQLSearch implements Searcher on top of the item store. Total reports the
// matches inside the ranked window.
type SQLSearch struct {
	items ItemQuerier
}

func NewSQLSearch(items ItemQuerier) *SQLSearch {
	return &SQLSearch{items: items}
}

// Healthy always returns true; without the database nothing works anyway.
func (s *SQLSearch) Healthy() bool {
	return true
}

func (s *SQLSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	limit := defaultLimit(q.Limit)
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	items, err := s.items.SearchItems(ctx, text, rankWindow)
	if err != nil {
		return nil, 0, err
	}
	items = rankByLabel(items, text)
	total := len(items)
	if offset >= len(items) {
		return nil, total, nil
	}
	items = items[offset:min(offset+limit, len(items))]

	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, Result{
			ID:          item.ID,
			Label:       item.Label,
			Description: item.Description,
			Snippet:     snippet(item.Description, text),
		})
	}
	return results, total, nil
}

type itemLabels []claims.Item

func (l itemLabels) String(i int) string { return strings.ToLower(l[i].Label) }

func (l itemLabels) Len() int { return len(l) }

// rankByLabel moves items whose label fuzzily matches text to the front, best
// match first. Items matched only through their description keep their order
// behind them.
func rankByLabel(items []claims.Item, text string) []claims.Item {
	matches := fuzzy.FindFrom(strings.ToLower(text), itemLabels(items))
	if len(matches) == 0 {
		return items
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Index < matches[j].Index
	})

	ranked := make([]claims.Item, 0, len(items))
	matched := make(map[int]bool, len(matches))
	for _, m := range matches {
		ranked = append(ranked, items[m.Index])
		matched[m.Index] = true
	}
	for i, item := range items {
		if !matched[i] {
			ranked = append(ranked, item)
		}
	}
	return ranked
}

// snippet returns up to 60 characters of text around the first match.
func snippet(text, match string) string {
	const radius = 30
	idx := strings.Index(strings.ToLower(text), strings.ToLower(match))
	if idx < 0 {
		if len(text) <= 2*radius {
			return text
		}
		cut := 2 * radius
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut] + "…"
	}
	start := max(idx-radius, 0)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	end := min(idx+len(match)+radius, len(text))
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	out := text[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
