// Package timeline merges local and remote activity streams into pages.
package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/klppl/fedtrack/internal/db"
)

// overFetchFactor controls how far past the requested window each source
// stream is read before merging; with two sources, 2× the page window keeps
// pagination stable even when one stream dominates.
const overFetchFactor = 2

// Item is one merged timeline entry: exactly one of Local / Remote is set.
type Item struct {
	Local     *db.Activity       `json:"local,omitempty"`
	Remote    *db.RemoteActivity `json:"remote,omitempty"`
	Stats     db.ActivityStats   `json:"stats"`
	StartedAt *time.Time         `json:"startedAt"`
}

// Merger builds timelines from the store.
type Merger struct {
	Store *db.Store
}

// Federated returns one page of user U's merged timeline: local activities
// of U and followed local users, plus remote activities from U's followed
// set, strictly non-increasing in started-at (unknown times sort last).
func (m *Merger) Federated(ctx context.Context, userID string, page, pageSize int) ([]Item, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	fetchLimit := (page + 1) * pageSize * overFetchFactor

	local, err := m.Store.TimelineLocal(ctx, userID, fetchLimit)
	if err != nil {
		return nil, err
	}
	remote, err := m.Store.TimelineRemote(ctx, userID, fetchLimit)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(local)+len(remote))
	for _, a := range local {
		started := a.StartedAt
		items = append(items, Item{Local: a, StartedAt: &started})
	}
	for _, r := range remote {
		items = append(items, Item{Remote: r, StartedAt: r.StartedAt})
	}

	sortItems(items)
	paged := paginate(items, page, pageSize)
	return m.decorate(ctx, paged, db.Viewer{UserID: userID})
}

// Public returns one page of the public timeline: local PUBLIC only.
func (m *Merger) Public(ctx context.Context, viewer db.Viewer, page, pageSize int) ([]Item, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	local, err := m.Store.TimelinePublic(ctx, pageSize, page*pageSize)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(local))
	for _, a := range local {
		started := a.StartedAt
		items = append(items, Item{Local: a, StartedAt: &started})
	}
	return m.decorate(ctx, items, viewer)
}

// sortItems orders newest-first; items with no usable timestamp sort last.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].StartedAt, items[j].StartedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

func paginate(items []Item, page, pageSize int) []Item {
	start := page * pageSize
	if start >= len(items) {
		return nil
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// decorate attaches like/comment counts in one aggregated query.
func (m *Merger) decorate(ctx context.Context, items []Item, viewer db.Viewer) ([]Item, error) {
	var ids []string
	for _, it := range items {
		if it.Local != nil {
			ids = append(ids, it.Local.ID)
		}
	}
	stats, err := m.Store.ActivityStatsBatch(ctx, ids, viewer)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Local != nil {
			items[i].Stats = stats[items[i].Local.ID]
		}
	}
	return items, nil
}
