// Package source defines the paginated work-source collaborator and the
// enumeration helper that drains it.
package source

import (
	"context"

	"github.com/dinedex/enricher/internal/extract"
)

// DefaultPageSize is the enumeration page size.
const DefaultPageSize = 100

// Source yields candidate work items page by page. A returned page shorter
// than limit signals end of stream.
type Source interface {
	FetchPage(ctx context.Context, offset, limit int) ([]extract.WorkItem, error)
}

// ReadAll drains the source. A non-positive max reads everything;
// otherwise enumeration stops once max items have been collected.
func ReadAll(ctx context.Context, s Source, pageSize, max int) ([]extract.WorkItem, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var items []extract.WorkItem
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.FetchPage(ctx, offset, pageSize)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
		if max > 0 && len(items) >= max {
			return items[:max], nil
		}
		if len(page) < pageSize {
			return items, nil
		}
	}
}

// Slice is an in-memory source for tests and small one-off runs.
type Slice []extract.WorkItem

func (s Slice) FetchPage(_ context.Context, offset, limit int) ([]extract.WorkItem, error) {
	if offset >= len(s) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s) {
		end = len(s)
	}
	return s[offset:end], nil
}
