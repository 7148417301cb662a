package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dinedex/enricher/internal/extract"
	"github.com/dinedex/enricher/internal/store"
	"github.com/dinedex/enricher/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func seed(t *testing.T, s *sqlite.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		if err := s.Insert(ctx, id, "Restaurant "+id, "Queens", "great duck, long waits"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestApplyAndGet(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 2)
	ctx := context.Background()

	err := s.Apply(ctx, []store.Mutation{
		{ID: "a", Fields: map[string]any{"summary": "warm dumpling house", "highlights": []string{"duck", "congee"}, "rating": 4.5}},
		{ID: "b", Fields: map[string]any{"summary": "busy hot pot spot"}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	row, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if row["summary"] != "warm dumpling house" {
		t.Fatalf("unexpected summary: %#v", row["summary"])
	}
	if row["highlights"] != `["duck","congee"]` {
		t.Fatalf("highlights not stored as JSON text: %#v", row["highlights"])
	}
}

func TestApplyIsAtomic(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 1)
	ctx := context.Background()

	err := s.Apply(ctx, []store.Mutation{
		{ID: "a", Fields: map[string]any{"summary": "fine"}},
		{ID: "missing", Fields: map[string]any{"summary": "no row"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown id")
	}

	// First mutation must have rolled back with the second.
	row, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if row["summary"] != nil && row["summary"] != "" {
		t.Fatalf("partial commit leaked: %#v", row["summary"])
	}
}

func TestApplyUnknownColumnIsStructural(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 1)

	err := s.Apply(context.Background(), []store.Mutation{
		{ID: "a", Fields: map[string]any{"not_a_column": 1}},
	})
	if !extract.IsStructural(err) {
		t.Fatalf("expected structural error, got %v", err)
	}
}

func TestFetchPageSkipsSummarized(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 3)
	ctx := context.Background()

	if err := s.Apply(ctx, []store.Mutation{{ID: "b", Fields: map[string]any{"summary": "done"}}}); err != nil {
		t.Fatal(err)
	}

	page, err := s.FetchPage(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 unsummarized rows, got %d", len(page))
	}
	for _, it := range page {
		if it.ID == "b" {
			t.Fatal("summarized row returned by source")
		}
		if it.Payload == "" {
			t.Fatal("empty payload")
		}
	}
}

func TestFetchPagePagination(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	seed(t, s, 5)
	ctx := context.Background()

	p1, err := s.FetchPage(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.FetchPage(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	p3, err := s.FetchPage(ctx, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(p1) != 2 || len(p2) != 2 || len(p3) != 1 {
		t.Fatalf("unexpected page sizes: %d %d %d", len(p1), len(p2), len(p3))
	}
}
