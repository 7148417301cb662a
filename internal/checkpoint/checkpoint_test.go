package checkpoint_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dinedex/enricher/internal/checkpoint"
	"github.com/dinedex/enricher/internal/extract"
)

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "checkpoint.json")
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s := checkpoint.Open(tempPath(t), 10, nil)
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d entries", s.Len())
	}
}

func TestOpen_CorruptFileIsEmptyNotFatal(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	if err := os.WriteFile(path, []byte(`{"half": {"status":`), 0o644); err != nil {
		t.Fatal(err)
	}
	s := checkpoint.Open(path, 10, nil)
	if s.Len() != 0 {
		t.Fatalf("expected empty store for corrupt file, got %d entries", s.Len())
	}
}

func TestMarkFlushRoundTrip(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	s := checkpoint.Open(path, 100, nil)
	if err := s.Mark("r1", extract.StatusDone, "summary text", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Mark("r2", extract.StatusFailed, "", "malformed output"); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	reloaded := checkpoint.Open(path, 100, nil)
	if reloaded.Len() != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", reloaded.Len())
	}
	e, ok := reloaded.Get("r2")
	if !ok || e.Status != extract.StatusFailed || e.Error != "malformed output" {
		t.Fatalf("unexpected entry: %#v", e)
	}
}

func TestFlushCadence(t *testing.T) {
	t.Parallel()

	path := tempPath(t)
	s := checkpoint.Open(path, 3, nil)

	_ = s.Mark("a", extract.StatusDone, "", "")
	_ = s.Mark("b", extract.StatusDone, "", "")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file written before cadence reached")
	}
	_ = s.Mark("c", extract.StatusDone, "", "")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not written at cadence: %v", err)
	}
}

func TestFilterPending(t *testing.T) {
	t.Parallel()

	s := checkpoint.Open(tempPath(t), 10, nil)
	_ = s.Mark("done", extract.StatusDone, "", "")
	_ = s.Mark("failed", extract.StatusFailed, "", "boom")

	items := []extract.WorkItem{{ID: "done"}, {ID: "failed"}, {ID: "new"}}

	got := s.FilterPending(items, false)
	if len(got) != 2 {
		t.Fatalf("expected done item excluded, got %d items", len(got))
	}
	for _, it := range got {
		if it.ID == "done" {
			t.Fatal("done item not excluded")
		}
	}

	forced := s.FilterPending([]extract.WorkItem{{ID: "done"}, {ID: "failed"}, {ID: "new"}}, true)
	if len(forced) != 3 {
		t.Fatalf("force should bypass exclusion, got %d items", len(forced))
	}
}
