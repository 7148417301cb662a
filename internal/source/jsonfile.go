package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dinedex/enricher/internal/extract"
)

// record mirrors the export shape of the directory's scraper dumps: a JSON
// array of restaurant objects with free-text reviews.
type record struct {
	ID      string   `json:"id"`
	PlaceID string   `json:"placeId"`
	Title   string   `json:"title"`
	City    string   `json:"city"`
	Reviews []string `json:"reviews"`
}

// JSONFile is a work source backed by a scraped JSON export. Records that
// already carry no review text are skipped at load: there is nothing to
// extract from them.
type JSONFile struct {
	items Slice
}

// OpenJSONFile loads and indexes the export once; paging is then served
// from memory.
func OpenJSONFile(path string) (*JSONFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", path, err)
	}
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("source: parse %s: %w", path, err)
	}
	items := make(Slice, 0, len(records))
	for i, r := range records {
		id := r.ID
		if id == "" {
			id = r.PlaceID
		}
		if id == "" {
			id = fmt.Sprintf("record-%d", i)
		}
		reviews := strings.TrimSpace(strings.Join(r.Reviews, "\n"))
		if reviews == "" {
			continue
		}
		payload, err := json.Marshal(map[string]string{
			"name":    r.Title,
			"city":    r.City,
			"reviews": reviews,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, extract.WorkItem{
			ID:      id,
			Payload: string(payload),
			Status:  extract.StatusPending,
		})
	}
	return &JSONFile{items: items}, nil
}

func (f *JSONFile) FetchPage(ctx context.Context, offset, limit int) ([]extract.WorkItem, error) {
	return f.items.FetchPage(ctx, offset, limit)
}

// Len returns the number of loaded candidate items.
func (f *JSONFile) Len() int { return len(f.items) }
