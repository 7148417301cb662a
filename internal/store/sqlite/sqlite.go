// Package sqlite backs the persistent store with a local sqlite database.
// The driver is cgo-free (modernc.org/sqlite), so the pipeline remains a
// single static binary.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dinedex/enricher/internal/extract"
	"github.com/dinedex/enricher/internal/store"
)

// Store is a sqlite-backed restaurant directory. It implements both
// store.Store (atomic multi-mutation commits) and the paginated work
// source (rows still missing an enrichment summary).
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent batch commits.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the restaurants table for fresh databases.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS restaurants (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	city         TEXT,
	reviews      TEXT,
	summary      TEXT,
	highlights   TEXT,
	rating       REAL,
	neighborhood TEXT,
	updated_at   TEXT
)`)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Apply commits all mutations in one transaction. Unknown columns surface
// as *extract.StructuralError so the run aborts instead of failing every
// subsequent batch the same way.
func (s *Store) Apply(ctx context.Context, muts []store.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range muts {
		cols := make([]string, 0, len(m.Fields)+1)
		args := make([]any, 0, len(m.Fields)+2)
		for col, val := range m.Fields {
			cols = append(cols, quoteIdent(col)+" = ?")
			args = append(args, toSQLValue(val))
		}
		cols = append(cols, "updated_at = ?")
		args = append(args, now)
		args = append(args, m.ID)

		q := "UPDATE restaurants SET " + strings.Join(cols, ", ") + " WHERE id = ?"
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return classifySQLErr("apply", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("sqlite: no row with id %s", m.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQLErr("commit", err)
	}
	return nil
}

// Get returns one restaurant row by id as a generic field map.
func (s *Store) Get(ctx context.Context, id string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM restaurants WHERE id = ?", id)
	if err != nil {
		return nil, classifySQLErr("get", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: no row with id %s", id)
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = vals[i]
	}
	return out, nil
}

// FetchPage returns the next page of rows still missing a summary. A page
// shorter than limit signals end of stream.
func (s *Store) FetchPage(ctx context.Context, offset, limit int) ([]extract.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, city, COALESCE(reviews, '')
FROM restaurants
WHERE summary IS NULL OR summary = ''
ORDER BY id
LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, classifySQLErr("fetch page", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []extract.WorkItem
	for rows.Next() {
		var id, name, reviews string
		var city sql.NullString
		if err := rows.Scan(&id, &name, &city, &reviews); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(map[string]string{
			"name":    name,
			"city":    city.String,
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
	return items, rows.Err()
}

// Insert adds a restaurant row; used by backfill tooling and tests.
func (s *Store) Insert(ctx context.Context, id, name, city, reviews string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO restaurants (id, name, city, reviews) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, city = excluded.city, reviews = excluded.reviews`,
		id, name, city, reviews)
	if err != nil {
		return classifySQLErr("insert", err)
	}
	return nil
}

// toSQLValue flattens composite values (highlight lists and the like) to
// JSON text columns.
func toSQLValue(v any) any {
	switch v.(type) {
	case nil, string, int, int64, float64, bool, []byte:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// classifySQLErr maps schema mismatches to StructuralError; everything
// else stays transient-or-plain for the batch writer to bisect.
func classifySQLErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "has no column named") {
		return &extract.StructuralError{Op: op, Err: err}
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}
