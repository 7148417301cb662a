// Package store defines the persistent-store collaborator and the batch
// writer that commits validated extraction results in atomic
// multi-mutation transactions.
package store

import "context"

// Mutation sets the given fields on the entity with ID.
type Mutation struct {
	ID     string
	Fields map[string]any
}

// Store is the persistent store collaborator. Apply commits all mutations
// in one atomic transaction or none of them. Implementations signal a
// remote schema mismatch with *extract.StructuralError so the run can
// abort instead of failing item by item.
type Store interface {
	Apply(ctx context.Context, muts []Mutation) error
	Get(ctx context.Context, id string) (map[string]any, error)
}
