// Package repository exposes one generic per-entity-type contract over two
// backends: the partitioned document store in package store, and a relational
// store reached through Bun. The backend is chosen once at construction; no
// shared code branches on backend type.
package repository

import (
	"context"

	"github.com/jacentio/lattice/store"
)

// Repository is the backend-independent contract for one entity type.
//
// Filter expressions use "?" placeholders with positional arguments; each
// backend binds the values natively (named parameters on the document side,
// driver placeholders on the relational side), never by string interpolation.
type Repository[T any] interface {
	// Get retrieves one entity by id. Returns store.ErrNotFound when absent.
	Get(ctx context.Context, id string) (*T, error)

	// Find returns every entity matching the filter expression.
	Find(ctx context.Context, expr string, args ...any) ([]*T, error)

	// GetPaged returns one page of entities plus continuation state.
	GetPaged(ctx context.Context, req PageRequest) (*Page[T], error)

	// Create persists a new entity.
	Create(ctx context.Context, entity *T) error

	// Update writes an entity with create-or-replace semantics.
	Update(ctx context.Context, entity *T) error

	// Delete removes an entity by id. Returns store.ErrNotFound when absent.
	Delete(ctx context.Context, id string) error
}

// TrackingMode controls whether a relational read attaches the returned
// entity to a change-tracking snapshot. It appears only on the relational
// repository's own methods; the shared contract reads untracked.
type TrackingMode int

const (
	// Untracked returns a detached entity; a later update resubmits the full row.
	Untracked TrackingMode = iota

	// Tracked snapshots the entity on read so a later update writes only the
	// columns that changed.
	Tracked
)

// Order is a backend-independent sort element, translated per backend.
type Order struct {
	Field      string
	Descending bool
}

// PageRequest describes one page fetch through the facade.
type PageRequest struct {
	// PageSize caps the number of items per page. Zero uses the store default;
	// negative values fail validation.
	PageSize int32

	// Cursor resumes a previous sequence; empty starts fresh. As everywhere,
	// the token is opaque and signature-bound.
	Cursor string

	// Expr is an optional filter expression with "?" placeholders.
	Expr string
	Args []any

	// Sort orders the results. Callers relying on stable page boundaries must
	// supply a sort.
	Sort []Order

	// Scope restricts document-backed repositories to a partition. Ignored by
	// relational repositories, which have no partition dimension.
	Scope store.PartitionKey

	// Mode selects exact or prefix application of Scope.
	Mode store.MatchMode
}

// Page is one page of entities plus continuation state.
// HasMore is true exactly when Cursor is non-empty.
type Page[T any] struct {
	Items   []*T
	Cursor  string
	HasMore bool
}

// DrainAll fetches pages with an identical signature until exhaustion and
// concatenates the items. Equivalent to manual iteration.
func DrainAll[T any](ctx context.Context, r Repository[T], req PageRequest) ([]*T, error) {
	var all []*T
	req.Cursor = ""
	for {
		page, err := r.GetPaged(ctx, req)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if !page.HasMore {
			return all, nil
		}
		req.Cursor = page.Cursor
	}
}
