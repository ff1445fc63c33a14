package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jacentio/lattice/store"
)

// Document is the constraint for entities stored document-side: a store
// entity that knows which partition it lives in.
type Document interface {
	store.Entity
	PartitionKey() store.PartitionKey
}

// DocumentRepository routes the generic contract to the partitioned document
// store. It holds no backend-specific logic beyond translating the generic
// arguments into envelope, key, and paging calls.
type DocumentRepository[T Document] struct {
	store     *store.Store
	container string
	keyForID  func(id string) store.PartitionKey
}

// DocumentOption configures a DocumentRepository.
type DocumentOption[T Document] func(*DocumentRepository[T])

// WithKeyForID teaches the repository to derive a partition key from an id
// alone, turning Get and Delete into point reads instead of container scans.
func WithKeyForID[T Document](fn func(id string) store.PartitionKey) DocumentOption[T] {
	return func(r *DocumentRepository[T]) {
		r.keyForID = fn
	}
}

// NewDocumentRepository creates a repository for T backed by the given store
// and container.
func NewDocumentRepository[T Document](s *store.Store, container string, opts ...DocumentOption[T]) (*DocumentRepository[T], error) {
	if strings.TrimSpace(container) == "" {
		return nil, store.ErrContainerNameEmpty
	}
	r := &DocumentRepository[T]{store: s, container: container}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Get retrieves one entity by id. Without a WithKeyForID mapping this falls
// back to a filtered container scan.
func (r *DocumentRepository[T]) Get(ctx context.Context, id string) (*T, error) {
	env, err := r.findEnvelope(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[T](env)
}

// GetScoped retrieves one entity by id with an exact partition key, always a
// point read.
func (r *DocumentRepository[T]) GetScoped(ctx context.Context, id string, key store.PartitionKey) (*T, error) {
	env, err := r.store.Get(ctx, r.container, id, key)
	if err != nil {
		return nil, err
	}
	return decodeEnvelope[T](env)
}

// Find returns every entity matching the filter expression, evaluated
// server-side across the whole container.
func (r *DocumentRepository[T]) Find(ctx context.Context, expr string, args ...any) ([]*T, error) {
	return r.FindScoped(ctx, store.PartitionKey{}, store.MatchPrefix, expr, args...)
}

// FindScoped is Find restricted to a partition scope.
func (r *DocumentRepository[T]) FindScoped(ctx context.Context, scope store.PartitionKey, mode store.MatchMode, expr string, args ...any) ([]*T, error) {
	q, err := expressionQuery(expr, args, nil)
	if err != nil {
		return nil, err
	}
	envs, err := r.store.DrainAll(ctx, store.PageInput{
		Container: r.container,
		Scope:     scope,
		Mode:      mode,
		Query:     q,
		PageSize:  r.store.DefaultPageSize(),
	})
	if err != nil {
		return nil, err
	}
	return decodeEnvelopes[T](envs)
}

// GetPaged returns one page of entities for the request.
func (r *DocumentRepository[T]) GetPaged(ctx context.Context, req PageRequest) (*Page[T], error) {
	if req.PageSize < 0 {
		return nil, fmt.Errorf("%w: page size must be positive, got %d", store.ErrValidation, req.PageSize)
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = r.store.DefaultPageSize()
	}

	q, err := expressionQuery(req.Expr, req.Args, req.Sort)
	if err != nil {
		return nil, err
	}
	page, err := r.store.FetchPage(ctx, store.PageInput{
		Container: r.container,
		Scope:     req.Scope,
		Mode:      req.Mode,
		Query:     q,
		PageSize:  pageSize,
		Cursor:    store.CursorFrom(req.Cursor),
	})
	if err != nil {
		return nil, err
	}

	items, err := decodeEnvelopes[T](page.Items)
	if err != nil {
		return nil, err
	}
	return &Page[T]{
		Items:   items,
		Cursor:  page.Cursor.String(),
		HasMore: page.HasMore,
	}, nil
}

// GetPagedEnvelopes is the envelope-level escape hatch for callers that need
// store metadata or predicate filters.
func (r *DocumentRepository[T]) GetPagedEnvelopes(ctx context.Context, in store.PageInput) (*store.Page, error) {
	in.Container = r.container
	return r.store.FetchPage(ctx, in)
}

// Create persists a new entity under its own partition key.
func (r *DocumentRepository[T]) Create(ctx context.Context, entity *T) error {
	env, err := r.envelope(entity)
	if err != nil {
		return err
	}
	_, err = r.store.Create(ctx, r.container, env)
	return err
}

// Update writes an entity with create-or-replace semantics.
func (r *DocumentRepository[T]) Update(ctx context.Context, entity *T) error {
	env, err := r.envelope(entity)
	if err != nil {
		return err
	}
	_, err = r.store.Upsert(ctx, r.container, env, "")
	return err
}

// UpdateGuarded writes an entity conditional on the concurrency tag of the
// stored document, failing with store.ErrConflict on mismatch.
func (r *DocumentRepository[T]) UpdateGuarded(ctx context.Context, entity *T, expectedTag string) error {
	env, err := r.envelope(entity)
	if err != nil {
		return err
	}
	_, err = r.store.Upsert(ctx, r.container, env, expectedTag)
	return err
}

// Delete removes an entity by id.
func (r *DocumentRepository[T]) Delete(ctx context.Context, id string) error {
	if r.keyForID != nil {
		return r.store.Delete(ctx, r.container, id, r.keyForID(id))
	}
	env, err := r.findEnvelope(ctx, id)
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, r.container, id, env.Key)
}

// Batch returns a fresh batch accumulator on the underlying store.
func (r *DocumentRepository[T]) Batch() *store.Batch {
	return r.store.NewBatch()
}

// Store exposes the underlying store for advanced backend-specific querying.
func (r *DocumentRepository[T]) Store() *store.Store {
	return r.store
}

func (r *DocumentRepository[T]) envelope(entity *T) (*store.Envelope, error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: entity is nil", store.ErrValidation)
	}
	return store.NewEnvelope(*entity, (*entity).PartitionKey())
}

func (r *DocumentRepository[T]) findEnvelope(ctx context.Context, id string) (*store.Envelope, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is empty", store.ErrValidation)
	}
	if r.keyForID != nil {
		return r.store.Get(ctx, r.container, id, r.keyForID(id))
	}

	q, err := expressionQuery("id = ?", []any{id}, nil)
	if err != nil {
		return nil, err
	}
	envs, err := r.store.DrainAll(ctx, store.PageInput{
		Container: r.container,
		Query:     q,
		PageSize:  r.store.DefaultPageSize(),
	})
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, store.ErrNotFound
	}
	return envs[0], nil
}

// expressionQuery converts a "?"-placeholder expression and positional
// arguments into a server-expression query with generated named parameters.
// Values are bound by the backend, never spliced into the expression text.
func expressionQuery(expr string, args []any, orders []Order) (*store.Query, error) {
	q := &store.Query{}
	for _, o := range orders {
		dir := store.Ascending
		if o.Descending {
			dir = store.Descending
		}
		q.Sort = append(q.Sort, store.Order{Field: o.Field, Direction: dir})
	}
	if expr == "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("%w: arguments given without an expression", store.ErrValidation)
		}
		return q, nil
	}

	var b strings.Builder
	params := make(map[string]any, len(args))
	n := 0
	for _, c := range expr {
		if c != '?' {
			b.WriteRune(c)
			continue
		}
		if n >= len(args) {
			return nil, fmt.Errorf("%w: expression has more placeholders than arguments", store.ErrValidation)
		}
		name := ":p" + strconv.Itoa(n)
		b.WriteString(name)
		params[name] = args[n]
		n++
	}
	if n != len(args) {
		return nil, fmt.Errorf("%w: expression has %d placeholders for %d arguments", store.ErrValidation, n, len(args))
	}
	q.Filter = store.MatchExpression(b.String(), params)
	return q, nil
}

func decodeEnvelope[T any](env *store.Envelope) (*T, error) {
	var out T
	if err := env.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decodeEnvelopes[T any](envs []*store.Envelope) ([]*T, error) {
	out := make([]*T, len(envs))
	for i, env := range envs {
		decoded, err := decodeEnvelope[T](env)
		if err != nil {
			return nil, err
		}
		out[i] = decoded
	}
	return out, nil
}
