package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/schema"

	"github.com/jacentio/lattice/internal/cursor"
	"github.com/jacentio/lattice/store"
)

const defaultRelationalPageSize = 100

// RelationalRepository routes the generic contract to a relational store
// through Bun. Read operations take an explicit TrackingMode: tracked reads
// snapshot the row so a later Update writes only the columns that changed,
// untracked reads return detached entities that update as full rows. The
// toggle exists only here; it has no document-store equivalent and does not
// leak into the shared contract.
type RelationalRepository[T any] struct {
	db *bun.DB

	mu        sync.Mutex
	snapshots map[string]*T
}

// NewRelationalRepository returns a repository for T backed by the provided
// Bun DB.
func NewRelationalRepository[T any](db *bun.DB) *RelationalRepository[T] {
	return &RelationalRepository[T]{
		db:        db,
		snapshots: make(map[string]*T),
	}
}

// Dialect returns the backend dialect.
func (r *RelationalRepository[T]) Dialect() schema.Dialect { return r.db.Dialect() }

// NewSelect exposes the Bun query builder for advanced use cases.
func (r *RelationalRepository[T]) NewSelect() *bun.SelectQuery { return r.db.NewSelect() }

// NewInsert exposes the Bun query builder for advanced use cases.
func (r *RelationalRepository[T]) NewInsert() *bun.InsertQuery { return r.db.NewInsert() }

// NewUpdate exposes the Bun query builder for advanced use cases.
func (r *RelationalRepository[T]) NewUpdate() *bun.UpdateQuery { return r.db.NewUpdate() }

// NewDelete exposes the Bun query builder for advanced use cases.
func (r *RelationalRepository[T]) NewDelete() *bun.DeleteQuery { return r.db.NewDelete() }

// Get retrieves one entity by id, untracked.
func (r *RelationalRepository[T]) Get(ctx context.Context, id string) (*T, error) {
	return r.GetOne(ctx, id, Untracked)
}

// GetOne retrieves one entity by id. With Tracked the row is snapshotted so a
// later Update writes only changed columns.
func (r *RelationalRepository[T]) GetOne(ctx context.Context, id any, mode TrackingMode) (*T, error) {
	var entity T
	err := r.db.NewSelect().Model(&entity).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if mode == Tracked {
		r.track(&entity)
	}
	return &entity, nil
}

// All returns every row of the entity's table, untracked.
func (r *RelationalRepository[T]) All(ctx context.Context) ([]*T, error) {
	var entities []*T
	err := r.db.NewSelect().Model(&entities).Scan(ctx)
	return entities, err
}

// Find returns every entity matching the filter expression, untracked.
func (r *RelationalRepository[T]) Find(ctx context.Context, expr string, args ...any) ([]*T, error) {
	var entities []*T
	query := r.db.NewSelect().Model(&entities)
	if expr != "" {
		query = query.Where(expr, args...)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	return entities, nil
}

// GetPaged returns one page of entities. The continuation cursor encodes a
// row offset bound to the request signature; replaying it with a different
// filter, sort, or page size fails with store.ErrInvalidCursor.
func (r *RelationalRepository[T]) GetPaged(ctx context.Context, req PageRequest) (*Page[T], error) {
	if req.PageSize < 0 {
		return nil, fmt.Errorf("%w: page size must be positive, got %d", store.ErrValidation, req.PageSize)
	}
	pageSize := int(req.PageSize)
	if pageSize == 0 {
		pageSize = defaultRelationalPageSize
	}

	sig := r.pageSignature(req, pageSize)
	off := 0
	if req.Cursor != "" {
		token, err := cursor.Decode(req.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidCursor, err)
		}
		if token.Sig != sig {
			return nil, store.ErrInvalidCursor
		}
		off = token.Off
	}

	var entities []*T
	query := r.db.NewSelect().Model(&entities)
	if req.Expr != "" {
		query = query.Where(req.Expr, req.Args...)
	}
	for _, o := range req.Sort {
		if o.Descending {
			query = query.Order(o.Field + " DESC")
		} else {
			query = query.Order(o.Field + " ASC")
		}
	}

	total, err := query.Count(ctx)
	if err != nil {
		return nil, err
	}
	page := &Page[T]{Items: []*T{}}
	if total == 0 || off >= total {
		return page, nil
	}

	if err := query.Offset(off).Limit(pageSize).Scan(ctx); err != nil {
		return nil, err
	}
	page.Items = entities

	if off+len(entities) < total {
		page.Cursor = cursor.Encode(cursor.Token{Sig: sig, Off: off + len(entities)})
		page.HasMore = true
	}
	return page, nil
}

// Create persists a new entity.
func (r *RelationalRepository[T]) Create(ctx context.Context, entity *T) error {
	if entity == nil {
		return fmt.Errorf("%w: entity is nil", store.ErrValidation)
	}
	_, err := r.db.NewInsert().Model(entity).Exec(ctx)
	return err
}

// Update writes an entity with create-or-replace semantics. When the entity
// was read with Tracked and some columns are unchanged, only the changed
// columns are written; the snapshot is refreshed afterwards.
func (r *RelationalRepository[T]) Update(ctx context.Context, entity *T) error {
	if entity == nil {
		return fmt.Errorf("%w: entity is nil", store.ErrValidation)
	}

	if snap := r.snapshot(entity); snap != nil {
		columns := changedColumns(snap, entity)
		if len(columns) == 0 {
			return nil
		}
		_, err := r.db.NewUpdate().Model(entity).Column(columns...).WherePK().Exec(ctx)
		if err == nil {
			r.track(entity)
		}
		return err
	}
	return r.upsert(ctx, entity)
}

// Delete removes an entity by id and forgets any snapshot of it.
func (r *RelationalRepository[T]) Delete(ctx context.Context, id string) error {
	var entity T
	res, err := r.db.NewDelete().Model(&entity).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	r.mu.Lock()
	delete(r.snapshots, id)
	r.mu.Unlock()
	return nil
}

// upsert performs a full-row create-or-replace keyed by the primary key.
func (r *RelationalRepository[T]) upsert(ctx context.Context, entity *T) error {
	if r.db.HasFeature(feature.InsertOnConflict) {
		columns := entityColumns(entity)
		var sets []string
		for _, col := range columns {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
		_, err := r.db.NewInsert().
			Model(entity).
			On("CONFLICT (" + pkColumn(entity) + ") DO UPDATE").
			Set(strings.Join(sets, ", ")).
			Exec(ctx)
		return err
	}

	// Fallback for dialects without native upsert.
	if _, err := r.db.NewInsert().Model(entity).Exec(ctx); err != nil {
		if _, updateErr := r.db.NewUpdate().Model(entity).WherePK().Exec(ctx); updateErr != nil {
			return fmt.Errorf("upsert: insert: %v, update: %w", err, updateErr)
		}
	}
	return nil
}

func (r *RelationalRepository[T]) track(entity *T) {
	snap := *entity
	r.mu.Lock()
	r.snapshots[pkString(entity)] = &snap
	r.mu.Unlock()
}

func (r *RelationalRepository[T]) snapshot(entity *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[pkString(entity)]
}

func (r *RelationalRepository[T]) pageSignature(req PageRequest, pageSize int) string {
	var entity T
	parts := []string{
		"relational",
		fmt.Sprintf("%T", entity),
		req.Expr,
		strconv.Itoa(pageSize),
	}
	for _, arg := range req.Args {
		parts = append(parts, fmt.Sprintf("%v", arg))
	}
	for _, o := range req.Sort {
		parts = append(parts, fmt.Sprintf("%s:%v", o.Field, o.Descending))
	}
	return cursor.Signature(parts...)
}

// --- model reflection helpers ---

var baseModelType = reflect.TypeOf(bun.BaseModel{})

// modelFields returns the exported column-bearing fields of T.
func modelFields(v reflect.Value) []reflect.StructField {
	var fields []reflect.StructField
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Type == baseModelType || f.Tag.Get("bun") == "-" {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// columnName derives the column name from the bun tag, falling back to the
// underscored field name the way Bun does.
func columnName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("bun"), ","); name != "" {
		return name
	}
	return underscore(f.Name)
}

// isPK reports whether the field carries the bun pk option.
func isPK(f reflect.StructField) bool {
	_, opts, _ := strings.Cut(f.Tag.Get("bun"), ",")
	for _, opt := range strings.Split(opts, ",") {
		if opt == "pk" {
			return true
		}
	}
	return false
}

// pkColumn returns the primary key column of T, defaulting to "id".
func pkColumn[T any](entity *T) string {
	v := reflect.ValueOf(entity).Elem()
	for _, f := range modelFields(v) {
		if isPK(f) {
			return columnName(f)
		}
	}
	return "id"
}

// pkString renders the primary key value for snapshot bookkeeping.
func pkString[T any](entity *T) string {
	v := reflect.ValueOf(entity).Elem()
	for _, f := range modelFields(v) {
		if isPK(f) || f.Name == "ID" {
			return fmt.Sprintf("%v", v.FieldByIndex(f.Index).Interface())
		}
	}
	return fmt.Sprintf("%v", entity)
}

// entityColumns lists the non-pk columns of T.
func entityColumns[T any](entity *T) []string {
	v := reflect.ValueOf(entity).Elem()
	var columns []string
	for _, f := range modelFields(v) {
		if isPK(f) {
			continue
		}
		columns = append(columns, columnName(f))
	}
	return columns
}

// changedColumns compares a tracked snapshot with the current entity and
// returns the columns whose values differ.
func changedColumns[T any](snapshot, current *T) []string {
	sv := reflect.ValueOf(snapshot).Elem()
	cv := reflect.ValueOf(current).Elem()
	var columns []string
	for _, f := range modelFields(cv) {
		if isPK(f) {
			continue
		}
		a := sv.FieldByIndex(f.Index).Interface()
		b := cv.FieldByIndex(f.Index).Interface()
		if !reflect.DeepEqual(a, b) {
			columns = append(columns, columnName(f))
		}
	}
	return columns
}

// underscore converts a Go field name to its default column form.
func underscore(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
