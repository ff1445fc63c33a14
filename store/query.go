package store

import (
	"fmt"
	"sort"
	"strings"
)

// Direction is a sort direction.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// Order is one element of a sort specification.
type Order struct {
	Field     string
	Direction Direction
}

// Predicate is an in-process filter evaluated over retrieved envelopes.
// Predicate filtering fetches the full partition scope before filtering; see
// the package documentation for the cost implications.
type Predicate func(*Envelope) bool

// FilterKind tags the two mutually exclusive filter forms.
type FilterKind int

const (
	// FilterNone selects every document in scope.
	FilterNone FilterKind = iota

	// FilterPredicate evaluates an in-process predicate after retrieval.
	FilterPredicate

	// FilterExpression passes a conditional expression with named parameters to
	// the backend verbatim. Parameter substitution happens in the backend, never
	// by string interpolation in this layer.
	FilterExpression
)

// Filter is a tagged filter variant: either an in-process predicate or a
// server-evaluated expression. The zero value selects everything.
type Filter struct {
	kind       FilterKind
	predicate  Predicate
	expression string
	params     map[string]any
}

// MatchPredicate builds an in-process predicate filter.
func MatchPredicate(fn Predicate) Filter {
	return Filter{kind: FilterPredicate, predicate: fn}
}

// MatchExpression builds a server-evaluated conditional expression filter.
// Parameter names may be given with or without the leading ":".
func MatchExpression(expr string, params map[string]any) Filter {
	normalized := make(map[string]any, len(params))
	for name, value := range params {
		normalized[":"+strings.TrimPrefix(name, ":")] = value
	}
	return Filter{kind: FilterExpression, expression: expr, params: normalized}
}

// Kind returns the filter form.
func (f Filter) Kind() FilterKind {
	return f.kind
}

// Query is a filter plus an optional multi-field sort order.
//
// When Sort is empty the result order is backend-default and not guaranteed
// stable across pages; callers that rely on pagination determinism must
// supply a sort.
type Query struct {
	Filter Filter
	Sort   []Order
}

// signatureParts returns the deterministic components of the query identity
// used to bind continuation cursors. Predicate functions have no comparable
// identity, so the predicate form contributes only its kind: a cursor issued
// for one predicate must not be replayed with a different one.
func (q *Query) signatureParts() []string {
	if q == nil {
		return []string{"none"}
	}
	parts := []string{fmt.Sprintf("filter=%d", q.Filter.kind), q.Filter.expression}
	names := make([]string, 0, len(q.Filter.params))
	for name := range q.Filter.params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, q.Filter.params[name]))
	}
	for _, o := range q.Sort {
		parts = append(parts, o.Field+":"+o.Direction.String())
	}
	return parts
}
