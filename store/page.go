package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/internal/cursor"
)

// MatchMode selects how a partition scope is applied.
type MatchMode int

const (
	// MatchExact scopes the scan to documents whose partition key equals the
	// scope exactly.
	MatchExact MatchMode = iota

	// MatchPrefix scopes the scan to the sub-hierarchy under the scope: exact
	// matches plus every partition the scope is a strict prefix of.
	MatchPrefix
)

func (m MatchMode) String() string {
	if m == MatchPrefix {
		return "prefix"
	}
	return "exact"
}

// Cursor is an opaque continuation token. Callers must treat it as a black
// box and pass it back verbatim to the next FetchPage call with an identical
// signature.
type Cursor struct {
	token string
}

// CursorFrom rehydrates a cursor from its persisted string form. Returns nil
// for the empty string.
func CursorFrom(token string) *Cursor {
	if token == "" {
		return nil
	}
	return &Cursor{token: token}
}

// String returns the wire form of the cursor for persistence.
func (c *Cursor) String() string {
	if c == nil {
		return ""
	}
	return c.token
}

// Equal reports whether two cursors carry the same token.
func (c *Cursor) Equal(other *Cursor) bool {
	return c.String() == other.String()
}

// Page is one page of results plus the continuation state.
// HasMore is true exactly when Cursor is non-nil.
type Page struct {
	Items   []*Envelope
	Cursor  *Cursor
	HasMore bool
}

// PageInput describes one paging request. Every call of a paging session must
// use an identical input apart from Cursor.
type PageInput struct {
	// Container is the target container. Required.
	Container string

	// Scope restricts the scan to a partition (exact or prefix, per Mode).
	// A zero scope scans the whole container.
	Scope PartitionKey

	// Mode selects exact or prefix application of Scope.
	Mode MatchMode

	// Query is the optional filter/sort specification. Nil selects everything
	// in backend-default order.
	Query *Query

	// PageSize is the maximum number of items per page. Must be positive.
	PageSize int32

	// Cursor resumes a previous page sequence. Nil starts a fresh one.
	Cursor *Cursor
}

// FetchPage returns one page of envelopes for the given input.
//
// Two evaluation strategies are used. Server-expression and unfiltered
// queries page natively: the backend advances its own continuation and this
// engine persists the opaque position. Predicate filters, and any sort the
// backend cannot serve natively, fetch the full scope, evaluate in memory,
// and track an offset — the full scope is re-read on every page, which is a
// documented cost ceiling, not an engine bug.
//
// A document inserted after paging starts may be missed or duplicated under
// concurrent mutation; delivery across pages is not exactly-once.
func (s *Store) FetchPage(ctx context.Context, in PageInput) (*Page, error) {
	if err := validateContainer(in.Container); err != nil {
		return nil, err
	}
	if in.PageSize <= 0 {
		return nil, fmt.Errorf("%w: page size must be positive, got %d", ErrValidation, in.PageSize)
	}
	if in.Query != nil && in.Query.Filter.kind == FilterPredicate && in.Query.Filter.predicate == nil {
		return nil, fmt.Errorf("%w: predicate filter has nil predicate", ErrValidation)
	}

	sig := pageSignature(in)
	var token cursor.Token
	if in.Cursor != nil {
		decoded, err := cursor.Decode(in.Cursor.token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		if decoded.Sig != sig {
			return nil, ErrInvalidCursor
		}
		token = decoded
	}
	token.Sig = sig

	if s.pagesNatively(in) {
		return s.fetchPageNative(ctx, in, token)
	}
	return s.fetchPageInMemory(ctx, in, token)
}

// DrainAll repeatedly fetches pages with an identical signature until the
// sequence is exhausted, concatenating the items.
func (s *Store) DrainAll(ctx context.Context, in PageInput) ([]*Envelope, error) {
	var all []*Envelope
	in.Cursor = nil
	for {
		page, err := s.FetchPage(ctx, in)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
		if !page.HasMore {
			return all, nil
		}
		in.Cursor = page.Cursor
	}
}

// pagesNatively reports whether the backend can serve the request with its
// own continuation. Predicate filters always evaluate in memory; so does any
// sort other than the container's native order (the "id" sort attribute on an
// exact partition scope). Under a prefix scope the range key carries the
// deeper segments ahead of the id, so its order is not id order across
// mixed-depth partitions and the sort must be applied in memory.
func (s *Store) pagesNatively(in PageInput) bool {
	if in.Query == nil {
		return true
	}
	if in.Query.Filter.kind == FilterPredicate {
		return false
	}
	switch len(in.Query.Sort) {
	case 0:
		return true
	case 1:
		return in.Query.Sort[0].Field == "id" && in.Mode == MatchExact && !in.Scope.IsZero()
	default:
		return false
	}
}

func (s *Store) fetchPageNative(ctx context.Context, in PageInput, token cursor.Token) (*Page, error) {
	expr, err := s.buildScanExpr(in)
	if err != nil {
		return nil, err
	}

	startKey, err := positionToKey(token.Pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	var rawItems []map[string]types.AttributeValue
	var lastKey map[string]types.AttributeValue

	if in.Scope.IsZero() {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(in.Container),
			FilterExpression:          expr.filter,
			ExpressionAttributeValues: expr.values,
			Limit:                     aws.Int32(in.PageSize),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, s.translateError(err)
		}
		rawItems, lastKey = out.Items, out.LastEvaluatedKey
	} else {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(in.Container),
			KeyConditionExpression:    expr.keyCond,
			FilterExpression:          expr.filter,
			ExpressionAttributeValues: expr.values,
			Limit:                     aws.Int32(in.PageSize),
			ExclusiveStartKey:         startKey,
		}
		if in.Query != nil && len(in.Query.Sort) == 1 {
			input.ScanIndexForward = aws.Bool(in.Query.Sort[0].Direction == Ascending)
		}
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, s.translateError(err)
		}
		rawItems, lastKey = out.Items, out.LastEvaluatedKey
	}

	items := make([]*Envelope, 0, len(rawItems))
	for _, raw := range rawItems {
		env, err := unmarshalEnvelope(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, env)
	}

	page := &Page{Items: items}
	if len(lastKey) > 0 {
		token.Pos = keyToPosition(lastKey)
		token.Off = 0
		page.Cursor = &Cursor{token: cursor.Encode(token)}
		page.HasMore = true
	}
	s.config.Logger.Debug("fetched page",
		"container", in.Container,
		"strategy", "native",
		"items", len(page.Items),
		"hasMore", page.HasMore,
	)
	return page, nil
}

func (s *Store) fetchPageInMemory(ctx context.Context, in PageInput, token cursor.Token) (*Page, error) {
	matched, err := s.fetchScope(ctx, in)
	if err != nil {
		return nil, err
	}

	if in.Query != nil {
		if pred := in.Query.Filter.predicate; pred != nil {
			filtered := matched[:0]
			for _, env := range matched {
				if pred(env) {
					filtered = append(filtered, env)
				}
			}
			matched = filtered
		}
		sortEnvelopes(matched, in.Query.Sort)
	}

	off := token.Off
	if off > len(matched) {
		off = len(matched)
	}
	end := off + int(in.PageSize)
	if end > len(matched) {
		end = len(matched)
	}

	page := &Page{Items: matched[off:end]}
	if end < len(matched) {
		token.Pos = nil
		token.Off = end
		page.Cursor = &Cursor{token: cursor.Encode(token)}
		page.HasMore = true
	}
	s.config.Logger.Debug("fetched page",
		"container", in.Container,
		"strategy", "in-memory",
		"scopeSize", len(matched),
		"items", len(page.Items),
		"hasMore", page.HasMore,
	)
	return page, nil
}

// fetchScope reads every document in the requested scope, applying any
// server-side expression filter during retrieval.
func (s *Store) fetchScope(ctx context.Context, in PageInput) ([]*Envelope, error) {
	expr, err := s.buildScanExpr(in)
	if err != nil {
		return nil, err
	}

	var items []*Envelope
	appendPage := func(raw []map[string]types.AttributeValue) error {
		for _, item := range raw {
			env, err := unmarshalEnvelope(item)
			if err != nil {
				return err
			}
			items = append(items, env)
		}
		return nil
	}

	if in.Scope.IsZero() {
		paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
			TableName:                 aws.String(in.Container),
			FilterExpression:          expr.filter,
			ExpressionAttributeValues: expr.values,
		})
		for paginator.HasMorePages() {
			out, err := paginator.NextPage(ctx)
			if err != nil {
				return nil, s.translateError(err)
			}
			if err := appendPage(out.Items); err != nil {
				return nil, err
			}
		}
		return items, nil
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(in.Container),
		KeyConditionExpression:    expr.keyCond,
		FilterExpression:          expr.filter,
		ExpressionAttributeValues: expr.values,
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.translateError(err)
		}
		if err := appendPage(out.Items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// scanExpr is the assembled expression set for one scoped scan.
type scanExpr struct {
	keyCond *string
	filter  *string
	values  map[string]types.AttributeValue
}

// buildScanExpr translates scope, match mode, and any expression filter into
// backend expressions. Named parameters are marshaled individually and bound
// by the backend; values never travel through the expression text.
func (s *Store) buildScanExpr(in PageInput) (scanExpr, error) {
	var expr scanExpr
	values := map[string]types.AttributeValue{}
	var filters []string

	if !in.Scope.IsZero() {
		segments := in.Scope.Segments()
		keyCond := "pk = :pk"
		values[":pk"] = &types.AttributeValueMemberS{Value: segments[0]}
		if len(segments) > 1 {
			keyCond += " AND begins_with(sk, :skprefix)"
			values[":skprefix"] = &types.AttributeValueMemberS{Value: strings.Join(segments[1:], "#") + "#"}
		}
		expr.keyCond = aws.String(keyCond)

		// begins_with over-matches deeper partitions, so exact mode pins the
		// segment count server-side.
		if in.Mode == MatchExact {
			filters = append(filters, "pkdepth = :pkdepth")
			values[":pkdepth"] = &types.AttributeValueMemberN{Value: strconv.Itoa(len(segments))}
		}
	}

	if in.Query != nil && in.Query.Filter.kind == FilterExpression {
		filters = append(filters, "("+in.Query.Filter.expression+")")
		for name, value := range in.Query.Filter.params {
			// The scope's own key condition binds these names.
			switch name {
			case ":pk", ":skprefix", ":pkdepth":
				return scanExpr{}, fmt.Errorf("%w: parameter name %s is reserved", ErrValidation, strings.TrimPrefix(name, ":"))
			}
			attr, err := attributevalue.Marshal(value)
			if err != nil {
				return scanExpr{}, fmt.Errorf("%w: parameter %s: %v", ErrValidation, name, err)
			}
			values[name] = attr
		}
	}

	if len(filters) > 0 {
		expr.filter = aws.String(strings.Join(filters, " AND "))
	}
	if len(values) > 0 {
		expr.values = values
	}
	return expr, nil
}

// pageSignature derives the signature a cursor is bound to.
func pageSignature(in PageInput) string {
	parts := []string{
		in.Container,
		in.Mode.String(),
		in.Scope.String(),
		strconv.FormatInt(int64(in.PageSize), 10),
	}
	parts = append(parts, in.Query.signatureParts()...)
	return cursor.Signature(parts...)
}

// keyToPosition converts a backend resume key into portable cursor attributes.
func keyToPosition(key map[string]types.AttributeValue) map[string]cursor.Attr {
	pos := make(map[string]cursor.Attr, len(key))
	for name, attr := range key {
		switch v := attr.(type) {
		case *types.AttributeValueMemberS:
			pos[name] = cursor.Attr{Type: "S", Value: v.Value}
		case *types.AttributeValueMemberN:
			pos[name] = cursor.Attr{Type: "N", Value: v.Value}
		case *types.AttributeValueMemberB:
			pos[name] = cursor.Attr{Type: "B", Value: base64.StdEncoding.EncodeToString(v.Value)}
		}
	}
	return pos
}

// positionToKey rebuilds the backend resume key from cursor attributes.
func positionToKey(pos map[string]cursor.Attr) (map[string]types.AttributeValue, error) {
	if len(pos) == 0 {
		return nil, nil
	}
	key := make(map[string]types.AttributeValue, len(pos))
	for name, attr := range pos {
		switch attr.Type {
		case "S":
			key[name] = &types.AttributeValueMemberS{Value: attr.Value}
		case "N":
			key[name] = &types.AttributeValueMemberN{Value: attr.Value}
		case "B":
			raw, err := base64.StdEncoding.DecodeString(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("position attribute %s: %w", name, err)
			}
			key[name] = &types.AttributeValueMemberB{Value: raw}
		default:
			return nil, fmt.Errorf("position attribute %s has unknown type %q", name, attr.Type)
		}
	}
	return key, nil
}

// sortEnvelopes orders items by the sort specification, breaking ties with
// creation time then id so page boundaries stay deterministic.
func sortEnvelopes(items []*Envelope, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		for _, o := range orders {
			cmp := compareField(a, b, o.Field)
			if cmp == 0 {
				continue
			}
			if o.Direction == Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		if a.CreatedAtEpoch != b.CreatedAtEpoch {
			return a.CreatedAtEpoch < b.CreatedAtEpoch
		}
		return a.ID < b.ID
	})
}

// compareField compares two envelopes on one field: envelope metadata fields
// first, then attributes of the entity payload.
func compareField(a, b *Envelope, field string) int {
	switch field {
	case "id":
		return strings.Compare(a.ID, b.ID)
	case "entity_type":
		return strings.Compare(a.EntityType, b.EntityType)
	case "created_at", "created_at_epoch":
		switch {
		case a.CreatedAtEpoch < b.CreatedAtEpoch:
			return -1
		case a.CreatedAtEpoch > b.CreatedAtEpoch:
			return 1
		}
		return 0
	}
	return compareAttr(dataAttr(a, field), dataAttr(b, field))
}

func dataAttr(env *Envelope, field string) types.AttributeValue {
	data, ok := env.Raw["data"].(*types.AttributeValueMemberM)
	if !ok {
		return nil
	}
	return data.Value[field]
}

// compareAttr orders attribute values: absent first, then numbers, booleans,
// and strings by their natural order.
func compareAttr(a, b types.AttributeValue) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		if bv, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(av.Value, bv.Value)
		}
	case *types.AttributeValueMemberN:
		if bv, ok := b.(*types.AttributeValueMemberN); ok {
			an, _ := strconv.ParseFloat(av.Value, 64)
			bn, _ := strconv.ParseFloat(bv.Value, 64)
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	case *types.AttributeValueMemberBOOL:
		if bv, ok := b.(*types.AttributeValueMemberBOOL); ok {
			switch {
			case !av.Value && bv.Value:
				return -1
			case av.Value && !bv.Value:
				return 1
			}
			return 0
		}
	}
	return 0
}
