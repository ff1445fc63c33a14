// Package store provides a partitioned document access layer with
// hierarchical partition keys, cursor-based pagination, and batched writes.
//
// Lattice is designed for applications that need one generic data-access
// contract per entity type across structurally different backends. This
// package is the document-store half: it wraps entities in envelopes, scopes
// reads to single- or multi-segment partition keys, and turns an opaque
// continuation cursor plus a filter/sort specification into a stable
// forward-only page sequence.
//
// # Envelopes
//
// Entities implement the [Entity] interface:
//
//	type Entity interface {
//	    EntityID() string
//	    EntityType() string
//	}
//
// [NewEnvelope] wraps an entity for submission; envelopes are immutable, and
// an update is always a new envelope written with upsert semantics. The
// store assigns a fresh concurrency tag on every successful write.
//
// # Partition keys
//
// A [PartitionKey] is an ordered sequence of 1..N segments, segment 0
// coarsest. A scan scoped with [MatchExact] selects one partition; with
// [MatchPrefix] it selects the whole sub-hierarchy under the scope key.
//
// # Pagination
//
// [Store.FetchPage] returns one page and an opaque [Cursor]. A cursor is
// valid only for the exact (container, scope, query, page size) signature
// that issued it; replaying it with a different signature fails with
// [ErrInvalidCursor] before any I/O. Server-expression filters page
// natively in the backend. In-process predicate filters fetch the full
// scope and page by offset: correct, deterministic, and linear in the
// scope size on every page.
//
// # Batched writes
//
// A [Batch] buffers writes and submits one transaction per (container,
// partition) on [Batch.Flush], reporting a per-item [BatchResult] in
// enqueue order. Atomicity is per partition, as the backend defines it.
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrValidation] - invalid argument, surfaced before any I/O
//   - [ErrInvalidCursor] - cursor reused with a mismatched signature
//   - [ErrNotFound] - single-item lookup found nothing
//   - [ErrAlreadyExists] - create collided with an existing id
//   - [ErrConflict] - concurrency tag mismatch
//   - [ErrUnavailable] - backend throttling; never retried by this layer
package store
