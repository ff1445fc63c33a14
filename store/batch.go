package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Operation is a buffered write kind.
type Operation int

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// BatchStatus is the outcome of one buffered item after Flush.
type BatchStatus int

const (
	// StatusSucceeded means the backend committed the item.
	StatusSucceeded BatchStatus = iota

	// StatusFailed means the backend rejected the item, or its sub-batch was
	// aborted by a sibling item's failure.
	StatusFailed

	// StatusUnknown means the item's fate could not be determined: its
	// sub-batch was never submitted, or the flush was cancelled mid-flight.
	// Unknown is distinct from Failed; callers must not treat it as either.
	StatusUnknown
)

func (s BatchStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// BatchResult reports the outcome of one enqueued item. Results are returned
// in enqueue order regardless of backend execution order.
type BatchResult struct {
	Index     int
	Operation Operation
	Container string
	Key       PartitionKey
	ID        string
	Status    BatchStatus
	Err       error

	// Envelope is the persisted envelope with its refreshed concurrency tag.
	// Set only for succeeded creates and updates.
	Envelope *Envelope
}

type batchEntry struct {
	container string
	key       PartitionKey
	env       *Envelope
	op        Operation
}

// Batch buffers writes keyed by (container, partition) and submits each group
// as one atomic multi-item transaction on Flush. Atomicity is a backend
// guarantee scoped to a single partition; groups succeed or fail
// independently of each other.
//
// A Batch is single-owner mutable state: concurrent Enqueue or Flush calls
// against the same instance require external synchronization.
type Batch struct {
	store   *Store
	entries []batchEntry
}

// NewBatch creates an empty batch accumulator bound to the store.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s}
}

// Enqueue appends a pending write to the buffer. No I/O is performed. It
// fails with ErrValidation (or ErrContainerNameEmpty) without buffering
// anything when the target is invalid.
//
// For OpDelete the envelope only needs its ID; Data may be nil.
func (b *Batch) Enqueue(container string, key PartitionKey, env *Envelope, op Operation) error {
	if err := validateContainer(container); err != nil {
		return err
	}
	if key.IsZero() {
		return fmt.Errorf("%w: partition key is empty", ErrValidation)
	}
	if env == nil {
		return fmt.Errorf("%w: envelope is nil", ErrValidation)
	}
	if env.ID == "" {
		return fmt.Errorf("%w: envelope has no id", ErrValidation)
	}
	if op != OpDelete && env.Data == nil {
		return fmt.Errorf("%w: %s of %s has no entity data", ErrValidation, op, env.ID)
	}
	// Puts persist under env.Key; a mismatched grouping key would land the
	// write outside the partition its sub-batch claims.
	if op != OpDelete && !key.Equal(env.Key) {
		return fmt.Errorf("%w: %s of %s: key %s does not match envelope key %s", ErrValidation, op, env.ID, key, env.Key)
	}
	b.entries = append(b.entries, batchEntry{container: container, key: key, env: env, op: op})
	return nil
}

// Len returns the number of buffered items.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Flush submits all buffered items, grouped into one transactional sub-batch
// per (container, partition). It returns one result per item, in enqueue
// order. The buffer is cleared whether or not the flush succeeds.
//
// A failed sub-batch does not prevent other sub-batches from executing. On
// cancellation the returned error is the context error and every item not
// known to have succeeded or failed is reported as StatusUnknown.
func (b *Batch) Flush(ctx context.Context) ([]BatchResult, error) {
	entries := b.entries
	b.entries = nil
	if len(entries) == 0 {
		return []BatchResult{}, nil
	}

	results := make([]BatchResult, len(entries))
	for i, e := range entries {
		results[i] = BatchResult{
			Index:     i,
			Operation: e.op,
			Container: e.container,
			Key:       e.key,
			ID:        e.env.ID,
			Status:    StatusUnknown,
		}
	}

	for _, group := range groupEntries(entries, b.store.config.MaxBatchSize) {
		if err := ctx.Err(); err != nil {
			// Remaining groups were never submitted; their items stay Unknown.
			return results, err
		}
		cancelled := b.store.flushGroup(ctx, entries, group, results)
		if cancelled {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// groupEntries partitions entry indices into sub-batches keyed by
// (container, partition), splitting any group larger than maxSize. Group
// order follows first enqueue.
func groupEntries(entries []batchEntry, maxSize int) [][]int {
	var groups [][]int
	index := map[string]int{}
	for i, e := range entries {
		gk := e.container + "\x00" + e.key.String()
		gi, ok := index[gk]
		if !ok || len(groups[gi]) >= maxSize {
			groups = append(groups, nil)
			gi = len(groups) - 1
			index[gk] = gi
		}
		groups[gi] = append(groups[gi], i)
	}
	return groups
}

// flushGroup submits one sub-batch and records per-item outcomes. Returns
// true when the submission was cut short by context cancellation, in which
// case the group's outcomes stay Unknown.
func (s *Store) flushGroup(ctx context.Context, entries []batchEntry, group []int, results []BatchResult) bool {
	items := make([]types.TransactWriteItem, 0, len(group))
	tags := make([]string, len(group))

	for gi, i := range group {
		e := entries[i]
		if e.op == OpDelete {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName:           aws.String(e.container),
					Key:                 itemKey(e.key, e.env.ID),
					ConditionExpression: aws.String("attribute_exists(id)"),
				},
			})
			continue
		}

		tags[gi] = uuid.NewString()
		item, err := s.marshalEnvelope(e.env, tags[gi])
		if err != nil {
			// Marshal failures poison the whole sub-batch before submission.
			for _, j := range group {
				results[j].Status = StatusFailed
				results[j].Err = fmt.Errorf("item %d: %w", i, err)
			}
			return false
		}
		put := &types.Put{
			TableName: aws.String(e.container),
			Item:      item,
		}
		switch {
		case e.op == OpCreate:
			put.ConditionExpression = aws.String("attribute_not_exists(id)")
		case e.env.Tag != "":
			put.ConditionExpression = aws.String("#tag = :expected")
			put.ExpressionAttributeNames = map[string]string{"#tag": "tag"}
			put.ExpressionAttributeValues = map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberS{Value: e.env.Tag},
			}
		}
		items = append(items, types.TransactWriteItem{Put: put})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if err != nil {
		s.applyGroupError(entries, group, results, err)
		s.config.Logger.Debug("sub-batch failed",
			"items", len(group),
			"error", err,
		)
		return false
	}

	for gi, i := range group {
		results[i].Status = StatusSucceeded
		if entries[i].op != OpDelete {
			results[i].Envelope = entries[i].env.withTag(tags[gi])
		}
	}
	return false
}

// applyGroupError maps a failed transaction onto per-item outcomes. A
// cancelled transaction carries one cancellation reason per item, index
// aligned with the submission order.
func (s *Store) applyGroupError(entries []batchEntry, group []int, results []BatchResult, err error) {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) || len(txErr.CancellationReasons) != len(group) {
		// Whole-group failure with no per-item detail (throttling, capacity).
		wrapped := s.translateError(err)
		for _, i := range group {
			results[i].Status = StatusFailed
			results[i].Err = wrapped
		}
		return
	}

	for gi, reason := range txErr.CancellationReasons {
		i := group[gi]
		results[i].Status = StatusFailed
		results[i].Err = reasonError(entries[i].op, reason)
	}
}

// reasonError maps one cancellation reason to a domain error.
func reasonError(op Operation, reason types.CancellationReason) error {
	code := aws.ToString(reason.Code)
	switch code {
	case "None":
		return fmt.Errorf("lattice: aborted by sibling item failure")
	case "ConditionalCheckFailed":
		switch op {
		case OpCreate:
			return ErrAlreadyExists
		case OpDelete:
			return ErrNotFound
		}
		return ErrConflict
	case "TransactionConflict":
		return ErrConflict
	case "ThrottlingError", "ProvisionedThroughputExceeded":
		return fmt.Errorf("%w: %s", ErrUnavailable, aws.ToString(reason.Message))
	}
	return fmt.Errorf("lattice: batch item rejected: %s (%s)", code, aws.ToString(reason.Message))
}
