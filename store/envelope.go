package store

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Entity is the base interface for all storable types.
type Entity interface {
	// EntityID returns the stable identifier for this entity instance.
	EntityID() string

	// EntityType returns the entity type name (e.g., "order").
	EntityType() string
}

// Envelope wraps an entity with store metadata. Envelopes are never mutated in
// place; an update produces a new envelope carrying a refreshed concurrency tag.
type Envelope struct {
	// ID equals the entity's identifier and is immutable after creation.
	ID string

	// EntityType is the entity type name.
	EntityType string

	// Key is the partition key the document lives under. Immutable.
	Key PartitionKey

	// Data is the caller's entity. Set on the write path; nil on envelopes
	// reconstructed from reads (use DecodeData instead).
	Data Entity

	// Tag is the concurrency tag. Empty until the document has been persisted;
	// assigned by the store on each successful write.
	Tag string

	// ResourceRef is the type-qualified reference (e.g., "order#uuid").
	ResourceRef string

	// CreatedAtEpoch is the creation time in Unix seconds.
	CreatedAtEpoch int64

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time

	// Raw is the raw stored item. Populated on the read path.
	Raw map[string]types.AttributeValue
}

// NewEnvelope wraps entity for submission under key. It fails with
// ErrValidation when entity is nil, its identifier is empty, or key is empty.
// The envelope carries no concurrency tag until persisted.
func NewEnvelope(entity Entity, key PartitionKey) (*Envelope, error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: entity is nil", ErrValidation)
	}
	if key.IsZero() {
		return nil, fmt.Errorf("%w: partition key is empty", ErrValidation)
	}
	id := entity.EntityID()
	if id == "" {
		return nil, fmt.Errorf("%w: entity has no identifier", ErrValidation)
	}
	now := time.Now()
	return &Envelope{
		ID:             id,
		EntityType:     entity.EntityType(),
		Key:            key,
		Data:           entity,
		ResourceRef:    entity.EntityType() + "#" + id,
		CreatedAtEpoch: now.Unix(),
		CreatedAt:      now,
	}, nil
}

// DecodeData unmarshals the stored entity payload into out. Only valid on
// envelopes returned by the read path.
func (e *Envelope) DecodeData(out any) error {
	data, ok := e.Raw["data"].(*types.AttributeValueMemberM)
	if !ok {
		return fmt.Errorf("lattice: envelope %s has no data payload", e.ID)
	}
	return attributevalue.UnmarshalMap(data.Value, out)
}

// withTag returns a copy of the envelope carrying tag.
func (e *Envelope) withTag(tag string) *Envelope {
	out := *e
	out.Tag = tag
	return &out
}
