package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Store provides document operations over a partitioned backend with
// hierarchical partition key support.
//
// Item layout: the first key segment becomes the backend partition attribute
// "pk"; the remaining segments plus the document id form the sort attribute
// "sk", joined with "#". The full segment list and its depth are stored
// alongside so exact-partition scans can be distinguished from prefix scans
// server-side.
type Store struct {
	client     DocumentAPI
	config     Config
	containers *containerRegistry
}

// New creates a new Store instance.
func New(client DocumentAPI, config Config) *Store {
	config.validate()
	return &Store{
		client:     client,
		config:     config,
		containers: newContainerRegistry(),
	}
}

// DefaultPageSize returns the configured default page size.
func (s *Store) DefaultPageSize() int32 {
	return s.config.DefaultPageSize
}

// Create persists a new document. It fails with ErrAlreadyExists when a
// document with the same id already exists in the partition. On success it
// returns a copy of the envelope carrying the assigned concurrency tag.
func (s *Store) Create(ctx context.Context, container string, env *Envelope) (*Envelope, error) {
	if err := validateContainer(container); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: envelope is nil", ErrValidation)
	}

	tag := uuid.NewString()
	item, err := s.marshalEnvelope(env, tag)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(container),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, ErrAlreadyExists
		}
		return nil, s.translateError(err)
	}
	return env.withTag(tag), nil
}

// Get retrieves a document by id from the exact partition named by key.
// Returns ErrNotFound when no document exists.
func (s *Store) Get(ctx context.Context, container, id string, key PartitionKey) (*Envelope, error) {
	if err := validateContainer(container); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: document id is empty", ErrValidation)
	}
	if key.IsZero() {
		return nil, fmt.Errorf("%w: partition key is empty", ErrValidation)
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(container),
		Key:       itemKey(key, id),
	})
	if err != nil {
		return nil, s.translateError(err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalEnvelope(result.Item)
}

// Upsert writes a document with create-or-replace semantics. When expectedTag
// is non-empty the write is conditional on the stored concurrency tag and
// fails with ErrConflict on mismatch. Returns a copy of the envelope carrying
// the refreshed tag.
func (s *Store) Upsert(ctx context.Context, container string, env *Envelope, expectedTag string) (*Envelope, error) {
	if err := validateContainer(container); err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: envelope is nil", ErrValidation)
	}

	tag := uuid.NewString()
	item, err := s.marshalEnvelope(env, tag)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(container),
		Item:      item,
	}
	if expectedTag != "" {
		input.ConditionExpression = aws.String("#tag = :expected")
		input.ExpressionAttributeNames = map[string]string{"#tag": "tag"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: expectedTag},
		}
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, ErrConflict
		}
		return nil, s.translateError(err)
	}
	return env.withTag(tag), nil
}

// Delete removes a document by id from the exact partition named by key.
// Returns ErrNotFound when no document exists.
func (s *Store) Delete(ctx context.Context, container, id string, key PartitionKey) error {
	if err := validateContainer(container); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: document id is empty", ErrValidation)
	}
	if key.IsZero() {
		return fmt.Errorf("%w: partition key is empty", ErrValidation)
	}

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(container),
		Key:                 itemKey(key, id),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrNotFound
		}
		return s.translateError(err)
	}
	return nil
}

// validateContainer rejects empty or blank container names.
func validateContainer(container string) error {
	if strings.TrimSpace(container) == "" {
		return ErrContainerNameEmpty
	}
	return nil
}

// itemKey builds the backend primary key for a document.
func itemKey(key PartitionKey, id string) map[string]types.AttributeValue {
	segments := key.Segments()
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: segments[0]},
		"sk": &types.AttributeValueMemberS{Value: sortKey(segments, id)},
	}
}

// sortKey joins the non-leading key segments and the document id.
func sortKey(segments []string, id string) string {
	return strings.Join(append(segments[1:len(segments):len(segments)], id), "#")
}

// marshalEnvelope converts an envelope to the stored item shape, assigning tag.
func (s *Store) marshalEnvelope(env *Envelope, tag string) (map[string]types.AttributeValue, error) {
	if env.Data == nil {
		return nil, fmt.Errorf("%w: envelope %s has no entity data", ErrValidation, env.ID)
	}
	data, err := attributevalue.MarshalMap(env.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}

	segments := env.Key.Segments()
	segList := make([]types.AttributeValue, len(segments))
	for i, seg := range segments {
		segList[i] = &types.AttributeValueMemberS{Value: seg}
	}

	return map[string]types.AttributeValue{
		"pk":               &types.AttributeValueMemberS{Value: segments[0]},
		"sk":               &types.AttributeValueMemberS{Value: sortKey(segments, env.ID)},
		"id":               &types.AttributeValueMemberS{Value: env.ID},
		"entity_type":      &types.AttributeValueMemberS{Value: env.EntityType},
		"pkseg":            &types.AttributeValueMemberL{Value: segList},
		"pkdepth":          &types.AttributeValueMemberN{Value: strconv.Itoa(len(segments))},
		"tag":              &types.AttributeValueMemberS{Value: tag},
		"resource_ref":     &types.AttributeValueMemberS{Value: env.ResourceRef},
		"created_at":       &types.AttributeValueMemberS{Value: env.CreatedAt.UTC().Format(time.RFC3339)},
		"created_at_epoch": &types.AttributeValueMemberN{Value: strconv.FormatInt(env.CreatedAtEpoch, 10)},
		"data":             &types.AttributeValueMemberM{Value: data},
	}, nil
}

// unmarshalEnvelope converts a stored item back into an envelope.
func unmarshalEnvelope(raw map[string]types.AttributeValue) (*Envelope, error) {
	env := &Envelope{Raw: raw}

	if v, ok := raw["id"].(*types.AttributeValueMemberS); ok {
		env.ID = v.Value
	}
	if v, ok := raw["entity_type"].(*types.AttributeValueMemberS); ok {
		env.EntityType = v.Value
	}
	if v, ok := raw["tag"].(*types.AttributeValueMemberS); ok {
		env.Tag = v.Value
	}
	if v, ok := raw["resource_ref"].(*types.AttributeValueMemberS); ok {
		env.ResourceRef = v.Value
	}
	if v, ok := raw["created_at"].(*types.AttributeValueMemberS); ok {
		env.CreatedAt, _ = time.Parse(time.RFC3339, v.Value)
	}
	if v, ok := raw["created_at_epoch"].(*types.AttributeValueMemberN); ok {
		env.CreatedAtEpoch, _ = strconv.ParseInt(v.Value, 10, 64)
	}

	segAttr, ok := raw["pkseg"].(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("lattice: item %s has no partition key segments", env.ID)
	}
	segments := make([]string, 0, len(segAttr.Value))
	for _, attr := range segAttr.Value {
		if v, ok := attr.(*types.AttributeValueMemberS); ok {
			segments = append(segments, v.Value)
		}
	}
	key, err := Key(segments...)
	if err != nil {
		return nil, fmt.Errorf("lattice: item %s: %w", env.ID, err)
	}
	env.Key = key

	return env, nil
}

// translateError maps backend throttling and capacity errors onto
// ErrUnavailable. Everything else propagates unchanged.
func (s *Store) translateError(err error) error {
	if err == nil {
		return nil
	}
	var throughput *types.ProvisionedThroughputExceededException
	var limit *types.RequestLimitExceeded
	if errors.As(err, &throughput) || errors.As(err, &limit) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
