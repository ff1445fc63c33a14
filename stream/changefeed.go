// Package stream dispatches document change-feed events to per-entity-type
// handlers. It consumes DynamoDB Streams records, reconstructs envelope
// metadata from the stream images, and is designed to run as an AWS Lambda
// handler.
package stream

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/store"
)

// EventType classifies a change-feed record.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventModify EventType = "MODIFY"
	EventRemove EventType = "REMOVE"
)

// Event is one document mutation observed on the change feed.
type Event struct {
	Type EventType

	// New is the envelope after the mutation; nil for removes.
	New *store.Envelope

	// Old is the envelope before the mutation; nil for inserts, and only
	// populated when the stream captures old images.
	Old *store.Envelope
}

// HandlerFunc processes one change-feed event. Returning an error aborts the
// batch so the record is retried (and eventually dead-lettered).
type HandlerFunc func(ctx context.Context, event Event) error

// Dispatcher routes change-feed events to handlers registered per entity
// type. Delivery is at-least-once; handlers must be idempotent.
type Dispatcher struct {
	handlers map[string][]HandlerFunc
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string][]HandlerFunc),
		logger:   logger,
	}
}

// On registers a handler for an entity type. Handlers for the same type run
// in registration order.
func (d *Dispatcher) On(entityType string, fn HandlerFunc) {
	d.handlers[entityType] = append(d.handlers[entityType], fn)
}

// HandleStreamEvent processes a batch of stream records. This function is
// designed to be used as an AWS Lambda handler.
func (d *Dispatcher) HandleStreamEvent(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := d.processRecord(ctx, record); err != nil {
			d.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

func (d *Dispatcher) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	ev := Event{Type: EventType(record.EventName)}
	if img := record.Change.NewImage; len(img) > 0 {
		ev.New = envelopeFromImage(img)
	}
	if img := record.Change.OldImage; len(img) > 0 {
		ev.Old = envelopeFromImage(img)
	}

	entityType := ""
	switch {
	case ev.New != nil:
		entityType = ev.New.EntityType
	case ev.Old != nil:
		entityType = ev.Old.EntityType
	}
	fns := d.handlers[entityType]
	if len(fns) == 0 {
		return nil
	}

	d.logger.Info("dispatching change event",
		"type", ev.Type,
		"entityType", entityType,
		"handlers", len(fns),
	)
	for _, fn := range fns {
		if err := fn(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// envelopeFromImage reconstructs envelope metadata from a stream image. The
// entity payload stays raw; use Envelope.DecodeData to type it.
func envelopeFromImage(image map[string]events.DynamoDBAttributeValue) *store.Envelope {
	env := &store.Envelope{
		ID:          getStringAttr(image, "id"),
		EntityType:  getStringAttr(image, "entity_type"),
		Tag:         getStringAttr(image, "tag"),
		ResourceRef: getStringAttr(image, "resource_ref"),
		Raw:         convertImage(image),
	}
	env.CreatedAtEpoch = getNumberAttr(image, "created_at_epoch")
	if ts := getStringAttr(image, "created_at"); ts != "" {
		env.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	if segments := getStringListAttr(image, "pkseg"); len(segments) > 0 {
		if key, err := store.Key(segments...); err == nil {
			env.Key = key
		}
	}
	return env
}

// convertImage converts a stream image to SDK attribute values so envelope
// payload helpers work on both read paths.
func convertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if attr := convertAttr(v); attr != nil {
			result[k] = attr
		}
	}
	return result
}

func convertAttr(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: v.IsNull()}
	case events.DataTypeList:
		out := make([]types.AttributeValue, 0, len(v.List()))
		for _, item := range v.List() {
			if attr := convertAttr(item); attr != nil {
				out = append(out, attr)
			}
		}
		return &types.AttributeValueMemberL{Value: out}
	case events.DataTypeMap:
		out := make(map[string]types.AttributeValue, len(v.Map()))
		for k, item := range v.Map() {
			if attr := convertAttr(item); attr != nil {
				out[k] = attr
			}
		}
		return &types.AttributeValueMemberM{Value: out}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	}
	return nil
}

// getStringAttr extracts a string attribute from a stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// getStringListAttr extracts a string list attribute from a stream image.
func getStringListAttr(image map[string]events.DynamoDBAttributeValue, key string) []string {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeList {
			var result []string
			for _, item := range v.List() {
				if item.DataType() == events.DataTypeString {
					result = append(result, item.String())
				}
			}
			return result
		}
	}
	return nil
}
