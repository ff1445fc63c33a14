package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// containerRegistry records provisioned containers and their hierarchical
// key paths.
type containerRegistry struct {
	mu    sync.RWMutex
	paths map[string][]string
}

func newContainerRegistry() *containerRegistry {
	return &containerRegistry{paths: make(map[string][]string)}
}

func (r *containerRegistry) register(container string, keyPaths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[container] = append([]string(nil), keyPaths...)
}

func (r *containerRegistry) keyPaths(container string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paths[container]
}

// EnsureContainer creates the container if it does not exist and registers
// its partition key paths. keyPaths names the ordered key segments, coarsest
// first; a single path declares a flat key, several declare a hierarchical
// one. The backend table shape is the same either way (a hash/range pair);
// the segment list governs how partition keys are validated and matched.
//
// Existing containers are left untouched.
func (s *Store) EnsureContainer(ctx context.Context, container string, keyPaths ...string) error {
	if err := validateContainer(container); err != nil {
		return err
	}
	if len(keyPaths) == 0 {
		return fmt.Errorf("%w: container %s requires at least one partition key path", ErrValidation, container)
	}

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(container),
	})
	if err == nil {
		s.containers.register(container, keyPaths)
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return s.translateError(err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(container),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		var exists *types.ResourceInUseException
		if !errors.As(err, &exists) {
			return s.translateError(err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(container),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for container %s: %w", container, err)
	}

	s.containers.register(container, keyPaths)
	s.config.Logger.Debug("container provisioned",
		"container", container,
		"keyPaths", keyPaths,
	)
	return nil
}

// KeyPaths returns the partition key paths registered for a container, or nil
// when the container has not been provisioned through this store.
func (s *Store) KeyPaths(container string) []string {
	return s.containers.keyPaths(container)
}
