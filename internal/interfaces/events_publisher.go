package interfaces

import "context"

// EventPublisher delivers domain events to downstream consumers. key selects
// the partition so that events of one account stay ordered.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}
