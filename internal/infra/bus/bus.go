// Package bus provides the bounded broadcast buses the engine wires its tasks through.
package bus

import (
	"context"
)

// DefaultCapacity is the per-subscriber buffer of the engine buses.
const DefaultCapacity = 16384

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus broadcasts every published value to all live subscribers.
type Bus[T any] interface {
	Publish(ctx context.Context, msg T) error
	Subscribe(ctx context.Context) (SubscriptionID, <-chan T, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// Publisher is the send half of a bus.
type Publisher[T any] interface {
	Publish(ctx context.Context, msg T) error
}

// Subscriber is the receive half of a bus.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) (SubscriptionID, <-chan T, error)
	Unsubscribe(id SubscriptionID)
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	// Name labels metrics and log lines ("events", "actions").
	Name string
	// Capacity is the per-subscriber buffer; overflow drops the oldest buffered value.
	Capacity      int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.Name == "" {
		c.Name = "bus"
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
