// Package strategy owns the lifecycle of running strategy instances and routes
// the event bus into each of them.
package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/strategystore"
)

// ID identifies a strategy instance.
type ID = int64

// Variant tags the closed set of strategy kinds.
type Variant string

var (
	// ErrStrategyNotFound is returned when an operation targets an unknown instance.
	ErrStrategyNotFound = errors.New("strategy not found")
	// ErrUnknownVariant is returned when no definition is registered for a variant.
	ErrUnknownVariant = errors.New("unknown strategy variant")
	// ErrVariantExists is returned when a variant is registered twice.
	ErrVariantExists = errors.New("strategy variant already registered")
)

// Status is the self-reported condition of a strategy.
type Status struct {
	// Stopped asks the manager to abort the dispatch task.
	Stopped bool
	// Completed marks a persisted strategy as finished.
	Completed bool
	Details   map[string]string
}

// Strategy is the lifecycle contract every variant implements.
type Strategy interface {
	Variant() Variant
	// Bind assigns the instance identifier before the strategy is dispatched.
	Bind(id ID)
	// SyncState hydrates the strategy before its first event.
	SyncState(ctx context.Context) error
	// ProcessEvent feeds one event and returns the actions it produced.
	ProcessEvent(ctx context.Context, evt events.Event) []*action.Handle
	Status() Status
}

// Factory builds a strategy from its persisted configuration.
type Factory func(config []byte) (Strategy, error)

// Persist maps a strategy to the snapshot stored when it starts. Variants
// without a Persist function are never written to the store.
type Persist func(s Strategy) (strategystore.Snapshot, error)

// Definition registers one variant with the manager.
type Definition struct {
	Variant Variant
	Factory Factory
	Persist Persist
}

func (d Definition) validate() error {
	if d.Variant == "" {
		return fmt.Errorf("strategy definition: variant required")
	}
	if d.Factory == nil {
		return fmt.Errorf("strategy definition %s: factory required", d.Variant)
	}
	return nil
}
