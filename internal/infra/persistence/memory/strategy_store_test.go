package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coachpo/tranche/internal/domain/strategystore"
)

func TestStrategyStoreLifecycle(t *testing.T) {
	store := NewStrategyStore()
	ctx := context.Background()

	first, err := store.Create(ctx, strategystore.Snapshot{Variant: "volume", Config: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.Create(ctx, strategystore.Snapshot{Variant: "sniper"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct ids")
	}

	if err := store.MarkCompleted(ctx, first, time.Now()); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	active, err := store.LoadActive(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(active) != 1 || active[0].ID != second {
		t.Fatalf("expected only %d active, got %+v", second, active)
	}
}

func TestStrategyStoreRejectsUnknownIDs(t *testing.T) {
	store := NewStrategyStore()
	err := store.MarkCompleted(context.Background(), 42, time.Now())
	if !errors.Is(err, strategystore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Create(context.Background(), strategystore.Snapshot{}); err == nil {
		t.Fatalf("expected variant to be required")
	}
}
