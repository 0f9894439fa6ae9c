package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tranche/internal/domain/strategystore"
)

// StrategyStore persists strategy instances and their configuration.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore constructs a StrategyStore backed by the provided pgx pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const (
	strategyInsertSQL = `
INSERT INTO strategies (variant, config, created_at)
VALUES ($1, $2::jsonb, $3)
RETURNING id;
`
	strategyCompleteSQL = `
UPDATE strategies
SET completed_at = $2
WHERE id = $1
RETURNING id;
`
	strategyActiveSQL = `
SELECT id, variant, config, created_at
FROM strategies
WHERE completed_at IS NULL
ORDER BY id;
`
)

func (s *StrategyStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("strategy store: nil pool")
	}
	return s.pool, nil
}

// Create inserts snapshot and returns its generated identifier.
func (s *StrategyStore) Create(ctx context.Context, snapshot strategystore.Snapshot) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	variant := strings.TrimSpace(snapshot.Variant)
	if variant == "" {
		return 0, fmt.Errorf("strategy store: variant required")
	}
	config := snapshot.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var id int64
	if err := pool.QueryRow(ctx, strategyInsertSQL, variant, config, createdAt.UTC()).Scan(&id); err != nil {
		return 0, fmt.Errorf("strategy store: insert %s: %w", variant, err)
	}
	return id, nil
}

// MarkCompleted records the completion time of id.
func (s *StrategyStore) MarkCompleted(ctx context.Context, id int64, at time.Time) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var updated int64
	err = pool.QueryRow(ctx, strategyCompleteSQL, id, at.UTC()).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("strategy store: instance %d: %w", id, strategystore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("strategy store: complete %d: %w", id, err)
	}
	return nil
}

// LoadActive returns every strategy without a completion time, ordered by id.
func (s *StrategyStore) LoadActive(ctx context.Context) ([]strategystore.Snapshot, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, strategyActiveSQL)
	if err != nil {
		return nil, fmt.Errorf("strategy store: select active: %w", err)
	}
	snapshots, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (strategystore.Snapshot, error) {
		var snap strategystore.Snapshot
		err := row.Scan(&snap.ID, &snap.Variant, &snap.Config, &snap.CreatedAt)
		return snap, err
	})
	if err != nil {
		return nil, fmt.Errorf("strategy store: scan active: %w", err)
	}
	return snapshots, nil
}
