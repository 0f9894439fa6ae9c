package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tranche/internal/infra/telemetry"
)

// ObservePoolMetrics registers one observable gauge reporting pgx pool
// connections by state (idle, acquired, constructing).
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db.pool", name),
	}
	withState := func(state string) metric.MeasurementOption {
		return metric.WithAttributes(append(base[:len(base):len(base)], attribute.String("state", state))...)
	}
	idle, acquired, constructing := withState("idle"), withState("acquired"), withState("constructing")

	_, err := otel.Meter("postgres.pool").Int64ObservableGauge("db.pool.connections",
		metric.WithDescription("pgx pool connections by state"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stat := pool.Stat()
			observer.Observe(int64(stat.IdleConns()), idle)
			observer.Observe(int64(stat.AcquiredConns()), acquired)
			observer.Observe(int64(stat.ConstructingConns()), constructing)
			return nil
		}),
	)
	return err
}
