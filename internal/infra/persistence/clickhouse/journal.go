package clickhouse

import (
	"context"
	"fmt"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tranche/internal/domain/journal"
	"github.com/coachpo/tranche/internal/infra/telemetry"
)

const (
	insertEventsSQL = `INSERT INTO engine_events (strategy_id, kind, name, payload, at)`

	// DefaultBatchSize is the buffered entry count that triggers a write.
	DefaultBatchSize = 500
	// maxBufferedBatches bounds the backlog kept while ClickHouse is unreachable.
	maxBufferedBatches = 16
)

// BatchPreparer is the part of driver.Conn the journal writes through.
type BatchPreparer interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// Journal buffers entries and writes them to engine_events in batches. When a
// write fails the entries stay buffered, oldest first, up to a bounded backlog.
type Journal struct {
	conn      BatchPreparer
	batchSize int

	mu  sync.Mutex
	buf []journal.Entry

	written metric.Int64Counter
	dropped metric.Int64Counter
}

// NewJournal builds a journal writer. A non-positive batchSize uses DefaultBatchSize.
func NewJournal(conn BatchPreparer, batchSize int) *Journal {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	j := &Journal{conn: conn, batchSize: batchSize}
	meter := otel.Meter("journal.clickhouse")
	j.written, _ = meter.Int64Counter("journal.entries.written",
		metric.WithDescription("Journal entries written to ClickHouse"),
		metric.WithUnit("{entry}"))
	j.dropped, _ = meter.Int64Counter("journal.entries.dropped",
		metric.WithDescription("Journal entries dropped because the backlog was full"),
		metric.WithUnit("{entry}"))
	return j
}

// Append buffers entry and writes the buffer once it holds a full batch.
func (j *Journal) Append(ctx context.Context, entry journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.buf = append(j.buf, entry)
	if over := len(j.buf) - j.batchSize*maxBufferedBatches; over > 0 {
		j.buf = append(j.buf[:0:0], j.buf[over:]...)
		j.dropped.Add(ctx, int64(over), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	if len(j.buf) < j.batchSize {
		return nil
	}
	return j.flushLocked(ctx)
}

// Flush writes every buffered entry.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked(ctx)
}

// Buffered returns the number of entries waiting to be written.
func (j *Journal) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buf)
}

func (j *Journal) flushLocked(ctx context.Context) error {
	if len(j.buf) == 0 {
		return nil
	}
	batch, err := j.conn.PrepareBatch(ctx, insertEventsSQL)
	if err != nil {
		return fmt.Errorf("prepare journal batch: %w", err)
	}
	for _, e := range j.buf {
		if err := batch.Append(e.StrategyID, e.Kind, e.Name, string(e.Payload), e.At.UTC()); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append journal entry: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send journal batch: %w", err)
	}
	j.written.Add(ctx, int64(len(j.buf)), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	j.buf = j.buf[:0]
	return nil
}
