// Package journal defines the append-only record of engine events.
package journal

import (
	"context"
	"time"
)

// Entry is one journaled event.
type Entry struct {
	StrategyID int64
	Kind       string
	Name       string
	Payload    []byte
	At         time.Time
}

// Writer buffers entries and writes them in batches.
type Writer interface {
	Append(ctx context.Context, entry Entry) error
	Flush(ctx context.Context) error
}
