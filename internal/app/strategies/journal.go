package strategies

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/coachpo/tranche/internal/app/strategy"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/journal"
	"github.com/coachpo/tranche/internal/domain/strategystore"
)

// VariantJournal records bus events to the journal store.
const VariantJournal strategy.Variant = "journal"

// JournalConfig selects what the journal records.
type JournalConfig struct {
	// Kinds restricts the journal to these event families. Empty records every
	// family except heartbeats.
	Kinds []string `json:"kinds"`
	// FlushEveryHeartbeats flushes the writer every N heartbeats.
	FlushEveryHeartbeats int `json:"flushEveryHeartbeats"`
}

// ParseJournalConfig decodes a journal configuration. An empty document is valid.
func ParseJournalConfig(raw []byte) (JournalConfig, error) {
	var cfg JournalConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode journal config: %w", err)
		}
	}
	if cfg.FlushEveryHeartbeats <= 0 {
		cfg.FlushEveryHeartbeats = 1
	}
	return cfg, nil
}

// Journal is an observer strategy: it writes events and never emits actions.
type Journal struct {
	cfg    JournalConfig
	deps   Deps
	writer journal.Writer

	mu       sync.Mutex
	id       int64
	beats    int
	written  int
	failures int
	stopped  bool
	lastErr  string
}

// NewJournal builds a journal strategy over the configured writer.
func NewJournal(deps Deps, cfg JournalConfig) (*Journal, error) {
	deps = deps.normalize()
	if deps.Journal == nil {
		return nil, fmt.Errorf("journal strategy: no journal writer configured")
	}
	return &Journal{cfg: cfg, deps: deps, writer: deps.Journal}, nil
}

// Variant implements strategy.Strategy.
func (j *Journal) Variant() strategy.Variant { return VariantJournal }

// Bind implements strategy.Strategy.
func (j *Journal) Bind(id strategy.ID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.id = id
}

// SyncState implements strategy.Strategy.
func (j *Journal) SyncState(context.Context) error { return nil }

// ProcessEvent implements strategy.Strategy.
func (j *Journal) ProcessEvent(ctx context.Context, evt events.Event) []*action.Handle {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return nil
	}
	switch e := evt.(type) {
	case events.Heartbeat:
		j.beats++
		if j.beats%j.cfg.FlushEveryHeartbeats == 0 {
			j.flush(ctx)
		}
		return nil
	case events.DestroyStrategy:
		if e.ID == j.id {
			j.flush(ctx)
			j.stopped = true
			return nil
		}
	}
	if !j.records(evt) {
		return nil
	}
	payload, err := json.Marshal(journalPayload(evt))
	if err != nil {
		j.fail(err)
		return nil
	}
	entry := journal.Entry{
		StrategyID: j.id,
		Kind:       string(evt.Kind()),
		Name:       events.Name(evt),
		Payload:    payload,
		At:         j.deps.Clock().UTC(),
	}
	if err := j.writer.Append(ctx, entry); err != nil {
		j.fail(err)
		return nil
	}
	j.written++
	return nil
}

// Status implements strategy.Strategy.
func (j *Journal) Status() strategy.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	details := map[string]string{
		"written":  strconv.Itoa(j.written),
		"failures": strconv.Itoa(j.failures),
	}
	if j.lastErr != "" {
		details["lastError"] = j.lastErr
	}
	return strategy.Status{Stopped: j.stopped, Completed: j.stopped, Details: details}
}

func (j *Journal) records(evt events.Event) bool {
	if len(j.cfg.Kinds) == 0 {
		return evt.Kind() != events.KindHeartbeat
	}
	return slices.Contains(j.cfg.Kinds, string(evt.Kind()))
}

func (j *Journal) flush(ctx context.Context) {
	if err := j.writer.Flush(ctx); err != nil {
		j.fail(err)
	}
}

func (j *Journal) fail(err error) {
	j.failures++
	j.lastErr = err.Error()
	j.deps.Logger.Printf("journal %d: %v", j.id, err)
}

type executionRecord struct {
	ActionID string                 `json:"actionId"`
	Sent     bool                   `json:"sent"`
	Error    *action.ExecutionError `json:"error,omitempty"`
	Retry    int                    `json:"retry"`
}

// journalPayload maps events carrying live handles to plain records.
func journalPayload(evt events.Event) any {
	if r, ok := evt.(events.ExecutionResult); ok {
		rec := executionRecord{ActionID: r.ActionID.String(), Sent: r.Outcome.IsSent(), Error: r.Outcome.Err}
		if r.Action != nil {
			rec.Retry = r.Action.Snapshot().Retry
		}
		return rec
	}
	return evt
}

// JournalDefinition registers the journal variant. Journals are persisted.
func JournalDefinition(deps Deps) strategy.Definition {
	return strategy.Definition{
		Variant: VariantJournal,
		Factory: func(raw []byte) (strategy.Strategy, error) {
			cfg, err := ParseJournalConfig(raw)
			if err != nil {
				return nil, err
			}
			return NewJournal(deps, cfg)
		},
		Persist: func(s strategy.Strategy) (strategystore.Snapshot, error) {
			j, ok := s.(*Journal)
			if !ok {
				return strategystore.Snapshot{}, fmt.Errorf("persist journal: unexpected %T", s)
			}
			raw, err := json.Marshal(j.cfg)
			if err != nil {
				return strategystore.Snapshot{}, fmt.Errorf("encode journal config: %w", err)
			}
			return strategystore.Snapshot{Config: raw}, nil
		},
	}
}
