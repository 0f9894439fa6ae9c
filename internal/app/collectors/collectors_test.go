package collectors

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/tranche/internal/app/registry"
	"github.com/coachpo/tranche/internal/domain/action"
	"github.com/coachpo/tranche/internal/domain/events"
	"github.com/coachpo/tranche/internal/domain/ledger"
	"github.com/coachpo/tranche/internal/infra/ledgerrpc"
)

type scriptedSource struct {
	mu       sync.Mutex
	statuses map[string]*ledgerrpc.SignatureStatus
	err      error
	queries  [][]string
}

func (s *scriptedSource) GetSignatureStatuses(_ context.Context, sigs []string) ([]*ledgerrpc.SignatureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, append([]string(nil), sigs...))
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*ledgerrpc.SignatureStatus, len(sigs))
	for i, sig := range sigs {
		out[i] = s.statuses[sig]
	}
	return out, nil
}

func boundAction(t *testing.T, reg *registry.Registry, txID string) *action.Handle {
	t.Helper()
	signer, err := ledger.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	h := reg.Register(action.New(signer, nil, time.Now()))
	if err := reg.Bind(h.ID(), txID); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	h.MarkSent(txID, ledger.BaseFeeLamports, time.Now())
	return h
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestPollEmitsReceiptsOncePerTransaction(t *testing.T) {
	reg := registry.New(16)
	ok := boundAction(t, reg, "sig-ok")
	failed := boundAction(t, reg, "sig-failed")
	boundAction(t, reg, "sig-pending")

	source := &scriptedSource{statuses: map[string]*ledgerrpc.SignatureStatus{
		"sig-ok":      {Slot: 5, ConfirmationStatus: "finalized"},
		"sig-failed":  {Slot: 5, ConfirmationStatus: "confirmed", Err: map[string]any{"InstructionError": "Custom"}},
		"sig-pending": {Slot: 5, ConfirmationStatus: "processed"},
	}}
	poller := NewConfirmationPoller(reg, source, PollerConfig{Logger: quietLogger()})

	receipts, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	byID := map[string]events.ExecutionReceipt{}
	for _, r := range receipts {
		byID[r.TxID] = r
	}
	if r := byID["sig-ok"]; r.ActionID != ok.ID() || r.Err != nil {
		t.Fatalf("unexpected receipt for sig-ok: %+v", r)
	}
	if r := byID["sig-failed"]; r.ActionID != failed.ID() || r.Err == nil {
		t.Fatalf("expected error receipt for sig-failed: %+v", r)
	}
	if ok.Status().Kind != action.StatusSuccess {
		t.Fatalf("expected confirmed action marked success, got %s", ok.Status().Kind)
	}
	if !reg.IsReconciled("sig-ok") || reg.IsReconciled("sig-pending") {
		t.Fatalf("unexpected reconciliation state")
	}

	again, err := poller.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no duplicate receipts, got %d", len(again))
	}
	last := source.queries[len(source.queries)-1]
	if len(last) != 1 || last[0] != "sig-pending" {
		t.Fatalf("expected only the pending tx queried, got %v", last)
	}
}

func TestPollSurfacesSourceErrors(t *testing.T) {
	reg := registry.New(4)
	boundAction(t, reg, "sig")
	poller := NewConfirmationPoller(reg, &scriptedSource{err: errors.New("node down")}, PollerConfig{Logger: quietLogger()})
	if _, err := poller.Poll(context.Background()); err == nil {
		t.Fatalf("expected source error")
	}
	if reg.IsReconciled("sig") {
		t.Fatalf("failed poll must not reconcile")
	}
}

func TestPollerStreamsReceipts(t *testing.T) {
	reg := registry.New(4)
	h := boundAction(t, reg, "sig")
	poller := NewConfirmationPoller(reg, ledgerrpc.NewPaper(), PollerConfig{Interval: 5 * time.Millisecond, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	select {
	case evt := <-poller.Events(ctx):
		r, ok := evt.(events.ExecutionReceipt)
		if !ok || r.ActionID != h.ID() {
			t.Fatalf("unexpected event %#v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no receipt streamed")
	}
}

func TestHeartbeatTicks(t *testing.T) {
	hb := NewHeartbeat(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	stream := hb.Events(ctx)
	for i := 0; i < 2; i++ {
		select {
		case evt := <-stream:
			if beat, ok := evt.(events.Heartbeat); !ok || beat.Period != 5*time.Millisecond {
				t.Fatalf("unexpected event %#v", evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("heartbeat %d missing", i)
		}
	}
	cancel()
	for range stream {
	}
}

type fakeFeed struct {
	mu   sync.Mutex
	subs map[string]chan ledgerrpc.SignatureNotification
}

func (f *fakeFeed) SignatureSubscribe(_ context.Context, sig string) (<-chan ledgerrpc.SignatureNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan ledgerrpc.SignatureNotification, 1)
	f.subs[sig] = ch
	return ch, nil
}

func (f *fakeFeed) notify(sig string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.subs[sig]
	if !ok {
		return false
	}
	delete(f.subs, sig)
	ch <- ledgerrpc.SignatureNotification{Signature: sig, Slot: 1}
	close(ch)
	return true
}

func TestSubscriberEmitsReceiptOnNotification(t *testing.T) {
	reg := registry.New(4)
	h := boundAction(t, reg, "sig-ws")
	feed := &fakeFeed{subs: map[string]chan ledgerrpc.SignatureNotification{}}
	sub := NewConfirmationSubscriber(reg, feed, 5*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := sub.Events(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !feed.notify("sig-ws") {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never subscribed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	select {
	case evt := <-stream:
		r, ok := evt.(events.ExecutionReceipt)
		if !ok || r.ActionID != h.ID() || r.Err != nil {
			t.Fatalf("unexpected event %#v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no receipt from subscription")
	}
	if !reg.IsReconciled("sig-ws") {
		t.Fatalf("expected reconciled tx")
	}
}

// staleReconciler answers IsReconciled from a snapshot taken before another
// collector reconciled the transaction.
type staleReconciler struct {
	*registry.Registry
}

func (staleReconciler) IsReconciled(string) bool { return false }

func TestSettleEmitsOnlyForFirstReconcile(t *testing.T) {
	reg := registry.New(4)
	h := boundAction(t, reg, "sig-shared")
	stale := staleReconciler{reg}

	receipt, ok := settle(stale, "sig-shared", nil, time.Now())
	if !ok || receipt.ActionID != h.ID() {
		t.Fatalf("expected the first settle to emit, got %+v ok=%v", receipt, ok)
	}
	if _, ok := settle(stale, "sig-shared", nil, time.Now()); ok {
		t.Fatalf("a settle that lost the reconcile must not emit")
	}
	if _, ok := settle(reg, "sig-unknown", nil, time.Now()); ok {
		t.Fatalf("unknown transactions must not emit")
	}
}
