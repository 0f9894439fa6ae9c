package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/tranche/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, 1, nil); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestPoolRunsTasksAndReportsFailures(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	pool, err := NewPool(2, 8, func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	_ = pool.Submit(context.Background(), func(context.Context) error { return errors.New("boom") })
	_ = pool.Submit(context.Background(), func(context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ran.Load() != 3 {
		t.Fatalf("expected 3 successful tasks, got %d", ran.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 2 {
		t.Fatalf("expected task error and panic reported, got %v", reported)
	}
}

func TestSubmitAfterCloseIsUnavailable(t *testing.T) {
	pool, err := NewPool(1, 1, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	pool.Close()
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}

func TestSubmitAtCapacity(t *testing.T) {
	pool, err := NewPool(1, 0, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	release := make(chan struct{})
	started := make(chan struct{})
	deadline := time.After(time.Second)
	for {
		err := pool.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
		if err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker never accepted a task: %v", err)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	<-started
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	close(release)
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
}
