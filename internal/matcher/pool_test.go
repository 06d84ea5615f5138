package matcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type stubRunner struct {
	calls atomic.Int32
	done  chan uint
}

func (s *stubRunner) RunMatchJob(_ context.Context, demandID uint) error {
	s.calls.Add(1)
	if s.done != nil {
		s.done <- demandID
	}
	return nil
}

func TestPoolEnqueueDedup(t *testing.T) {
	t.Parallel()

	pool := NewPool(&stubRunner{}, 1, 8, nil)

	if !pool.EnqueueDemand(1) {
		t.Fatal("first enqueue must succeed")
	}
	if pool.EnqueueDemand(1) {
		t.Fatal("second enqueue of the same demand must be rejected")
	}
	if !pool.EnqueueDemand(2) {
		t.Fatal("different demand must be accepted")
	}
}

func TestPoolQueueFull(t *testing.T) {
	t.Parallel()

	pool := NewPool(&stubRunner{}, 1, 1, nil)

	if !pool.EnqueueDemand(1) {
		t.Fatal("first enqueue must succeed")
	}
	if pool.EnqueueDemand(2) {
		t.Fatal("expected queue-full rejection")
	}

	// 满队被拒后去重标记要解除，否则腾出空间后该需求再也排不进来。
	pool.mu.Lock()
	_, stuck := pool.pending[2]
	pool.mu.Unlock()
	if stuck {
		t.Fatal("rejected demand must not stay marked as pending")
	}
}

func TestPoolRunsJobs(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{done: make(chan uint, 4)}
	pool := NewPool(runner, 2, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = pool.Run(ctx)
	}()

	pool.EnqueueDemand(7)
	pool.EnqueueDemand(8)

	got := map[uint]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-runner.done:
			got[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	if !got[7] || !got[8] {
		t.Fatalf("expected demands 7 and 8 to run, got %v", got)
	}

	// 出队后同一需求可以再次入队。
	if !pool.EnqueueDemand(7) {
		t.Fatal("demand must be enqueueable again after it was dequeued")
	}
	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for requeued job")
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}
