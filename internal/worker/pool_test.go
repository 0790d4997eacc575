package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestPool(t *testing.T, workers, queue int) *Pool {
	t.Helper()
	p := NewPool(Config{Workers: workers, QueueSize: queue}, zerolog.Nop())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestDoReturnsValue(t *testing.T) {
	p := newTestPool(t, 2, 8)
	got, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Do = %d, %v", got, err)
	}
}

func TestDoPropagatesError(t *testing.T) {
	p := newTestPool(t, 1, 8)
	boom := errors.New("boom")
	_, err := Do(context.Background(), p, func(ctx context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	p := newTestPool(t, 1, 8)
	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		panic("bad tile")
	})
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("error = %v, want ErrPanic", err)
	}
	// The worker survives the panic.
	v, err := Do(context.Background(), p, func(ctx context.Context) (int, error) { return 1, nil })
	if err != nil || v != 1 {
		t.Fatalf("pool unusable after panic: %d, %v", v, err)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	const workers = 3
	p := newTestPool(t, workers, 64)

	var cur, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Do(context.Background(), p, func(ctx context.Context) (struct{}, error) {
				n := cur.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				cur.Add(-1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()
	if got := peak.Load(); got > workers {
		t.Fatalf("peak concurrency %d exceeds %d workers", got, workers)
	}
}

func TestAwaitReturnsOnCancelWhileTaskRuns(t *testing.T) {
	p := newTestPool(t, 1, 8)
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	f := Submit(ctx, p, func(context.Context) (int, error) {
		close(started)
		<-release
		close(finished)
		return 7, nil
	})
	<-started
	cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Await error = %v, want context.Canceled", err)
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("in-flight task never completed")
	}
	<-f.Done()
}

func TestSaturatedSubmitQueuesUntilContextEnds(t *testing.T) {
	p := newTestPool(t, 1, 8)
	block := make(chan struct{})
	defer close(block)

	// One task occupies the worker, eight more fill the queue.
	for i := 0; i < 9; i++ {
		Submit(context.Background(), p, func(context.Context) (int, error) {
			<-block
			return 0, nil
		})
	}
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f := Submit(ctx, p, func(context.Context) (int, error) { return 1, nil })
	if _, err := f.Await(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded while queue is full", err)
	}
	if s := p.Stats(); s.Queued != 8 || s.Running != 1 {
		t.Errorf("stats = %+v, want 8 queued and 1 running", s)
	}
}

func TestCancelledTaskIsSkipped(t *testing.T) {
	p := newTestPool(t, 1, 8)
	block := make(chan struct{})
	Submit(context.Background(), p, func(context.Context) (int, error) {
		<-block
		return 0, nil
	})

	var ran atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	f := Submit(ctx, p, func(context.Context) (int, error) {
		ran.Store(true)
		return 1, nil
	})
	cancel()
	close(block)

	<-f.Done()
	if ran.Load() {
		t.Fatal("task ran after its context was cancelled")
	}
	if _, err := f.Await(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(Config{Workers: 1}, zerolog.Nop())
	p.Start()
	p.Stop()
	_, err := Do(context.Background(), p, func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("error = %v, want ErrStopped", err)
	}
}

func TestDefaults(t *testing.T) {
	p := NewPool(Config{Workers: 1}, zerolog.Nop())
	if p.cfg.QueueSize != 8 {
		t.Errorf("queue size = %d, want minimum 8", p.cfg.QueueSize)
	}
	p = NewPool(Config{}, zerolog.Nop())
	if p.cfg.Workers <= 0 || p.cfg.QueueSize < p.cfg.Workers {
		t.Errorf("unexpected defaults %+v", p.cfg)
	}
}
