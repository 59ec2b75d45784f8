package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New()

	var mu sync.Mutex
	var order []int

	var futs []*Future
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		futs = append(futs, q.Enqueue(func(ctx context.Context) (any, error) {
			<-release
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, fut := range futs {
		v, err := fut.Wait(ctx)
		if err != nil {
			t.Fatalf("task %d failed: %v", i, err)
		}
		if v.(int) != i {
			t.Errorf("expected result %d, got %v", i, v)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Errorf("expected execution order %d at position %d, got %d", i, i, got)
		}
	}
}

func TestQueue_AbortAllAbandonsPendingFutures(t *testing.T) {
	q := New()

	started := make(chan struct{})
	block := make(chan struct{})
	first := q.Enqueue(func(ctx context.Context) (any, error) {
		close(started)
		<-block
		return nil, ctx.Err()
	})

	abandoned := q.Enqueue(func(ctx context.Context) (any, error) {
		return "should never run", nil
	})

	<-started
	q.AbortAll()
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The in-flight task observes cancellation through its context.
	if _, err := first.Wait(ctx); err == nil {
		t.Error("expected in-flight task to fail with cancellation")
	}

	// The queued task's future never settles.
	select {
	case r := <-abandoned.Done():
		t.Errorf("abandoned future settled unexpectedly: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	// The queue remains usable after AbortAll.
	fut := q.Enqueue(func(ctx context.Context) (any, error) {
		return 42, nil
	})
	v, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("enqueue after abort failed: %v", err)
	}
	if v.(int) != 42 {
		t.Errorf("expected 42, got %v", v)
	}
}

func TestQueue_FailingTaskRejectsFutureWithoutListener(t *testing.T) {
	q := New()

	boom := errors.New("boom")
	fut := q.Enqueue(func(ctx context.Context) (any, error) {
		return nil, boom
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := fut.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("expected original error, got %v", err)
	}
}

func TestQueue_FailingTaskDoesNotStopProcessing(t *testing.T) {
	q := New()

	var errCount int
	var errMu sync.Mutex
	q.OnError(func(err error) {
		errMu.Lock()
		errCount++
		errMu.Unlock()
	})

	bad := q.Enqueue(func(ctx context.Context) (any, error) {
		return nil, errors.New("first task fails")
	})
	good := q.Enqueue(func(ctx context.Context) (any, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := bad.Wait(ctx); err == nil {
		t.Error("expected failing task's future to reject")
	}
	v, err := good.Wait(ctx)
	if err != nil {
		t.Fatalf("second task should still run: %v", err)
	}
	if v.(string) != "ok" {
		t.Errorf("expected ok, got %v", v)
	}

	errMu.Lock()
	defer errMu.Unlock()
	if errCount != 1 {
		t.Errorf("expected 1 error event, got %d", errCount)
	}
}

func TestQueue_SuccessEventFiresBeforeFutureSettles(t *testing.T) {
	q := New()

	settledEarly := false
	var fut *Future
	q.OnSuccess(func(v any) {
		select {
		case <-fut.Done():
			settledEarly = true
		default:
		}
	})

	fut = q.Enqueue(func(ctx context.Context) (any, error) {
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := fut.Wait(ctx); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	if settledEarly {
		t.Error("future settled before the success listener ran")
	}
}

func TestQueue_IdleFiresAfterDrain(t *testing.T) {
	q := New()

	idle := make(chan struct{}, 1)
	q.OnIdle(func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	})

	fut := q.Enqueue(func(ctx context.Context) (any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := fut.Wait(ctx); err != nil {
		t.Fatalf("task failed: %v", err)
	}

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Error("idle event never fired")
	}
}
