package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func await[Out any](t *testing.T, done <-chan Result[Out]) Result[Out] {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
		return Result[Out]{}
	}
}

func TestExecuteReturnsResult(t *testing.T) {
	pool, err := New(Config{Workers: 2}, func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Shutdown()

	done, err := pool.Execute(context.Background(), 21)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := await(t, done)
	if res.Err != nil || res.Value != 42 {
		t.Fatalf("result = %+v, want 42", res)
	}
}

func TestHandlerErrorReachesHandle(t *testing.T) {
	wantErr := errors.New("decode failed")
	pool, err := New(Config{Workers: 1}, func(context.Context, int) (int, error) {
		return 0, wantErr
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Shutdown()

	done, err := pool.Execute(context.Background(), 1)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := await(t, done); !errors.Is(res.Err, wantErr) {
		t.Fatalf("err = %v, want %v", res.Err, wantErr)
	}
}

func TestQueueFullFailsSynchronously(t *testing.T) {
	block := make(chan struct{})
	pool, err := New(Config{Workers: 1, MaxQueueSize: 2}, func(_ context.Context, n int) (int, error) {
		<-block
		return n, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Shutdown()

	// One task occupies the worker; two fill the queue.
	handles := make([]<-chan Result[int], 0, 3)
	for i := 0; i < 3; i++ {
		h, err := pool.Execute(context.Background(), i)
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	if _, err := pool.Execute(context.Background(), 99); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	close(block)
	for _, h := range handles {
		if res := await(t, h); res.Err != nil {
			t.Fatalf("task failed: %v", res.Err)
		}
	}
}

func TestTaskPanicDoesNotKillWorker(t *testing.T) {
	pool, err := New(Config{Workers: 1}, func(_ context.Context, n int) (int, error) {
		if n < 0 {
			panic("bad packet")
		}
		return n, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Shutdown()

	done, err := pool.Execute(context.Background(), -1)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res := await(t, done); res.Err == nil {
		t.Fatal("panicking task returned no error")
	}

	// The worker keeps serving.
	done, err = pool.Execute(context.Background(), 7)
	if err != nil {
		t.Fatalf("Execute after panic: %v", err)
	}
	if res := await(t, done); res.Err != nil || res.Value != 7 {
		t.Fatalf("result = %+v, want 7", res)
	}
}

func TestShutdownRejectsQueuedTasks(t *testing.T) {
	block := make(chan struct{})
	pool, err := New(Config{Workers: 1, MaxQueueSize: 10}, func(_ context.Context, n int) (int, error) {
		<-block
		return n, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	running, _ := pool.Execute(context.Background(), 0)
	queued, _ := pool.Execute(context.Background(), 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	pool.Shutdown()

	if res := await(t, running); res.Err != nil {
		t.Fatalf("in-flight task err = %v, want nil", res.Err)
	}
	if res := await(t, queued); !errors.Is(res.Err, ErrShutdown) {
		t.Fatalf("queued task err = %v, want ErrShutdown", res.Err)
	}
	if _, err := pool.Execute(context.Background(), 2); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Execute after shutdown = %v, want ErrShutdown", err)
	}
}

func TestWorkSpreadsAcrossWorkers(t *testing.T) {
	var active, peak atomic.Int32
	pool, err := New(Config{Workers: 4}, func(_ context.Context, n int) (int, error) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return n, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		h, err := pool.Execute(context.Background(), i)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			await(t, h)
		}()
	}
	wg.Wait()

	if peak.Load() < 2 {
		t.Fatalf("peak parallelism = %d, want >= 2", peak.Load())
	}

	var processed uint64
	for i, s := range pool.Stats() {
		if s.Busy {
			t.Errorf("worker %d still busy", i)
		}
		processed += s.Processed
	}
	if processed != 16 {
		t.Fatalf("processed = %d, want 16", processed)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Workers: 1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.MaxQueueSize != DefaultMaxQueueSize {
		t.Fatalf("MaxQueueSize = %d, want %d", cfg.MaxQueueSize, DefaultMaxQueueSize)
	}
	if err := (&Config{Workers: 0}).Validate(); err == nil {
		t.Fatal("zero workers accepted")
	}
}

func TestManyTasksAllComplete(t *testing.T) {
	pool, err := New(Config{Workers: 8, MaxQueueSize: 1000}, func(_ context.Context, n int) (string, error) {
		return fmt.Sprintf("task-%d", n), nil
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Shutdown()

	handles := make([]<-chan Result[string], 0, 500)
	for i := 0; i < 500; i++ {
		h, err := pool.Execute(context.Background(), i)
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	for i, h := range handles {
		res := await(t, h)
		if res.Err != nil || res.Value != fmt.Sprintf("task-%d", i) {
			t.Fatalf("task %d = %+v", i, res)
		}
	}
}
