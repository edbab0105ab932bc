package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueuePreservesFIFOForNonPriority(t *testing.T) {
	t.Parallel()
	q := NewQueue(1000, 1, discardLogger()) // fast, to keep the test quick

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		i := i
		q.Enqueue(&Job{
			Submit: func(ctx context.Context) (any, error) { return i, nil },
			Resolve: func(result any, err error) {
				mu.Lock()
				order = append(order, result.(int))
				mu.Unlock()
				wg.Done()
			},
		})
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("order = %v, want [0 1 2]", order)
	}
}

func TestQueuePriorityJumpsFront(t *testing.T) {
	t.Parallel()
	q := NewQueue(100, 1, discardLogger())

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)

	// First job blocks briefly so the second and third both queue up
	// behind it before the consumer picks them up.
	start := make(chan struct{})
	q.Enqueue(&Job{
		Submit: func(ctx context.Context) (any, error) {
			<-start
			return "first", nil
		},
		Resolve: func(result any, err error) {},
	})

	q.Enqueue(&Job{
		Submit: func(ctx context.Context) (any, error) { return "normal", nil },
		Resolve: func(result any, err error) {
			mu.Lock()
			order = append(order, result.(string))
			mu.Unlock()
			wg.Done()
		},
	})
	q.Enqueue(&Job{
		Priority: true,
		Submit:   func(ctx context.Context) (any, error) { return "priority", nil },
		Resolve: func(result any, err error) {
			mu.Lock()
			order = append(order, result.(string))
			mu.Unlock()
			wg.Done()
		},
	})

	close(start)
	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "priority" || order[1] != "normal" {
		t.Errorf("order = %v, want [priority normal]", order)
	}
}

func TestChunkSplitsPreservingOrder(t *testing.T) {
	t.Parallel()
	chunks := Chunk([]int{1, 2, 3, 4, 5}, 2)
	want := [][]int{{1, 2}, {3, 4}, {5}}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i := range want {
		if len(chunks[i]) != len(want[i]) {
			t.Fatalf("chunk %d = %v, want %v", i, chunks[i], want[i])
		}
		for j := range want[i] {
			if chunks[i][j] != want[i][j] {
				t.Fatalf("chunk %d = %v, want %v", i, chunks[i], want[i])
			}
		}
	}
}

func TestChunkNoSplitWhenUnderSize(t *testing.T) {
	t.Parallel()
	chunks := Chunk([]int{1, 2}, 10)
	if len(chunks) != 1 || len(chunks[0]) != 2 {
		t.Errorf("chunks = %v, want a single chunk of 2", chunks)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for jobs to resolve")
	}
}
