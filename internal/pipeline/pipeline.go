// Package pipeline implements the order submission pipeline:
// one in-memory FIFO per account, a single rate-limited consumer goroutine
// that drains it, and priority preemption for chunks that must jump the
// line (e.g. a chase engine's cancel-then-replace).
//
// Each Venue method (PlaceOrders, CancelOrders, ...) already performs its
// own wire-level signing/submission and blocks until the venue's reply is
// in hand — some venues resolve that over REST, others internally await a
// WebSocket message keyed by their own request id (internal/venue/
// polymarket does the former). The pipeline's job is purely about pacing
// and ordering those calls, not about the wire-level requestId → resolver
// correlation itself, which stays behind the Venue interface.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of work submitted through an account's queue: a chunk of
// orders to place/cancel/amend, already bound to its venue call.
type Job struct {
	// Priority jumps ahead of any non-priority job already queued.
	// Priority jobs are LIFO among themselves.
	Priority bool

	// Submit performs the venue call. It blocks until the venue has
	// replied (successfully or not).
	Submit func(ctx context.Context) (any, error)

	// Resolve is invoked exactly once with Submit's result.
	Resolve func(result any, err error)
}

// Queue is one account's order-submission FIFO, rate-limited at
// 1000/rateLimit·consume ms between consecutive submissions.
type Queue struct {
	mu      sync.Mutex
	items   []*Job
	running bool

	intervalMs float64
	logger     *slog.Logger
}

// NewQueue returns a queue paced at ordersPerSecond orders/sec, charging
// consume units of that budget per submitted job. A non-positive
// ordersPerSecond paces at one job per second, whatever consume is.
func NewQueue(ordersPerSecond, consume float64, logger *slog.Logger) *Queue {
	interval := 1000.0
	if ordersPerSecond > 0 {
		interval = 1000.0 / ordersPerSecond * consume
	}
	return &Queue{intervalMs: interval, logger: logger}
}

// Enqueue adds job to the queue. priority=true jobs are pushed to the
// front; a new arrival restarts the consumer if the queue had drained.
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	if job.Priority {
		q.items = append([]*Job{job}, q.items...)
	} else {
		q.items = append(q.items, job)
	}
	needStart := !q.running
	if needStart {
		q.running = true
	}
	q.mu.Unlock()

	if needStart {
		go q.run()
	}
}

// run drains the queue one job at a time, sleeping the rate-limit interval
// between submissions. It exits once the queue is empty; Enqueue restarts
// it on the next arrival.
func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		result, err := job.Submit(context.Background())
		job.Resolve(result, err)

		time.Sleep(time.Duration(q.intervalMs) * time.Millisecond)
	}
}

// Manager owns one Queue per account, created lazily so a venue's default
// rate/consume apply uniformly across its accounts.
type Manager struct {
	mu              sync.Mutex
	queues          map[string]*Queue
	ordersPerSecond float64
	consume         float64
	logger          *slog.Logger
}

// NewManager returns a Manager that builds queues at the given rate.
func NewManager(ordersPerSecond, consume float64, logger *slog.Logger) *Manager {
	return &Manager{
		queues:          make(map[string]*Queue),
		ordersPerSecond: ordersPerSecond,
		consume:         consume,
		logger:          logger,
	}
}

// For returns the queue for accountID, creating it on first use.
func (m *Manager) For(accountID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[accountID]
	if !ok {
		q = NewQueue(m.ordersPerSecond, m.consume, m.logger)
		m.queues[accountID] = q
	}
	return q
}

// Remove drops an account's queue (its consumer, if running, finishes its
// current job and exits naturally once drained).
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, accountID)
}

// Chunk splits items into groups of at most size, preserving order. Used to
// honor a venue's MaxOrdersPerBatch.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	var out [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
