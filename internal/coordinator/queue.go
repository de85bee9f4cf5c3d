package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/health"
)

type task struct {
	desc string
	run  func(ctx context.Context) error
}

// Queue is the out-of-band archive write path. The caller of SendMessage
// never waits on it; a single worker drains it with bounded retries so a
// transient archive outage does not leave permanent skew between stores.
type Queue struct {
	ch         chan task
	maxRetries int
	backoff    time.Duration
	health     *health.Machine
	logger     *zap.Logger

	pending  sync.WaitGroup
	workerWG sync.WaitGroup
	cancel   context.CancelFunc
}

// NewQueue creates a queue. capacity bounds the backlog; a full queue
// drops new work (logged), matching the best-effort contract of the
// archive side. health may be nil.
func NewQueue(capacity, maxRetries int, backoff time.Duration, h *health.Machine, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Queue{
		ch:         make(chan task, capacity),
		maxRetries: maxRetries,
		backoff:    backoff,
		health:     h,
		logger:     logger,
	}
}

// Start launches the worker.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.workerWG.Add(1)
	go q.loop(ctx)
}

// Stop cancels the worker and waits for it to exit. Queued work that has
// not started is abandoned.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.workerWG.Wait()
}

// Enqueue adds work. Returns false when the queue is full.
func (q *Queue) Enqueue(desc string, run func(ctx context.Context) error) bool {
	q.pending.Add(1)
	select {
	case q.ch <- task{desc: desc, run: run}:
		return true
	default:
		q.pending.Done()
		if q.logger != nil {
			q.logger.Warn("archive queue full, task dropped", zap.String("task", desc))
		}
		return false
	}
}

// Flush blocks until every task enqueued so far has finished (or
// exhausted its retries). Test hook for the bounded-staleness window.
func (q *Queue) Flush() {
	q.pending.Wait()
}

func (q *Queue) loop(ctx context.Context) {
	defer q.workerWG.Done()
	for {
		select {
		case t := <-q.ch:
			q.process(ctx, t)
			q.pending.Done()
		case <-ctx.Done():
			// Release anyone blocked in Flush.
			for {
				select {
				case <-q.ch:
					q.pending.Done()
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, t task) {
	delay := q.backoff
	for attempt := 0; ; attempt++ {
		err := t.run(ctx)
		if err == nil {
			if q.health != nil && q.health.Current() == health.Degraded {
				_ = q.health.Transition(health.Ready)
			}
			return
		}
		if attempt >= q.maxRetries {
			if q.logger != nil {
				q.logger.Error("archive task failed permanently",
					zap.Error(err), zap.String("task", t.desc), zap.Int("attempts", attempt+1))
			}
			if q.health != nil {
				_ = q.health.Transition(health.Degraded)
			}
			return
		}
		if q.logger != nil {
			q.logger.Warn("archive task failed, retrying",
				zap.Error(err), zap.String("task", t.desc), zap.Int("attempt", attempt+1))
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return
		}
	}
}
