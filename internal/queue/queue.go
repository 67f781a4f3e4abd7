// Package queue runs keyed units of work on a bounded worker pool with
// bounded retries, short-circuiting inputs whose result is already cached.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"taskcache/internal/cache"
	"taskcache/internal/config"
	"taskcache/internal/models"
	"taskcache/internal/telemetry"
)

// Work is the deferred computation behind a task. It runs only on a cache miss.
type Work func(ctx context.Context) ([]byte, error)

// Recorder persists task history outside the process: the final state of
// every terminal task plus audit events for the transitions before it.
type Recorder interface {
	RecordTask(ctx context.Context, t models.Task) error
	AppendAudit(ctx context.Context, taskID, event, detail string) error
}

const eventRetryScheduled = "retry_scheduled"

// historyEvent is a terminal task when event is empty, an audit row otherwise.
type historyEvent struct {
	task   models.Task
	event  string
	detail string
}

// Options controls queue behavior. Zero backoff re-queues failed attempts immediately.
type Options struct {
	Workers        int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// HistoryLimit caps how many terminal tasks stay queryable; <= 0 keeps all.
	HistoryLimit  int
	HistoryBuffer int
	Recorder      Recorder
}

// OptionsFromConfig maps service config onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		HistoryLimit:   cfg.HistoryLimit,
		HistoryBuffer:  cfg.HistoryBuffer,
	}
}

type task struct {
	view  models.Task
	work  Work
	elem  *list.Element
	timer *time.Timer
	done  chan struct{}
}

type counters struct {
	total        int64
	queued       int64
	processing   int64
	completed    int64
	failed       int64
	cancelled    int64
	retried      int64
	deduplicated int64
}

// Queue owns every task it accepts until the task is terminal.
type Queue struct {
	opts   Options
	cache  *cache.ResultCache
	logger *slog.Logger
	flight singleflight.Group

	mu       sync.Mutex
	cond     *sync.Cond
	pending  *list.List
	tasks    map[string]*task
	terminal *list.List
	counts   counters
	idle     chan struct{}
	closed   bool
	stopped  bool
	running  bool

	history chan historyEvent
}

// New validates opts and builds an idle queue. Call Run to start workers.
func New(opts Options, rc *cache.ResultCache, logger *slog.Logger) (*Queue, error) {
	if opts.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidConfig, opts.MaxAttempts)
	}
	if rc == nil {
		return nil, fmt.Errorf("%w: result cache is required", ErrInvalidConfig)
	}
	if opts.Workers < 1 {
		logger.Warn("worker count below 1, using a single worker", "workers", opts.Workers)
		opts.Workers = 1
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}

	q := &Queue{
		opts:     opts,
		cache:    rc,
		logger:   logger.With("component", "task_queue"),
		pending:  list.New(),
		tasks:    make(map[string]*task),
		terminal: list.New(),
		idle:     closedChan(),
	}
	q.cond = sync.NewCond(&q.mu)
	if opts.Recorder != nil {
		buf := opts.HistoryBuffer
		if buf < 1 {
			buf = 1
		}
		q.history = make(chan historyEvent, buf)
	}
	return q, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Submit registers work under key. A cached result completes the task before
// Submit returns; otherwise the task is queued behind everything already waiting.
func (q *Queue) Submit(ctx context.Context, key string, work Work) (models.Task, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.Task{}, fmt.Errorf("%w: input key is empty", ErrInvalidSubmission)
	}
	if work == nil {
		return models.Task{}, fmt.Errorf("%w: work is nil", ErrInvalidSubmission)
	}
	if q.isClosed() {
		return models.Task{}, ErrQueueClosed
	}

	cached, hit := q.cache.Get(ctx, key)
	now := time.Now().UTC()
	t := &task{
		view: models.Task{
			ID:          uuid.New().String(),
			InputKey:    key,
			State:       models.StateQueued,
			MaxAttempts: q.opts.MaxAttempts,
			CreatedAt:   now,
		},
		work: work,
		done: make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return models.Task{}, ErrQueueClosed
	}
	q.tasks[t.view.ID] = t
	q.counts.total++
	telemetry.TasksSubmitted.Inc()

	if hit {
		t.view.FromCache = true
		q.counts.deduplicated++
		q.completeLocked(t, cached, now)
		view := t.view
		q.mu.Unlock()
		telemetry.CacheShortCircuits.Inc()
		q.logger.Debug("task served from cache", "task_id", view.ID, "input_key", key)
		return view, nil
	}

	q.counts.queued++
	q.markBusyLocked()
	t.elem = q.pending.PushBack(t)
	q.cond.Signal()
	view := t.view
	q.mu.Unlock()

	q.logger.Debug("task queued", "task_id", view.ID, "input_key", key)
	return view, nil
}

// Get returns the current view of a task that is live or still in history.
func (q *Queue) Get(id string) (models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	return t.view, nil
}

// Wait blocks until the task is terminal or ctx ends.
func (q *Queue) Wait(ctx context.Context, id string) (models.Task, error) {
	q.mu.Lock()
	t, ok := q.tasks[id]
	q.mu.Unlock()
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return models.Task{}, ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return t.view, nil
}

// Cancel removes a queued task. Tasks already processing finish their attempt.
func (q *Queue) Cancel(id string) (models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	if t.view.State != models.StateQueued {
		return t.view, fmt.Errorf("%w: state %s", ErrNotCancellable, t.view.State)
	}

	if t.elem != nil {
		q.pending.Remove(t.elem)
		t.elem = nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	q.counts.queued--
	q.counts.cancelled++
	q.finishLocked(t, models.StateCancelled, time.Now().UTC())
	telemetry.TasksCancelled.Inc()
	return t.view, nil
}

// IsProcessing reports whether any task is queued or processing.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeLocked() > 0
}

// Drain blocks until nothing is queued or processing. Work submitted while
// draining is awaited as well.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.activeLocked() == 0 {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting submissions. Queued work keeps running.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Snapshot reads the running counters; it never walks task history.
func (q *Queue) Snapshot() models.MetricsSnapshot {
	q.mu.Lock()
	c := q.counts
	q.mu.Unlock()

	return models.MetricsSnapshot{
		TotalTasks:      c.total,
		QueuedTasks:     c.queued,
		ProcessingTasks: c.processing,
		CompletedTasks:  c.completed,
		FailedTasks:     c.failed,
		CancelledTasks:  c.cancelled,
		IsProcessing:    c.queued+c.processing > 0,
		StatusDistribution: models.StatusDistribution{
			Queued:     c.queued,
			Processing: c.processing,
			Completed:  c.completed,
			Failed:     c.failed,
			Cancelled:  c.cancelled,
		},
		Stats: models.TaskStats{
			TotalTasks:        c.total,
			CompletedTasks:    c.completed,
			FailedTasks:       c.failed,
			CancelledTasks:    c.cancelled,
			RetriedTasks:      c.retried,
			DeduplicatedTasks: c.deduplicated,
			SuccessRate:       models.Ratio(c.completed, c.failed),
		},
		Cache: q.cache.Stats(),
	}
}

// CacheStats exposes the backing result cache counters.
func (q *Queue) CacheStats() models.CacheStats {
	return q.cache.Stats()
}

func (q *Queue) activeLocked() int64 {
	return q.counts.queued + q.counts.processing
}

func (q *Queue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *Queue) markIdleIfDoneLocked() {
	if q.activeLocked() > 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

func (q *Queue) completeLocked(t *task, result []byte, at time.Time) {
	t.view.Result = result
	q.counts.completed++
	q.finishLocked(t, models.StateCompleted, at)
	telemetry.TasksCompleted.Inc()
}

// finishLocked moves t into a terminal state and into bounded history.
// Counters for the state itself are the caller's job.
func (q *Queue) finishLocked(t *task, state models.State, at time.Time) {
	t.view.State = state
	t.view.FinishedAt = &at
	t.work = nil
	close(t.done)

	q.terminal.PushBack(t.view.ID)
	if limit := q.opts.HistoryLimit; limit > 0 {
		for q.terminal.Len() > limit {
			oldest := q.terminal.Remove(q.terminal.Front()).(string)
			delete(q.tasks, oldest)
		}
	}
	q.markIdleIfDoneLocked()
	q.emitLocked(historyEvent{task: t.view})
}

func (q *Queue) auditLocked(taskID, event, detail string) {
	q.emitLocked(historyEvent{task: models.Task{ID: taskID}, event: event, detail: detail})
}

// emitLocked hands a history event to the recorder without ever blocking the queue.
func (q *Queue) emitLocked(ev historyEvent) {
	if q.history == nil {
		return
	}
	select {
	case q.history <- ev:
	default:
		telemetry.HistoryDropped.Inc()
		q.logger.Warn("history buffer full, dropping task record", "task_id", ev.task.ID, "event", ev.event)
	}
}
