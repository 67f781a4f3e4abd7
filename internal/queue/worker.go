package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"taskcache/internal/models"
	"taskcache/internal/telemetry"
)

// Run starts the worker pool and the history recorder and blocks until ctx
// ends. Attempts in flight when ctx ends see a cancelled context.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.stopped = false
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	q.logger.Info("task queue started", "workers", q.opts.Workers, "max_attempts", q.opts.MaxAttempts)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		workerID := i
		g.Go(func() error {
			q.work(gctx, workerID)
			return nil
		})
	}
	if q.history != nil {
		g.Go(func() error {
			q.record(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		q.mu.Lock()
		q.stopped = true
		q.cond.Broadcast()
		q.mu.Unlock()
		return nil
	})

	_ = g.Wait()
	q.logger.Info("task queue stopped")
	return ctx.Err()
}

func (q *Queue) work(ctx context.Context, workerID int) {
	logger := q.logger.With("worker_id", workerID)
	for {
		t, ok := q.next()
		if !ok {
			return
		}
		q.process(ctx, t, logger)
	}
}

// next pops the FIFO head and moves it to processing. It returns false once
// the pool is stopping.
func (q *Queue) next() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil, false
	}

	t := q.pending.Remove(q.pending.Front()).(*task)
	t.elem = nil
	now := time.Now().UTC()
	t.view.State = models.StateProcessing
	t.view.Attempts++
	if t.view.StartedAt == nil {
		t.view.StartedAt = &now
	}
	q.counts.queued--
	q.counts.processing++
	if t.view.Attempts == 2 {
		q.counts.retried++
	}
	return t, true
}

type flightResult struct {
	value  []byte
	cached bool
}

func (q *Queue) process(ctx context.Context, t *task, logger *slog.Logger) {
	key := t.view.InputKey
	attempt := t.view.Attempts
	work := t.work

	ran := false
	attemptOnce := func() (any, error) {
		ran = true
		if cached, ok := q.cache.Peek(ctx, key); ok {
			return flightResult{value: cached, cached: true}, nil
		}
		value, err := runWork(ctx, work)
		if err != nil {
			return nil, err
		}
		if err := q.cache.Put(ctx, key, value); err != nil {
			logger.Warn("cache put failed, result kept on task only", "task_id", t.view.ID, "input_key", key, "error", err)
		}
		return flightResult{value: value}, nil
	}

	v, err, _ := q.flight.Do(key, attemptOnce)
	if err != nil && !ran {
		// Only successes are shared; a failed execution belongs to the task that ran it.
		v, err = attemptOnce()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.counts.processing--
	now := time.Now().UTC()

	if err == nil {
		res := v.(flightResult)
		if res.cached || !ran {
			t.view.FromCache = true
			q.counts.deduplicated++
			telemetry.CacheShortCircuits.Inc()
		}
		q.completeLocked(t, res.value, now)
		logger.Debug("task completed", "task_id", t.view.ID, "input_key", key, "attempts", attempt, "from_cache", t.view.FromCache)
		return
	}

	werr := &WorkError{Attempt: attempt, Err: err}
	telemetry.AttemptFailures.Inc()
	if attempt < t.view.MaxAttempts {
		t.view.State = models.StateQueued
		q.counts.queued++
		telemetry.TasksRetried.Inc()
		wait := backoffWithJitter(q.opts.BackoffInitial, q.opts.BackoffMax, attempt)
		q.requeueLocked(t, wait)
		q.auditLocked(t.view.ID, eventRetryScheduled, fmt.Sprintf("%v; retry in %s", werr, wait))
		logger.Debug("task attempt failed, requeued", "task_id", t.view.ID, "input_key", key, "attempts", attempt, "error", werr)
		return
	}

	msg := werr.Error()
	t.view.LastError = &msg
	q.counts.failed++
	q.finishLocked(t, models.StateFailed, now)
	telemetry.TasksFailed.Inc()
	logger.Warn("task failed", "task_id", t.view.ID, "input_key", key, "attempts", attempt, "error", werr)
}

// requeueLocked puts t at the back of the FIFO, after wait if wait > 0.
func (q *Queue) requeueLocked(t *task, wait time.Duration) {
	if wait <= 0 {
		t.elem = q.pending.PushBack(t)
		q.cond.Signal()
		return
	}
	t.timer = time.AfterFunc(wait, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		t.timer = nil
		if t.view.State != models.StateQueued || t.elem != nil {
			return
		}
		t.elem = q.pending.PushBack(t)
		q.cond.Signal()
	})
}

func runWork(ctx context.Context, work Work) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	if work == nil {
		return nil, errors.New("no work attached")
	}
	return work(ctx)
}

// record forwards history events to the recorder until ctx ends, then flushes
// whatever is still buffered.
func (q *Queue) record(ctx context.Context) {
	rec := q.opts.Recorder
	for {
		select {
		case ev := <-q.history:
			q.persist(ctx, rec, ev)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-q.history:
					q.persist(flushCtx, rec, ev)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) persist(ctx context.Context, rec Recorder, ev historyEvent) {
	var err error
	if ev.event == "" {
		err = rec.RecordTask(ctx, ev.task)
	} else {
		err = rec.AppendAudit(ctx, ev.task.ID, ev.event, ev.detail)
	}
	if err != nil {
		q.logger.Warn("record task history failed", "task_id", ev.task.ID, "state", ev.task.State, "event", ev.event, "error", err)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
