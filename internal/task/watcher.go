package task

import (
	"context"
	"errors"
	"time"

	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/internal/queue"
)

// WatchQueue delivers and reschedules watch messages
type WatchQueue interface {
	ConsumeWatch(ctx context.Context, prefetch int, handler func(context.Context, *queue.WatchMessage) error) (<-chan error, error)
	PublishWatch(ctx context.Context, taskID string) error
	PublishRetry(ctx context.Context, msg *queue.WatchMessage, delay time.Duration) error
	PublishDeadLetter(ctx context.Context, msg *queue.WatchMessage, reason string) error
}

// WatcherOptions tunes a Watcher
type WatcherOptions struct {
	Interval    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Prefetch    int
	// StaleAfter is how long a processing task may go untouched before the
	// sweep enqueues it again.
	StaleAfter time.Duration
	SweepLimit int
}

// Watcher follows processing tasks from the worker so they finish even when
// no client is polling.
type Watcher struct {
	svc    *Service
	queue  WatchQueue
	opts   WatcherOptions
	logger *logging.Logger
}

// NewWatcher creates a watcher
func NewWatcher(svc *Service, q WatchQueue, opts WatcherOptions, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 180
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * opts.MaxDelay
	}
	if opts.SweepLimit <= 0 {
		opts.SweepLimit = 100
	}

	return &Watcher{
		svc:    svc,
		queue:  q,
		opts:   opts,
		logger: logger,
	}
}

// Run consumes watch messages until ctx is canceled. It returns an error if
// the queue stops delivering first, so the worker exits instead of idling.
func (w *Watcher) Run(ctx context.Context) error {
	done, err := w.queue.ConsumeWatch(ctx, w.opts.Prefetch, w.Handle)
	if err != nil {
		return err
	}

	w.logger.WithField("prefetch", w.opts.Prefetch).Info("Watcher started")

	select {
	case <-ctx.Done():
	case err, ok := <-done:
		if ctx.Err() == nil {
			if !ok || err == nil {
				err = queue.ErrConsumerClosed
			}
			w.logger.WithError(err).Error("Watch consumer stopped")
			return err
		}
	}

	w.logger.Info("Watcher stopped")
	return nil
}

// Handle performs one watch pass over a task. A nil error acknowledges the
// message; follow-ups are scheduled on the retry queue.
func (w *Watcher) Handle(ctx context.Context, msg *queue.WatchMessage) error {
	metrics.TasksWatched.Inc()
	defer metrics.TasksWatched.Dec()

	logger := w.logger.WithTaskID(msg.TaskID).WithField("attempt", msg.Attempt)

	t, err := w.svc.store.GetTask(ctx, msg.TaskID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("Watched task no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	if t.IsTerminal() {
		return nil
	}

	if msg.Attempt >= w.opts.MaxAttempts {
		logger.Warn("Giving up on task after max watch attempts")
		metrics.RecordError("watcher", "max_attempts")
		return w.queue.PublishDeadLetter(ctx, msg, "max attempts exceeded")
	}

	next := *msg
	delay := w.opts.Interval

	r, err := w.svc.Refresh(ctx, t)
	switch {
	case err != nil:
		next.Failures++
		delay = queue.BackoffDelay(w.opts.Interval, w.opts.MaxDelay, next.Failures)
		logger.WithError(err).WithField("retry_in", delay.String()).Warn("Provider status check failed")
	case r.Terminal():
		return nil
	default:
		next.Failures = 0
	}

	if err := w.svc.store.TouchTask(ctx, t.ID); err != nil {
		logger.WithError(err).Warn("Failed to touch task")
	}

	return w.queue.PublishRetry(ctx, &next, delay)
}

// Sweep enqueues processing tasks whose watch was lost
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	before := w.svc.now().Add(-w.opts.StaleAfter)
	tasks, err := w.svc.store.ListStaleProcessingTasks(ctx, before, w.opts.SweepLimit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, t := range tasks {
		if err := w.queue.PublishWatch(ctx, t.ID); err != nil {
			w.logger.WithTaskID(t.ID).WithError(err).Warn("Failed to re-enqueue stale task")
			continue
		}
		if err := w.svc.store.TouchTask(ctx, t.ID); err != nil {
			w.logger.WithTaskID(t.ID).WithError(err).Warn("Failed to touch task")
		}
		published++
	}

	if published > 0 {
		w.logger.WithField("count", published).Info("Re-enqueued stale tasks")
	}
	return published, nil
}
