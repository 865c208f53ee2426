package workqueue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlscope/crawlscope/pkg/metrics"
	"github.com/crawlscope/crawlscope/pkg/retry"
)

var (
	// ErrDuplicateKey is returned when a task with the same key is already pending or running.
	ErrDuplicateKey = errors.New("a task for this key is already queued")
	// ErrQueueClosed is returned when enqueueing after Cancel.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultHistoryLimit is the number of finished tasks kept for status lookups.
const DefaultHistoryLimit = 200

// RetryConfig configures retry behavior for failed tasks.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts (0 = no retries)
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration (cap)
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns the default: no retries at the queue level.
// Transient API failures are already retried by the Cloudflare client.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     0,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Queue runs tasks in the background with bounded concurrency and at most one
// live task per key.
type Queue struct {
	mu        sync.Mutex
	tasks     []*TaskState
	cancelled bool

	strategy     ConcurrencyStrategy
	retryConfig  RetryConfig
	historyLimit int

	// done is closed when all tasks complete
	done chan struct{}
	wg   sync.WaitGroup

	// Cancellation context for running tasks
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy sets the concurrency strategy.
func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithConcurrency limits the queue to n parallel tasks.
func WithConcurrency(n int) QueueOption {
	return WithStrategy(NewLimitedStrategy(n))
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(config RetryConfig) QueueOption {
	return func(q *Queue) {
		q.retryConfig = config
	}
}

// WithHistoryLimit sets how many finished tasks are retained.
func WithHistoryLimit(n int) QueueOption {
	return func(q *Queue) {
		q.historyLimit = n
	}
}

// New creates a new work queue with the given options. By default one task runs at a time.
func New(logger *zap.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:        make([]*TaskState, 0),
		strategy:     NewLimitedStrategy(1),
		retryConfig:  DefaultRetryConfig(),
		historyLimit: DefaultHistoryLimit,
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.Named("workqueue"),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue adds a task to the queue and attempts to start eligible tasks.
// It returns ErrDuplicateKey if a task with the same key has not finished yet.
func (q *Queue) Enqueue(task Task) (TaskSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return TaskSnapshot{}, ErrQueueClosed
	}

	for _, ts := range q.tasks {
		if ts.Task.Key() == task.Key() && !ts.GetStatus().IsTerminal() {
			return ts.Snapshot(), ErrDuplicateKey
		}
	}

	// Reset done channel if it was closed from a previous batch
	q.resetDoneLocked()

	state := NewTaskState(task)
	q.tasks = append(q.tasks, state)

	q.logger.Info("task enqueued",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.String("key", task.Key()))

	q.pruneLocked()
	q.notifyUpdateLocked()
	q.tryStartTasksLocked()
	return state.Snapshot(), nil
}

// tryStartTasksLocked starts pending tasks in FIFO order while the strategy allows.
// Must be called with lock held.
func (q *Queue) tryStartTasksLocked() {
	if q.cancelled {
		return
	}

	for _, ts := range q.tasks {
		if ts.GetStatus() != TaskStatusPending {
			continue
		}
		if !q.strategy.CanStart() {
			return
		}

		q.strategy.OnStart()
		ts.SetStatus(TaskStatusRunning)
		q.notifyUpdateLocked()

		q.logger.Info("starting task",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()))

		q.wg.Add(1)
		go q.runTask(ts)
	}
}

// runTask executes a task with retry logic for transient errors.
func (q *Queue) runTask(ts *TaskState) {
	defer q.wg.Done()

	var lastErr error

	for attempt := 0; attempt <= q.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := q.calculateBackoff(attempt)
			q.logger.Info("retrying task after backoff",
				zap.String("task_id", ts.Task.ID()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))

			select {
			case <-q.ctx.Done():
				q.completeTask(ts, q.ctx.Err())
				return
			case <-time.After(backoff):
			}
		}

		err := ts.Task.Execute(q.ctx)
		if err == nil {
			q.completeTask(ts, nil)
			return
		}

		lastErr = err

		if errors.Is(err, context.Canceled) || !retry.IsRetryable(err) {
			break
		}

		retryCount := ts.IncrementRetryCount()
		if attempt >= q.retryConfig.MaxRetries {
			q.logger.Error("task failed after max retries",
				zap.String("task_id", ts.Task.ID()),
				zap.Int("retry_count", retryCount),
				zap.Error(err))
			break
		}
	}

	q.completeTask(ts, lastErr)
}

// calculateBackoff computes exponential backoff with ±10% jitter.
func (q *Queue) calculateBackoff(attempt int) time.Duration {
	backoff := float64(q.retryConfig.InitialBackoff) *
		math.Pow(q.retryConfig.BackoffFactor, float64(attempt-1))

	if backoff > float64(q.retryConfig.MaxBackoff) {
		backoff = float64(q.retryConfig.MaxBackoff)
	}

	jitter := backoff * 0.1 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

// completeTask records the outcome of a task and starts the next one.
func (q *Queue) completeTask(ts *TaskState, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.strategy.OnComplete()

	switch {
	case err == nil:
		ts.SetStatus(TaskStatusCompleted)
		q.logger.Info("task completed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()))
	case errors.Is(err, context.Canceled):
		ts.SetStatus(TaskStatusCancelled)
		q.logger.Info("task cancelled",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()))
	default:
		ts.SetError(err)
		ts.SetStatus(TaskStatusFailed)
		q.logger.Error("task failed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Int("retry_count", ts.GetRetryCount()),
			zap.Error(err))
	}

	q.notifyUpdateLocked()

	if q.allTasksDoneLocked() {
		q.closeDoneLocked()
		return
	}

	q.tryStartTasksLocked()
}

// pruneLocked drops the oldest finished tasks beyond the history limit.
// Must be called with lock held.
func (q *Queue) pruneLocked() {
	if q.historyLimit <= 0 {
		return
	}
	finished := 0
	for _, ts := range q.tasks {
		if ts.GetStatus().IsTerminal() {
			finished++
		}
	}
	excess := finished - q.historyLimit
	if excess <= 0 {
		return
	}

	kept := q.tasks[:0]
	for _, ts := range q.tasks {
		if excess > 0 && ts.GetStatus().IsTerminal() {
			excess--
			continue
		}
		kept = append(kept, ts)
	}
	q.tasks = kept
}

// allTasksDoneLocked returns true if all tasks are in a terminal state.
// Must be called with lock held.
func (q *Queue) allTasksDoneLocked() bool {
	for _, ts := range q.tasks {
		if !ts.GetStatus().IsTerminal() {
			return false
		}
	}
	return true
}

// closeDoneLocked safely closes the done channel.
// Must be called with lock held.
func (q *Queue) closeDoneLocked() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// resetDoneLocked recreates the done channel if it was closed.
// Must be called with lock held.
func (q *Queue) resetDoneLocked() {
	select {
	case <-q.done:
		q.done = make(chan struct{})
	default:
	}
}

// notifyUpdateLocked publishes task counts by state.
// Must be called with lock held.
func (q *Queue) notifyUpdateLocked() {
	p := q.progressLocked()
	metrics.SyncQueueTasks.WithLabelValues(string(TaskStatusPending)).Set(float64(p.Pending))
	metrics.SyncQueueTasks.WithLabelValues(string(TaskStatusRunning)).Set(float64(p.Running))
}

// Get returns the snapshot of a task by ID.
func (q *Queue) Get(taskID string) (TaskSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ts := range q.tasks {
		if ts.Task.ID() == taskID {
			return ts.Snapshot(), true
		}
	}
	return TaskSnapshot{}, false
}

// Latest returns the most recently enqueued task for a key.
func (q *Queue) Latest(key string) (TaskSnapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.tasks) - 1; i >= 0; i-- {
		if q.tasks[i].Task.Key() == key {
			return q.tasks[i].Snapshot(), true
		}
	}
	return TaskSnapshot{}, false
}

// GetTasks returns a snapshot of all tasks.
func (q *Queue) GetTasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshots := make([]TaskSnapshot, len(q.tasks))
	for i, ts := range q.tasks {
		snapshots[i] = ts.Snapshot()
	}
	return snapshots
}

// Wait blocks until all tasks complete or the context is cancelled.
// Returns the first task error if any task failed, or ctx.Err() on cancellation.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return nil
	}
	done := q.done
	q.mu.Unlock()

	select {
	case <-done:
		q.mu.Lock()
		defer q.mu.Unlock()
		for _, ts := range q.tasks {
			if ts.GetStatus() == TaskStatusFailed {
				return ts.GetError()
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops accepting new tasks, cancels pending ones and signals running
// tasks to stop. Used at shutdown.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return
	}

	q.cancelled = true
	q.logger.Info("queue cancelled, signaling running tasks to stop")

	q.cancel()

	for _, ts := range q.tasks {
		if ts.GetStatus() == TaskStatusPending {
			ts.SetStatus(TaskStatusCancelled)
		}
	}

	q.notifyUpdateLocked()

	if q.allTasksDoneLocked() {
		q.closeDoneLocked()
	}
}

// Shutdown cancels the queue and waits for running tasks to return.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Cancel()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress returns a progress summary.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progressLocked()
}

func (q *Queue) progressLocked() Progress {
	p := Progress{Total: len(q.tasks)}
	for _, ts := range q.tasks {
		switch ts.GetStatus() {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		case TaskStatusCompleted:
			p.Completed++
		case TaskStatusFailed:
			p.Failed++
		case TaskStatusCancelled:
			p.Cancelled++
		}
	}
	return p
}

// Progress holds queue progress statistics.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
