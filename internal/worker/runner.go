package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of detached background work, such as title generation or
// usage bookkeeping. The context is cancelled when the runner shuts down.
type Task func(ctx context.Context)

// ErrQueueFull is returned when the submission queue has no room left.
var ErrQueueFull = errors.New("worker queue full")

// ErrClosed is returned when submitting to a stopped runner.
var ErrClosed = errors.New("worker runner closed")

const defaultTaskTimeout = 2 * time.Minute

// Runner executes fire-and-forget tasks on a fixed pool of goroutines. Tasks
// are detached from the request that spawned them: their completion is only
// observable through whatever side effect they perform.
type Runner struct {
	queue   chan namedTask
	logger  *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type namedTask struct {
	name string
	fn   Task
}

// NewRunner starts workers goroutines consuming a queue of queueSize.
func NewRunner(workers, queueSize int, logger *zap.Logger) *Runner {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		queue:   make(chan namedTask, queueSize),
		logger:  logger.With(zap.String("module", "worker")),
		timeout: defaultTaskTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	return r
}

// Submit enqueues a task without blocking. The task must not assume the
// caller's request is still alive when it runs. The enqueue happens under the
// mutex so Close cannot close the queue between the closed check and the
// send.
func (r *Runner) Submit(name string, fn Task) error {
	if fn == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	select {
	case r.queue <- namedTask{name: name, fn: fn}:
		return nil
	default:
		r.logger.Warn("task dropped", zap.String("task", name), zap.Error(ErrQueueFull))
		return ErrQueueFull
	}
}

// Close stops accepting tasks, cancels in-flight ones and waits for the
// workers to exit.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Runner) run() {
	defer r.wg.Done()
	for task := range r.queue {
		r.exec(task)
	}
}

func (r *Runner) exec(task namedTask) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked",
				zap.String("task", task.name), zap.Any("panic", rec))
		}
	}()
	task.fn(ctx)
}
