// Package operation runs long-lived work in the background. Every
// user-visible action that can outlive a request is recorded as an
// Operation row, enqueued on a bounded queue and executed by a worker
// pool separate from the request-serving goroutines.
package operation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openwiki/packsync/errkind"
	"github.com/openwiki/packsync/internal/lock"
	"github.com/openwiki/packsync/registry"
)

// ProgressFunc reports coarse progress of a running operation.
type ProgressFunc func(pct int, message string)

// Handler executes one operation type. payload is whatever the
// enqueuer attached; the returned string, if any, is stored as the
// operation's result_data.
type Handler func(ctx context.Context, op *registry.Operation, payload json.RawMessage, progress ProgressFunc) (string, error)

// Config tunes the runtime.
type Config struct {
	// number of operation workers
	Workers int `yaml:"workers"`
	// queued operations beyond this fail with queue_full
	QueueSize int `yaml:"queue_size"`
	// per operation execution timeout, 0 disables
	Timeout time.Duration `yaml:"timeout"`
	// operations older than this are swept
	Retention time.Duration `yaml:"retention"`
	// sweep cadence
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// when true the sweeper never deletes queued or running rows
	SweepOnlyCompleted bool `yaml:"sweep_only_completed"`
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
}

type task struct {
	id      string
	payload json.RawMessage
}

// Runtime owns the queue, the worker pool and the retention sweeper.
type Runtime struct {
	cfg Config
	ops *registry.OperationRegistry
	log *slog.Logger

	mu       lock.Mutex
	handlers map[string]Handler

	queue chan task
	wg    sync.WaitGroup
	stop  context.CancelFunc
}

// New returns a stopped runtime; call Start to launch the workers.
func New(cfg Config, ops *registry.OperationRegistry, log *slog.Logger) *Runtime {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		ops:      ops,
		log:      log.With("logger", "operation"),
		handlers: map[string]Handler{},
		queue:    make(chan task, cfg.QueueSize),
	}
}

// Register binds a handler to an operation type. Must be called before
// Start.
func (r *Runtime) Register(opType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[opType] = h
}

// Start launches the workers and the sweeper. They run until Shutdown.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.stop = context.WithCancel(ctx)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.worker(ctx)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweeper(ctx)
	}()
}

// Shutdown stops accepting work and waits for in-flight operations.
func (r *Runtime) Shutdown() {
	if r.stop != nil {
		r.stop()
	}
	r.wg.Wait()
}

// Enqueue records a queued operation and schedules it. When the queue
// is full the row is removed again and queue_full is returned; nothing
// is dropped silently. The payload is handed to the handler untouched.
func (r *Runtime) Enqueue(ctx context.Context, opType, userID, message string, payload json.RawMessage) (string, error) {
	r.mu.Lock()
	_, known := r.handlers[opType]
	r.mu.Unlock()
	if !known {
		return "", errkind.New(errkind.Validation, "no handler for operation type %q", opType)
	}

	op, err := r.ops.Create(ctx, opType, userID, message)
	if err != nil {
		return "", err
	}

	select {
	case r.queue <- task{id: op.ID, payload: payload}:
		recordEnqueued(opType)
		recordQueueDepth(1)
		return op.ID, nil
	default:
		if err := r.ops.Fail(ctx, op.ID, "operation queue is full", ""); err != nil {
			r.log.Error("unable to fail overflowed operation", "id", op.ID, "err", err)
		}
		return "", errkind.New(errkind.QueueFull, "operation queue is full (%d pending)", r.cfg.QueueSize).
			With("operation_id", op.ID)
	}
}

func (r *Runtime) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			recordQueueDepth(-1)
			r.execute(ctx, t)
		}
	}
}

func (r *Runtime) execute(ctx context.Context, t task) {
	op, err := r.ops.Start(ctx, t.id)
	if err != nil {
		// already cancelled or finished elsewhere
		r.log.Error("unable to start operation", "id", t.id, "err", err)
		return
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	r.mu.Lock()
	handler := r.handlers[op.Type]
	r.mu.Unlock()

	start := time.Now()
	progress := func(pct int, message string) {
		if err := r.ops.SetProgress(ctx, op.ID, pct, message); err != nil {
			r.log.Error("unable to record progress", "id", op.ID, "err", err)
		}
	}

	result, err := handler(ctx, op, t.payload, progress)
	observeExecution(op.Type, err == nil, start)
	if err != nil {
		r.log.Error("operation failed", "id", op.ID, "type", op.Type, "err", err)
		if ferr := r.ops.Fail(context.WithoutCancel(ctx), op.ID, err.Error(), result); ferr != nil {
			r.log.Error("unable to record operation failure", "id", op.ID, "err", ferr)
		}
		return
	}

	r.log.Info("operation finished", "id", op.ID, "type", op.Type, "time", time.Since(start))
	if err := r.ops.Complete(context.WithoutCancel(ctx), op.ID, "done", result); err != nil {
		r.log.Error("unable to record operation success", "id", op.ID, "err", err)
	}
}

func (r *Runtime) sweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.Retention)
			n, err := r.ops.Sweep(ctx, cutoff, r.cfg.SweepOnlyCompleted)
			if err != nil {
				r.log.Error("operation sweep failed", "err", err)
				continue
			}
			if n > 0 {
				r.log.Info("swept old operations", "count", n, "cutoff", cutoff)
			}
		}
	}
}

// Poll reads the operation every interval until it reaches a terminal
// status or maxWait expires, invoking onStatus with every snapshot. On
// timeout the operation keeps running; the caller gets a timeout error.
func Poll(ctx context.Context, ops *registry.OperationRegistry, id string,
	maxWait, interval time.Duration, onStatus func(*registry.Operation),
) (*registry.Operation, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := ops.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op == nil {
			return nil, errkind.New(errkind.NotFound, "operation %s does not exist", id)
		}
		if onStatus != nil {
			onStatus(op)
		}
		if op.Terminal() {
			return op, nil
		}
		if time.Now().After(deadline) {
			return op, errkind.New(errkind.Timeout,
				"operation %s still %s after %s", id, op.Status, maxWait)
		}

		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}
