package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/osa-io/osa/internal/domain"
)

// Pool owns the process's workers and background loops. Start launches
// everything; Close cancels the shared context and waits for every loop
// to drain its in-flight batch.
type Pool struct {
	store   Store
	janitor *Janitor
	logger  *slog.Logger

	workers []*Worker
	tasks   []func(context.Context)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

// NewPool creates an empty pool.
func NewPool(store Store, janitor *Janitor, logger *slog.Logger) *Pool {
	return &Pool{
		store:   store,
		janitor: janitor,
		logger:  logger.With("component", "pool"),
		done:    make(chan struct{}),
	}
}

// AddWorker registers a worker for an (event type, consumer group) pair.
// Must be called before Start.
func (p *Pool) AddWorker(eventType, consumerGroup string, config Config, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("%w: pool already started", domain.ErrInvalidState)
	}

	w, err := New(eventType, consumerGroup, config, p.store, handler, p.logger)
	if err != nil {
		return err
	}

	p.workers = append(p.workers, w)

	return nil
}

// AddTask registers an auxiliary background loop (schedulers, tickers)
// that runs under the pool's lifetime. Must be called before Start.
func (p *Pool) AddTask(task func(context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("%w: pool already started", domain.ErrInvalidState)
	}

	p.tasks = append(p.tasks, task)

	return nil
}

// Start launches every worker, the janitor, and auxiliary tasks.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("%w: pool already started", domain.ErrInvalidState)
	}

	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	var wg sync.WaitGroup

	for _, w := range p.workers {
		wg.Add(1)

		go func(w *Worker) {
			defer wg.Done()
			w.Run(runCtx)
		}(w)
	}

	if p.janitor != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()
			p.janitor.Run(runCtx)
		}()
	}

	for _, task := range p.tasks {
		wg.Add(1)

		go func(task func(context.Context)) {
			defer wg.Done()
			task(runCtx)
		}(task)
	}

	go func() {
		wg.Wait()
		close(p.done)
	}()

	p.logger.Info("pool started", "workers", len(p.workers), "tasks", len(p.tasks))

	return nil
}

// Close stops the pool: claim loops exit after their current batch, the
// janitor and tasks exit at their next cancellation point. Waits up to
// timeout for the drain.
func (p *Pool) Close(timeout time.Duration) error {
	var err error

	p.closeOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		started := p.started
		p.mu.Unlock()

		if !started {
			return
		}

		cancel()

		select {
		case <-p.done:
			p.logger.Info("pool drained")
		case <-time.After(timeout):
			err = fmt.Errorf("pool drain timed out after %s", timeout)
		}
	})

	return err
}
