// Package dispatch runs fix tasks on a bounded worker pool with per-task
// cancellation. Submissions are validated, persisted as PENDING records, and
// queued; a full queue rejects rather than growing without bound.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fixbot/pkg/config"
	"fixbot/pkg/logx"
	"fixbot/pkg/taskstore"
	"fixbot/pkg/workflow"
)

// Runner executes one task to its terminal state. Implemented by
// workflow.Engine; stubbed in tests.
type Runner interface {
	Run(ctx context.Context, req workflow.Request) (*workflow.State, error)
}

type job struct {
	id  string
	req workflow.Request
}

// Pool is the bounded task worker pool.
type Pool struct {
	logger  *logx.Logger
	runner  Runner
	store   *taskstore.Store
	workers int
	jobs    chan job

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg      sync.WaitGroup
	started bool
}

// queueFactor sizes the submission queue relative to the worker count.
const queueFactor = 8

// NewPool creates a pool; call Start before submitting.
func NewPool(cfg *config.DispatchConfig, runner Runner, store *taskstore.Store) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		logger:  logx.NewLogger("dispatch"),
		runner:  runner,
		store:   store,
		workers: workers,
		jobs:    make(chan job, workers*queueFactor),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the workers. ctx cancellation stops pickup of new jobs and
// cancels in-flight tasks.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

// Submit validates the request, persists a PENDING record, and queues the
// task. Returns the task id.
func (p *Pool) Submit(ctx context.Context, req workflow.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	if err := p.store.Create(ctx, req.TaskID); err != nil {
		return "", err
	}

	select {
	case p.jobs <- job{id: req.TaskID, req: req}:
		p.logger.Info("task %s queued", req.TaskID)
		return req.TaskID, nil
	default:
		if _, err := p.store.Cancel(ctx, req.TaskID); err != nil {
			p.logger.Warn("failed to cancel overflowed task %s: %v", req.TaskID, err)
		}
		return "", fmt.Errorf("task queue is full, retry later")
	}
}

// Cancel requests cancellation of a task. A queued task never starts; a
// running task has its context cancelled, which force-kills any in-flight
// sandbox execution. Returns false when the task had already terminated.
func (p *Pool) Cancel(ctx context.Context, id string) (bool, error) {
	cancelled, err := p.store.Cancel(ctx, id)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	cancel, running := p.cancels[id]
	p.mu.Unlock()
	if running {
		cancel()
	}
	return cancelled, nil
}

// Wait polls the store until the task terminates or ctx expires.
func (p *Pool) Wait(ctx context.Context, id string, poll time.Duration) (*taskstore.Record, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		rec, err := p.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	p.logger.Debug("worker %d started", n)
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.runTask(ctx, j)
		}
	}
}

func (p *Pool) runTask(ctx context.Context, j job) {
	picked, err := p.store.MarkProcessing(ctx, j.id)
	if err != nil {
		p.logger.Error("task %s: failed to mark processing: %v", j.id, err)
		return
	}
	if !picked {
		p.logger.Info("task %s: skipped, cancelled before pickup", j.id)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[j.id] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, j.id)
		p.mu.Unlock()
	}()

	st, err := p.runner.Run(taskCtx, j.req)
	switch {
	case err != nil:
		var result *workflow.Result
		if st != nil {
			result = st.Result()
		}
		p.finish(j.id, taskstore.StatusFailed, result, err.Error())
	default:
		p.finish(j.id, storeStatus(st.FinalStatus()), st.Result(), lastError(st))
	}
}

// storeStatus maps the workflow's terminal status onto the task lifecycle.
// The lifecycle has exactly three terminals; an escalated workflow is a
// failed task whose result carries the escalation details.
func storeStatus(s workflow.Status) taskstore.Status {
	if s == workflow.StatusSuccess {
		return taskstore.StatusSuccess
	}
	return taskstore.StatusFailed
}

func lastError(st *workflow.State) string {
	if st.FinalStatus() == workflow.StatusEscalated {
		return "escalated for human review"
	}
	errs := st.Errors()
	if len(errs) == 0 {
		return ""
	}
	return errs[len(errs)-1]
}

// finish persists the terminal record with a background context: the task
// context may already be cancelled and the outcome must still be recorded.
func (p *Pool) finish(id string, status taskstore.Status, result *workflow.Result, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Finish(ctx, id, status, result, errMsg); err != nil {
		p.logger.Error("task %s: failed to persist outcome: %v", id, err)
	}
}
