package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixbot/pkg/config"
	"fixbot/pkg/taskstore"
	"fixbot/pkg/workflow"
)

// stubRunner scripts workflow outcomes per task.
type stubRunner struct {
	mu sync.Mutex
	// run is invoked per task; default reports success.
	run func(ctx context.Context, req workflow.Request) (*workflow.State, error)
	// seen records the task ids that actually ran.
	seen []string
}

func (s *stubRunner) Run(ctx context.Context, req workflow.Request) (*workflow.State, error) {
	s.mu.Lock()
	s.seen = append(s.seen, req.TaskID)
	run := s.run
	s.mu.Unlock()

	if run != nil {
		return run(ctx, req)
	}
	st := workflow.NewState(req.TaskID, 3)
	st.Attempts = 1
	st.Finalize(workflow.StatusSuccess)
	return st, nil
}

func (s *stubRunner) ranCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func newTestPool(t *testing.T, runner *stubRunner) (*Pool, *taskstore.Store) {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DispatchConfig{Workers: 2}
	return NewPool(&cfg, runner, store), store
}

func validRequest() workflow.Request {
	return workflow.Request{
		InlineCode:     "def add(a, b): return a - b",
		BugDescription: "add() returns wrong sum",
		Language:       "python",
	}
}

func TestSubmitRunsToSuccess(t *testing.T) {
	runner := &stubRunner{}
	pool, _ := newTestPool(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	id, err := pool.Submit(ctx, validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	rec, err := pool.Wait(waitCtx, id, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, taskstore.StatusSuccess, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, workflow.StatusSuccess, rec.Result.Status)
	assert.Equal(t, 1, runner.ranCount())
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	pool, _ := newTestPool(t, &stubRunner{})

	_, err := pool.Submit(context.Background(), workflow.Request{BugDescription: "broken"})
	require.Error(t, err, "missing repo and inline code must be rejected")

	_, err = pool.Submit(context.Background(), workflow.Request{InlineCode: "x"})
	require.Error(t, err, "empty bug description must be rejected")
}

func TestFailedWorkflowPersistsFailureWithErrors(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, req workflow.Request) (*workflow.State, error) {
		st := workflow.NewState(req.TaskID, 2)
		st.Attempts = 2
		st.AppendError("fix failed verification after 2 attempts")
		st.Finalize(workflow.StatusFailed)
		return st, nil
	}}
	pool, _ := newTestPool(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	id, err := pool.Submit(ctx, validRequest())
	require.NoError(t, err)

	rec, err := pool.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "failed verification")
}

func TestEscalatedWorkflowMapsToFailedWithReason(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, req workflow.Request) (*workflow.State, error) {
		st := workflow.NewState(req.TaskID, 3)
		st.Attempts = 1
		st.NeedsHumanReview = true
		st.Finalize(workflow.StatusEscalated)
		return st, nil
	}}
	pool, _ := newTestPool(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	id, err := pool.Submit(ctx, validRequest())
	require.NoError(t, err)

	rec, err := pool.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "escalated")
	require.NotNil(t, rec.Result)
	assert.Equal(t, workflow.StatusEscalated, rec.Result.Status)
	assert.True(t, rec.Result.NeedsHumanReview)
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	runner := &stubRunner{}
	pool, _ := newTestPool(t, runner)

	// Pool not started: the job stays queued.
	id, err := pool.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	cancelled, err := pool.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	rec, err := pool.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusCancelled, rec.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runner.ranCount(), "cancelled task must never reach the runner")
}

func TestCancelRunningTaskCancelsContext(t *testing.T) {
	started := make(chan struct{})
	runner := &stubRunner{run: func(ctx context.Context, req workflow.Request) (*workflow.State, error) {
		close(started)
		<-ctx.Done() // simulate an in-flight sandbox run killed by cancellation
		st := workflow.NewState(req.TaskID, 3)
		st.AppendError("task aborted: %v", ctx.Err())
		st.Finalize(workflow.StatusFailed)
		return st, nil
	}}
	pool, _ := newTestPool(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	id, err := pool.Submit(ctx, validRequest())
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	cancelled, err := pool.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	rec, err := pool.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusCancelled, rec.Status, "cancellation latches before the worker's failed status")
}

func TestRunnerErrorPersistsFailed(t *testing.T) {
	runner := &stubRunner{run: func(ctx context.Context, req workflow.Request) (*workflow.State, error) {
		return nil, errors.New("repository authentication failed")
	}}
	pool, _ := newTestPool(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	id, err := pool.Submit(ctx, validRequest())
	require.NoError(t, err)

	rec, err := pool.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "authentication")
}

func TestStopDrainsInFlightWork(t *testing.T) {
	runner := &stubRunner{}
	pool, _ := newTestPool(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := pool.Submit(ctx, validRequest())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	pool.Stop()

	for _, id := range ids {
		rec, err := pool.Wait(ctx, id, 10*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, rec.Status.Terminal(), "task %s not terminal after Stop", id)
	}
}
