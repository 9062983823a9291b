package taskstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixbot/pkg/workflow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "task-1"))

	rec, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Nil(t, rec.CompletedAt)

	picked, err := s.MarkProcessing(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, picked)

	result := &workflow.Result{TaskID: "task-1", Status: workflow.StatusSuccess, Attempts: 1}
	require.NoError(t, s.Finish(ctx, "task-1", StatusSuccess, result, ""))

	rec, err = s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.Result)
	assert.Equal(t, workflow.StatusSuccess, rec.Result.Status)
	assert.Equal(t, 1, rec.Result.Attempts)
}

func TestMarkProcessingOnlyFromPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "task-1"))
	cancelled, err := s.Cancel(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	picked, err := s.MarkProcessing(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, picked, "a cancelled task must not be picked up")
}

func TestFinishDoesNotOverwriteTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "task-1"))
	_, err := s.Cancel(ctx, "task-1")
	require.NoError(t, err)

	require.NoError(t, s.Finish(ctx, "task-1", StatusSuccess, nil, ""))

	rec, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status, "terminal status must latch")
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(context.Background(), "task-1"))
	err := s.Finish(context.Background(), "task-1", StatusProcessing, nil, "")
	require.Error(t, err)
}

func TestCancelTerminalTaskReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "task-1"))
	require.NoError(t, s.Finish(ctx, "task-1", StatusFailed, nil, "attempts exhausted"))

	cancelled, err := s.Cancel(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestGetUnknownTask(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
}

func TestDuplicateCreateFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "task-1"))
	require.Error(t, s.Create(ctx, "task-1"))
}

func TestPurgeOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "old"))
	require.NoError(t, s.Finish(ctx, "old", StatusFailed, nil, "x"))
	// Backdate the completion so the TTL cutoff catches it.
	_, err := s.db.Exec(`UPDATE tasks SET completed_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour).Unix(), "old")
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, "fresh"))
	require.NoError(t, s.Finish(ctx, "fresh", StatusSuccess, nil, ""))

	require.NoError(t, s.Create(ctx, "running"))
	_, err = s.MarkProcessing(ctx, "running")
	require.NoError(t, err)

	n, err := s.PurgeOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	require.Error(t, err)
	_, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	_, err = s.Get(ctx, "running")
	require.NoError(t, err)
}

func TestReopenKeepsSchemaAndData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), "task-1"))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}
