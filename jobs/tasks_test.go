package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parishdesk/parishdesk/internal/authz"
)

type fakeSweeper struct {
	retention time.Duration
	result    authz.SweepResult
	err       error
	calls     int
}

func (f *fakeSweeper) SweepExpired(_ context.Context, retention time.Duration) (authz.SweepResult, error) {
	f.calls++
	f.retention = retention
	return f.result, f.err
}

func TestSweepExpiredHandler(t *testing.T) {
	sweeper := &fakeSweeper{result: authz.SweepResult{RoleAssignments: 3, Overrides: 1}}
	handler := NewSweepExpiredHandler(sweeper, slog.New(slog.NewTextHandler(io.Discard, nil)))

	task, err := NewSweepExpiredTask(SweepExpiredPayload{Retention: 30 * 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, TaskSweepExpired, task.Type())

	require.NoError(t, handler(context.Background(), task))
	assert.Equal(t, 1, sweeper.calls)
	assert.Equal(t, 30*24*time.Hour, sweeper.retention)
}

func TestSweepExpiredHandlerPropagatesError(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("pool closed")}
	handler := NewSweepExpiredHandler(sweeper, nil)

	task, err := NewSweepExpiredTask(SweepExpiredPayload{Retention: time.Hour})
	require.NoError(t, err)
	assert.Error(t, handler(context.Background(), task))
}

func TestSweepExpiredHandlerSkipsMalformedPayload(t *testing.T) {
	sweeper := &fakeSweeper{}
	handler := NewSweepExpiredHandler(sweeper, nil)

	err := handler(context.Background(), asynq.NewTask(TaskSweepExpired, []byte("{broken")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, sweeper.calls)
}
