package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/trigger"
)

type countingStarter struct {
	calls   atomic.Int32
	collide bool
}

func (s *countingStarter) StartBatch(context.Context) (*trigger.Handle, error) {
	n := s.calls.Add(1)
	if s.collide && n%2 == 0 {
		return nil, &etlerrors.TriggerError{Execution: "run", Cause: redis.ErrLockNotAcquired}
	}
	return &trigger.Handle{ExecutionName: "run"}, nil
}

func newScheduler(starter scheduler.Starter, config scheduler.Config) *scheduler.Scheduler {
	return scheduler.NewScheduler(starter, config, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func TestScheduler_TicksUntilStopped(t *testing.T) {
	starter := &countingStarter{collide: true}
	s := newScheduler(starter, scheduler.Config{Interval: 5 * time.Millisecond, RunOnStart: true})

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), scheduler.ErrSchedulerAlreadyRunning)

	assert.Eventually(t, func() bool { return starter.calls.Load() >= 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())

	stopped := starter.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, starter.calls.Load())
}

func TestScheduler_StopWhenNotRunning(t *testing.T) {
	s := newScheduler(&countingStarter{}, scheduler.Config{})
	assert.NoError(t, s.Stop(context.Background()))
}
