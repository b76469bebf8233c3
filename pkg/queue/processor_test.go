package queue_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
)

type fakeRunner struct {
	mu     sync.Mutex
	names  []string
	result func(name string) (*models.WorkflowExecution, error)
}

func (r *fakeRunner) Run(_ context.Context, name string) (*models.WorkflowExecution, error) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	if r.result != nil {
		return r.result(name)
	}
	return &models.WorkflowExecution{ID: uuid.New(), Name: name, State: models.WorkflowStateSucceeded}, nil
}

func (r *fakeRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

type fakeStore struct {
	executions map[string]*models.WorkflowExecution
	updates    []models.WorkflowState
	err        error
}

func (s *fakeStore) GetByName(_ context.Context, name string) (*models.WorkflowExecution, error) {
	if s.err != nil {
		return nil, s.err
	}
	execution, ok := s.executions[name]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "workflow execution %s not found", name)
	}
	return execution, nil
}

func (s *fakeStore) UpdateState(_ context.Context, _ uuid.UUID, state models.WorkflowState, _ *string) error {
	s.updates = append(s.updates, state)
	return nil
}

type harness struct {
	mr      *miniredis.Miniredis
	streams *redis.Streams
	locker  *redis.Locker
	runner  *fakeRunner
	store   *fakeStore
	proc    *queue.Processor
	config  queue.ProcessorConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client := redis.NewClientFromRedis(rdb, logger)

	h := &harness{
		mr:      mr,
		streams: redis.NewStreams(client),
		locker:  redis.NewLocker(client, "workflow:execution:"),
		runner:  &fakeRunner{},
		store:   &fakeStore{executions: map[string]*models.WorkflowExecution{}},
		config: queue.ProcessorConfig{
			Stream:        "fern:workflows:test",
			ConsumerGroup: "fern-workers",
			ConsumerName:  "worker-1",
			BlockTimeout:  10 * time.Millisecond,
			ClaimInterval: time.Hour,
		},
	}
	h.proc = queue.NewProcessor(h.streams, h.runner, h.store, h.locker, h.config, logger)
	require.NoError(t, h.streams.CreateConsumerGroup(context.Background(), h.config.Stream, h.config.ConsumerGroup))
	return h
}

// enqueue publishes a job holding a fresh lock and reads it back as the consumer would.
func (h *harness) enqueue(t *testing.T, name string) redis.StreamMessage {
	t.Helper()
	ctx := context.Background()

	lock, err := h.locker.Acquire(ctx, name, time.Minute)
	require.NoError(t, err)

	_, err = h.streams.Publish(ctx, h.config.Stream, &redis.JobMessage{
		Type:          redis.JobTypeWorkflowExecution,
		ExecutionName: name,
		LockKey:       name,
		LockToken:     lock.Token(),
	})
	require.NoError(t, err)

	messages, err := h.streams.Consume(ctx, h.config.Stream, h.config.ConsumerGroup, h.config.ConsumerName, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	return messages[0]
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	pending, err := h.streams.Pending(context.Background(), h.config.Stream, h.config.ConsumerGroup, 10)
	require.NoError(t, err)
	return len(pending)
}

func TestHandle_TerminalRunsAreAcked(t *testing.T) {
	for _, state := range []models.WorkflowState{
		models.WorkflowStateSucceeded,
		models.WorkflowStateFailed,
		models.WorkflowStateTimedOut,
	} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t)
			h.runner.result = func(name string) (*models.WorkflowExecution, error) {
				var err error
				if state != models.WorkflowStateSucceeded {
					err = errors.New("run did not succeed")
				}
				return &models.WorkflowExecution{Name: name, State: state}, err
			}

			msg := h.enqueue(t, "1700000000000-BatchHRPipeline")
			assert.True(t, h.proc.Handle(context.Background(), msg, false))

			assert.Equal(t, []string{"1700000000000-BatchHRPipeline"}, h.runner.calls())
			assert.Zero(t, h.pending(t))
			assert.False(t, h.mr.Exists("workflow:execution:1700000000000-BatchHRPipeline"))
		})
	}
}

func TestHandle_UnrecordedRunStaysPending(t *testing.T) {
	h := newHarness(t)
	h.runner.result = func(string) (*models.WorkflowExecution, error) {
		return nil, errors.New("database unavailable")
	}

	msg := h.enqueue(t, "run-1")
	assert.False(t, h.proc.Handle(context.Background(), msg, false))
	assert.Equal(t, 1, h.pending(t))
	assert.True(t, h.mr.Exists("workflow:execution:run-1"), "pending run keeps its name reserved")
}

func TestHandle_InvalidMessagesAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mr.XAdd(h.config.Stream, "*", []string{"data", "{broken"})
	_, err := h.streams.Publish(ctx, h.config.Stream, &redis.JobMessage{Type: "unknown", ExecutionName: "x"})
	require.NoError(t, err)

	messages, err := h.streams.Consume(ctx, h.config.Stream, h.config.ConsumerGroup, h.config.ConsumerName, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	for _, msg := range messages {
		assert.True(t, h.proc.Handle(ctx, msg, false))
	}
	assert.Empty(t, h.runner.calls())
	assert.Zero(t, h.pending(t))
}

func TestHandle_ClaimedMessages(t *testing.T) {
	t.Run("unrecorded run is executed", func(t *testing.T) {
		h := newHarness(t)
		msg := h.enqueue(t, "run-1")

		assert.True(t, h.proc.Handle(context.Background(), msg, true))
		assert.Equal(t, []string{"run-1"}, h.runner.calls())
	})

	t.Run("abandoned run is marked failed", func(t *testing.T) {
		h := newHarness(t)
		h.store.executions["run-1"] = &models.WorkflowExecution{ID: uuid.New(), Name: "run-1", State: models.WorkflowStateLoadingJobs}
		msg := h.enqueue(t, "run-1")

		assert.True(t, h.proc.Handle(context.Background(), msg, true))
		assert.Empty(t, h.runner.calls())
		assert.Equal(t, []models.WorkflowState{models.WorkflowStateFailed}, h.store.updates)
		assert.Zero(t, h.pending(t))
		assert.False(t, h.mr.Exists("workflow:execution:run-1"))
	})

	t.Run("lookup failure keeps message and lock", func(t *testing.T) {
		h := newHarness(t)
		h.store.err = errors.New("database unavailable")
		msg := h.enqueue(t, "run-1")

		assert.False(t, h.proc.Handle(context.Background(), msg, true))
		assert.Empty(t, h.runner.calls())
		assert.Equal(t, 1, h.pending(t))
		assert.True(t, h.mr.Exists("workflow:execution:run-1"))
	})

	t.Run("finished run is only acked", func(t *testing.T) {
		h := newHarness(t)
		h.store.executions["run-1"] = &models.WorkflowExecution{ID: uuid.New(), Name: "run-1", State: models.WorkflowStateSucceeded}
		msg := h.enqueue(t, "run-1")

		assert.True(t, h.proc.Handle(context.Background(), msg, true))
		assert.Empty(t, h.runner.calls())
		assert.Empty(t, h.store.updates)
		assert.False(t, h.mr.Exists("workflow:execution:run-1"))
	})
}

func TestProcessor_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.proc.Start(ctx))
	assert.True(t, h.proc.IsRunning())
	assert.Error(t, h.proc.Start(ctx))

	_, err := h.streams.Publish(ctx, h.config.Stream, &redis.JobMessage{
		Type:          redis.JobTypeWorkflowExecution,
		ExecutionName: "run-1",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(h.runner.calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.proc.Stop(stopCtx))
	assert.False(t, h.proc.IsRunning())
	assert.Zero(t, h.pending(t))
}

func TestDefaultProcessorConfig(t *testing.T) {
	config := queue.DefaultProcessorConfig()
	assert.Equal(t, queue.DefaultStream, config.Stream)
	assert.Equal(t, queue.DefaultConsumerGroup, config.ConsumerGroup)
	assert.NotEmpty(t, config.ConsumerName)
	assert.Greater(t, config.ClaimMinIdle, 10*time.Minute)
}
