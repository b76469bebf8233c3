package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/redis"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.NewClientFromRedis(rdb, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})), mr
}

func TestLocker(t *testing.T) {
	client, mr := newTestClient(t)
	locker := redis.NewLocker(client, "workflow:execution:")
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "run-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "workflow:execution:run-1", lock.Key())
	assert.True(t, mr.Exists("workflow:execution:run-1"))

	_, err = locker.Acquire(ctx, "run-1", time.Minute)
	assert.ErrorIs(t, err, redis.ErrLockNotAcquired)

	assert.ErrorIs(t, locker.Release(ctx, "run-1", "someone-else"), redis.ErrLockNotHeld)
	require.NoError(t, locker.Release(ctx, "run-1", lock.Token()))
	assert.False(t, mr.Exists("workflow:execution:run-1"))
}

func TestLocker_Expires(t *testing.T) {
	client, mr := newTestClient(t)
	locker := redis.NewLocker(client, "")
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)

	mr.FastForward(11 * time.Second)
	_, err = locker.Acquire(ctx, "k", time.Second)
	assert.NoError(t, err)
	assert.ErrorIs(t, lock.Release(ctx), redis.ErrLockNotHeld)
}

func TestStreams_PublishConsumeAck(t *testing.T) {
	client, _ := newTestClient(t)
	streams := redis.NewStreams(client)
	ctx := context.Background()

	require.NoError(t, streams.CreateConsumerGroup(ctx, "fern:workflows", "fern-workers"))
	require.NoError(t, streams.CreateConsumerGroup(ctx, "fern:workflows", "fern-workers"), "existing group is fine")

	job := &redis.JobMessage{Type: redis.JobTypeWorkflowExecution, ExecutionName: "run-1", LockToken: "tok"}
	id, err := streams.Publish(ctx, "fern:workflows", job)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	messages, err := streams.Consume(ctx, "fern:workflows", "fern-workers", "worker-1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
	require.NotNil(t, messages[0].Job)
	assert.Equal(t, "run-1", messages[0].Job.ExecutionName)
	assert.Equal(t, "tok", messages[0].Job.LockToken)

	pending, err := streams.Pending(ctx, "fern:workflows", "fern-workers", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, streams.Ack(ctx, "fern:workflows", "fern-workers", id))
	pending, err = streams.Pending(ctx, "fern:workflows", "fern-workers", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStreams_MalformedMessage(t *testing.T) {
	client, _ := newTestClient(t)
	streams := redis.NewStreams(client)
	ctx := context.Background()

	require.NoError(t, streams.CreateConsumerGroup(ctx, "s", "g"))
	require.NoError(t, client.Redis().XAdd(ctx, &goredis.XAddArgs{Stream: "s", Values: map[string]any{"data": "{not json"}}).Err())

	messages, err := streams.Consume(ctx, "s", "g", "c", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Nil(t, messages[0].Job)
}

func TestStreams_Claim(t *testing.T) {
	client, _ := newTestClient(t)
	streams := redis.NewStreams(client)
	ctx := context.Background()

	require.NoError(t, streams.CreateConsumerGroup(ctx, "s", "g"))
	id, err := streams.Publish(ctx, "s", &redis.JobMessage{ExecutionName: "run-9"})
	require.NoError(t, err)

	_, err = streams.Consume(ctx, "s", "g", "crashed", 10, 10*time.Millisecond)
	require.NoError(t, err)

	claimed, err := streams.Claim(ctx, "s", "g", "rescuer", 0, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "run-9", claimed[0].Job.ExecutionName)
}
