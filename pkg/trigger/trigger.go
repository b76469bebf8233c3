// Package trigger starts batch pipeline runs without waiting for them.
package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/workflow"
)

// LockKeyPrefix namespaces execution name locks
const LockKeyPrefix = "workflow:execution:"

const (
	SourceAPI       = "api"
	SourceScheduler = "scheduler"
	SourceCLI       = "cli"
)

// JobPublisher enqueues workflow jobs
type JobPublisher interface {
	Publish(ctx context.Context, stream string, job *redis.JobMessage) (string, error)
}

// Locker guards execution names against concurrent reuse
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*redis.Lock, error)
}

type Config struct {
	Stream string
	// LockTTL bounds how long a name stays reserved; the worker releases it sooner.
	LockTTL time.Duration
}

// Handle identifies a started run.
type Handle struct {
	ExecutionName string `json:"execution_name"`
	MessageID     string `json:"message_id"`
}

type Trigger struct {
	publisher JobPublisher
	locker    Locker
	config    Config
	source    string
	now       func() time.Time
	logger    ectologger.Logger
}

func NewTrigger(publisher JobPublisher, locker Locker, config Config, logger ectologger.Logger) *Trigger {
	if config.Stream == "" {
		config.Stream = queue.DefaultStream
	}
	if config.LockTTL <= 0 {
		config.LockTTL = workflow.DefaultTimeout
	}
	return &Trigger{
		publisher: publisher,
		locker:    locker,
		config:    config,
		source:    SourceAPI,
		now:       time.Now,
		logger:    logger,
	}
}

// WithSource returns a trigger that reports its starts under source.
func (t *Trigger) WithSource(source string) *Trigger {
	clone := *t
	clone.source = source
	return &clone
}

// WithClock replaces the clock used to build execution names.
func (t *Trigger) WithClock(now func() time.Time) *Trigger {
	clone := *t
	clone.now = now
	return &clone
}

// StartBatch reserves a new execution name and enqueues its run. It returns as
// soon as the job is queued.
func (t *Trigger) StartBatch(ctx context.Context) (*Handle, error) {
	ctx, span := tracing.StartSpan(ctx, "Trigger.StartBatch")
	defer span.End()

	name := workflow.NewExecutionName(t.now())

	lock, err := t.locker.Acquire(ctx, name, t.config.LockTTL)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			t.logger.WithContext(ctx).Warnf("Execution %s is already running", name)
			metrics.RecordTrigger(t.source, "collision")
		} else {
			t.logger.WithContext(ctx).WithError(err).Error("Failed to reserve execution name")
			metrics.RecordTrigger(t.source, "error")
		}
		return nil, &etlerrors.TriggerError{Execution: name, Cause: err}
	}

	messageID, err := t.publisher.Publish(ctx, t.config.Stream, &redis.JobMessage{
		Type:          redis.JobTypeWorkflowExecution,
		ExecutionName: name,
		LockKey:       name,
		LockToken:     lock.Token(),
	})
	if err != nil {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			t.logger.WithContext(ctx).WithError(releaseErr).Warn("Failed to release execution lock")
		}
		t.logger.WithContext(ctx).WithError(err).Errorf("Failed to enqueue execution %s", name)
		metrics.RecordTrigger(t.source, "error")
		return nil, &etlerrors.TriggerError{Execution: name, Cause: err}
	}

	t.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_name": name,
		"message_id":     messageID,
		"source":         t.source,
	}).Info("Batch execution started")
	metrics.RecordTrigger(t.source, "started")

	return &Handle{ExecutionName: name, MessageID: messageID}, nil
}
