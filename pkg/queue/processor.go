// Package queue runs workflow jobs taken from a Redis Streams consumer group.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle must exceed the workflow timeout so a live run is never claimed
	DefaultClaimMinIdle = 15 * time.Minute

	DefaultStream        = "fern:workflows"
	DefaultConsumerGroup = "fern-workers"
)

const abandonedMessage = "execution abandoned by a worker that stopped before finishing"

// ProcessorConfig holds configuration for the job processor
type ProcessorConfig struct {
	Stream        string
	ConsumerGroup string
	// ConsumerName is unique per instance
	ConsumerName  string
	BatchSize     int64
	BlockTimeout  time.Duration
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	WorkerCount   int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        DefaultStream,
		ConsumerGroup: DefaultConsumerGroup,
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// JobStream is the stream surface the processor consumes
type JobStream interface {
	CreateConsumerGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, count int64) ([]goredis.XPendingExt, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.StreamMessage, error)
}

// Runner executes one workflow run
type Runner interface {
	Run(ctx context.Context, name string) (*models.WorkflowExecution, error)
}

// ExecutionStore lets the processor inspect and close out runs of claimed messages
type ExecutionStore interface {
	GetByName(ctx context.Context, name string) (*models.WorkflowExecution, error)
	UpdateState(ctx context.Context, id uuid.UUID, state models.WorkflowState, errorMsg *string) error
}

// LockReleaser frees the execution lock taken by the trigger
type LockReleaser interface {
	Release(ctx context.Context, key, token string) error
}

// Processor processes workflow jobs from a Redis Streams queue
type Processor struct {
	streams JobStream
	runner  Runner
	store   ExecutionStore
	locks   LockReleaser
	config  ProcessorConfig
	logger  ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan jobItem

	running bool
	mu      sync.RWMutex
}

type jobItem struct {
	message redis.StreamMessage
	claimed bool
}

// NewProcessor creates a new job processor
func NewProcessor(streams JobStream, runner Runner, store ExecutionStore, locks LockReleaser, config ProcessorConfig, logger ectologger.Logger) *Processor {
	defaults := DefaultProcessorConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = defaults.ConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		runner:   runner,
		store:    store,
		locks:    locks,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan jobItem, config.BatchSize*2),
	}
}

// Start starts the consumer, claimer and worker goroutines
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "Processor.Start")
	defer span.End()

	p.logger.WithContext(ctx).Infof("Starting job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var wg sync.WaitGroup
	var producers sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, i)
	}

	producers.Add(2)
	go p.consumeLoop(ctx, &producers)
	go p.claimLoop(ctx, &producers)

	go func() {
		<-p.stopCh
		producers.Wait()
		close(p.jobsCh)
		wg.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Job processor started")
	return nil
}

// Stop stops the processor and waits for in-flight jobs
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping job processor...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Job processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Job processor shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the processor is running
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		messages, err := p.streams.Consume(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		for _, msg := range messages {
			select {
			case p.jobsCh <- jobItem{message: msg}:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

// claimPendingMessages takes over messages whose consumer went quiet for longer
// than ClaimMinIdle.
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle >= p.config.ClaimMinIdle {
			staleIDs = append(staleIDs, msg.ID)
		}
	}
	if len(staleIDs) == 0 {
		return
	}

	p.logger.WithContext(ctx).Infof("Claiming %d stale pending messages", len(staleIDs))

	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}

	for _, msg := range claimed {
		select {
		case p.jobsCh <- jobItem{message: msg, claimed: true}:
		case <-p.stopCh:
			return
		default:
			// workers busy, the next tick retries
		}
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)
	for item := range p.jobsCh {
		p.Handle(ctx, item.message, item.claimed)
	}
	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// Handle processes one message and acks it once the run is settled. It
// returns whether the message was acked. A message is left pending only when
// the run could not even be recorded, so a later claim retries it.
func (p *Processor) Handle(ctx context.Context, msg redis.StreamMessage, claimed bool) bool {
	ctx, span := tracing.StartSpan(ctx, "Processor.Handle")
	defer span.End()

	metrics.QueueJobsInFlight.Inc()
	defer metrics.QueueJobsInFlight.Dec()

	job := msg.Job
	if job == nil || job.Type != redis.JobTypeWorkflowExecution || job.ExecutionName == "" {
		p.logger.WithContext(ctx).Warnf("Dropping invalid job message %s", msg.ID)
		metrics.RecordQueueJob("invalid")
		return p.ack(ctx, msg)
	}

	ctx = appctx.SetRequestID(ctx, job.ID)
	ctx = appctx.SetExecution(ctx, job.ExecutionName, "")

	if claimed {
		done, err := p.settleAbandoned(ctx, job)
		if err != nil {
			metrics.RecordQueueJob("error")
			return false
		}
		if done {
			metrics.RecordQueueJob("abandoned")
			return p.settle(ctx, msg)
		}
	}

	p.logger.WithContext(ctx).Infof("Processing job %s for execution %s", job.ID, job.ExecutionName)
	execution, err := p.runner.Run(ctx, job.ExecutionName)
	if execution == nil || !execution.State.Terminal() {
		p.logger.WithContext(ctx).WithError(err).Warnf("Execution %s did not reach a terminal state, leaving message pending", job.ExecutionName)
		metrics.RecordQueueJob("error")
		return false
	}

	metrics.RecordQueueJob(string(execution.State))
	return p.settle(ctx, msg)
}

// settleAbandoned inspects the record of a claimed run. A run that never got
// recorded is re-attempted; one that was recorded is closed out instead, since
// its name is taken.
func (p *Processor) settleAbandoned(ctx context.Context, job *redis.JobMessage) (bool, error) {
	execution, err := p.store.GetByName(ctx, job.ExecutionName)
	if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to look up claimed execution")
		return false, err
	}

	if !execution.State.Terminal() {
		msg := abandonedMessage
		if err := p.store.UpdateState(ctx, execution.ID, models.WorkflowStateFailed, &msg); err != nil {
			return false, err
		}
		p.logger.WithContext(ctx).Warnf("Marked abandoned execution %s as failed", job.ExecutionName)
	}
	return true, nil
}

func (p *Processor) ack(ctx context.Context, msg redis.StreamMessage) bool {
	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, msg.ID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", msg.ID)
		return false
	}
	return true
}

// settle acks a finished job and frees its execution name. A job that stays
// pending keeps the lock so the name cannot be reused before a claim settles it.
func (p *Processor) settle(ctx context.Context, msg redis.StreamMessage) bool {
	if !p.ack(ctx, msg) {
		return false
	}
	p.releaseLock(ctx, msg.Job)
	return true
}

func (p *Processor) releaseLock(ctx context.Context, job *redis.JobMessage) {
	if p.locks == nil || job.LockToken == "" {
		return
	}
	key := job.LockKey
	if key == "" {
		key = job.ExecutionName
	}
	if err := p.locks.Release(context.WithoutCancel(ctx), key, job.LockToken); err != nil && !errors.Is(err, redis.ErrLockNotHeld) {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to release lock for %s", job.ExecutionName)
	}
}
