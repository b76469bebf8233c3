// Package workflow runs the batch pipeline as an explicit state machine:
// load departments, jobs and hired employees, validate, then merge.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	etlerrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/merge"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultTimeout = 10 * time.Minute

type LoadMode string

const (
	LoadSequential LoadMode = "sequential"
	LoadConcurrent LoadMode = "concurrent"
)

type Config struct {
	Domain  string
	Timeout time.Duration
	Mode    LoadMode
	// RequireStagedRows fails validation when nothing was staged.
	RequireStagedRows bool
	// FailOnDegraded fails validation when any load skipped a file.
	FailOnDegraded bool
}

type DatasetLoader interface {
	LoadDataset(ctx context.Context, domain string, dataset models.Dataset) (*loader.LoadResult, error)
}

type Merger interface {
	Merge(ctx context.Context) (*merge.Result, error)
	StagedCounts(ctx context.Context) (map[models.Dataset]int64, error)
}

type ExecutionStore interface {
	Create(ctx context.Context, execution *models.WorkflowExecution) error
	UpdateState(ctx context.Context, id uuid.UUID, state models.WorkflowState, errorMsg *string) error
	AddStep(ctx context.Context, step *models.StepResult) error
}

// EventPublisher receives best-effort lifecycle events.
type EventPublisher interface {
	ExecutionStarted(ctx context.Context, execution *models.WorkflowExecution) error
	ExecutionCompleted(ctx context.Context, execution *models.WorkflowExecution) error
	StepCompleted(ctx context.Context, execution *models.WorkflowExecution, step *models.StepResult) error
}

type Orchestrator struct {
	loader DatasetLoader
	merger Merger
	store  ExecutionStore
	events EventPublisher
	config Config
	logger ectologger.Logger
}

// NewOrchestrator creates an orchestrator. events may be nil.
func NewOrchestrator(loader DatasetLoader, merger Merger, store ExecutionStore, events EventPublisher, config Config, logger ectologger.Logger) *Orchestrator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Mode == "" {
		config.Mode = LoadSequential
	}
	return &Orchestrator{
		loader: loader,
		merger: merger,
		store:  store,
		events: events,
		config: config,
		logger: logger,
	}
}

// Run executes the pipeline once under name and returns the execution in its
// terminal state. The error is non-nil unless the execution succeeded.
func (o *Orchestrator) Run(ctx context.Context, name string) (*models.WorkflowExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.Orchestrator.Run")
	defer span.End()

	start := time.Now()
	execution := &models.WorkflowExecution{
		ID:    uuid.New(),
		Name:  name,
		State: models.WorkflowStatePending,
	}
	ctx = appctx.SetExecution(ctx, name, execution.ID.String())

	if err := o.store.Create(ctx, execution); err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("Failed to create execution record")
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}

	ec := NewExecutionContext(execution)
	o.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_name": name,
		"mode":           o.config.Mode,
		"timeout":        o.config.Timeout.String(),
	}).Info("Starting workflow execution")

	if o.events != nil {
		_ = o.events.ExecutionStarted(ctx, execution)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	runErr := o.execute(runCtx, ec)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = &etlerrors.WorkflowTimeout{Execution: name, Limit: o.config.Timeout, Cause: runErr}
	}

	o.finish(context.WithoutCancel(ctx), ec, runErr, start)
	return execution, runErr
}

func (o *Orchestrator) execute(ctx context.Context, ec *ExecutionContext) error {
	var err error
	if o.config.Mode == LoadConcurrent {
		err = o.loadConcurrent(ctx, ec)
	} else {
		err = o.loadSequential(ctx, ec)
	}
	if err != nil {
		return err
	}

	if err := o.validate(ctx, ec); err != nil {
		return err
	}

	return o.merge(ctx, ec)
}

func (o *Orchestrator) finish(ctx context.Context, ec *ExecutionContext, runErr error, start time.Time) {
	execution := ec.Execution

	terminal := models.WorkflowStateSucceeded
	var errorMsg *string
	if runErr != nil {
		terminal = models.WorkflowStateFailed
		var timeout *etlerrors.WorkflowTimeout
		if errors.As(runErr, &timeout) {
			terminal = models.WorkflowStateTimedOut
		}
		msg := runErr.Error()
		errorMsg = &msg
	}

	if err := ec.Machine.Transition(terminal); err != nil {
		// only reachable through a bug in execute
		o.logger.WithContext(ctx).WithError(err).Error("Illegal terminal transition")
		terminal = models.WorkflowStateFailed
		_ = ec.Machine.Transition(terminal)
	}

	if err := o.store.UpdateState(ctx, execution.ID, terminal, errorMsg); err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("Failed to persist terminal state")
	}

	completedAt := time.Now().UTC()
	execution.State = terminal
	execution.ErrorMessage = errorMsg
	execution.CompletedAt = &completedAt
	execution.Steps = ec.Steps()

	duration := time.Since(start)
	metrics.RecordWorkflowExecution(string(terminal), duration.Seconds())

	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"execution_name": execution.Name,
		"state":          terminal,
		"duration":       duration.String(),
	})
	if runErr != nil {
		log.WithError(runErr).Error("Workflow execution did not succeed")
	} else {
		log.Info("Workflow execution succeeded")
	}

	if o.events != nil {
		_ = o.events.ExecutionCompleted(ctx, execution)
	}
}

// advance moves the state machine and persists the new state.
func (o *Orchestrator) advance(ctx context.Context, ec *ExecutionContext, to models.WorkflowState) error {
	if err := ec.Machine.Transition(to); err != nil {
		return err
	}
	ec.Execution.State = to
	if ec.Execution.StartedAt == nil {
		now := time.Now().UTC()
		ec.Execution.StartedAt = &now
	}

	if err := o.store.UpdateState(ctx, ec.Execution.ID, to, nil); err != nil {
		return fmt.Errorf("failed to persist state %s: %w", to, err)
	}
	o.logger.WithContext(ctx).WithField("state", to).Debug("Workflow state changed")
	return nil
}

func (o *Orchestrator) loadSequential(ctx context.Context, ec *ExecutionContext) error {
	for _, dataset := range models.Datasets {
		if err := o.advance(ctx, ec, models.LoadingState(dataset)); err != nil {
			return err
		}
		if err := o.loadDataset(ctx, ec, dataset); err != nil {
			return err
		}
	}
	return nil
}

// loadConcurrent starts every loader at once. The loading states still advance
// in order, one per completed load, so validation stays behind all three.
func (o *Orchestrator) loadConcurrent(ctx context.Context, ec *ExecutionContext) error {
	if err := o.advance(ctx, ec, models.LoadingState(models.Datasets[0])); err != nil {
		return err
	}

	var mu sync.Mutex
	completed := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, dataset := range models.Datasets {
		g.Go(func() error {
			if err := o.loadDataset(gctx, ec, dataset); err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			completed++
			if completed < len(models.Datasets) {
				return o.advance(gctx, ec, models.LoadingState(models.Datasets[completed]))
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) loadDataset(ctx context.Context, ec *ExecutionContext, dataset models.Dataset) error {
	ctx = appctx.SetStage(ctx, string(models.LoadingState(dataset)))
	started := time.Now()

	result, err := o.loader.LoadDataset(ctx, o.config.Domain, dataset)

	ds := dataset
	step := models.StepResult{
		Stage:   models.LoadingState(dataset),
		Dataset: &ds,
		Success: err == nil,
	}
	if result != nil {
		step.FilesLoaded = len(result.Loaded)
		step.FilesFailed = len(result.Failures)
		step.RowsAffected = result.Rows
		step.Failures.Data = result.FileFailures()
	}
	o.recordStep(ctx, ec, step, started, err)

	if err != nil {
		return fmt.Errorf("failed to load %s: %w", dataset, err)
	}
	if result == nil {
		result = &loader.LoadResult{Dataset: dataset}
	}
	ec.recordLoad(result)
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, ec *ExecutionContext) error {
	if err := o.advance(ctx, ec, models.WorkflowStateValidating); err != nil {
		return err
	}
	ctx = appctx.SetStage(ctx, string(models.WorkflowStateValidating))
	started := time.Now()

	var staged int64
	err := func() error {
		if !ec.LoadsComplete() {
			return &etlerrors.ValidationError{Field: "loads", Message: "not every dataset finished loading"}
		}
		if degraded := ec.Degraded(); o.config.FailOnDegraded && len(degraded) > 0 {
			return &etlerrors.ValidationError{Field: "loads", Message: fmt.Sprintf("degraded loads: %v", degraded)}
		}
		if !o.config.RequireStagedRows {
			return nil
		}

		counts, err := o.merger.StagedCounts(ctx)
		if err != nil {
			return err
		}
		for _, count := range counts {
			staged += count
		}
		if staged == 0 {
			return &etlerrors.ValidationError{Field: "staging", Message: "no rows staged"}
		}
		return nil
	}()

	o.recordStep(ctx, ec, models.StepResult{
		Stage:        models.WorkflowStateValidating,
		Success:      err == nil,
		RowsAffected: staged,
	}, started, err)
	return err
}

func (o *Orchestrator) merge(ctx context.Context, ec *ExecutionContext) error {
	if err := o.advance(ctx, ec, models.WorkflowStateMerging); err != nil {
		return err
	}
	ctx = appctx.SetStage(ctx, string(models.WorkflowStateMerging))
	started := time.Now()

	result, err := o.merger.Merge(ctx)
	step := models.StepResult{Stage: models.WorkflowStateMerging, Success: err == nil}
	if result != nil {
		ec.Merge = result
		step.RowsAffected = result.Total()
	}
	o.recordStep(ctx, ec, step, started, err)
	return err
}

// recordStep persists a step result. Persistence and event failures are logged
// and never fail the run.
func (o *Orchestrator) recordStep(ctx context.Context, ec *ExecutionContext, step models.StepResult, started time.Time, stepErr error) {
	step.StartedAt = started.UTC()
	step.CompletedAt = time.Now().UTC()
	if stepErr != nil {
		msg := stepErr.Error()
		step.Error = &msg
	}
	step = ec.addStep(step)

	metrics.RecordStage(string(step.Stage), step.Success, step.CompletedAt.Sub(step.StartedAt).Seconds())

	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.AddStep(persistCtx, &step); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("stage", step.Stage).Warn("Failed to persist step result")
	}
	if o.events != nil {
		_ = o.events.StepCompleted(persistCtx, ec.Execution, &step)
	}
}
