package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/merge"
	"github.com/Ramsey-B/fern/pkg/models"
)

const executionLabel = "BatchHRPipeline"

// NewExecutionName builds a time-ordered execution name. Names created within
// the same millisecond collide; the trigger lock rejects the second one.
func NewExecutionName(now time.Time) string {
	return fmt.Sprintf("ExecutionTimestamp=%d-%s", now.UnixMilli(), executionLabel)
}

// ExecutionContext is the state of one run, handed from stage to stage.
type ExecutionContext struct {
	Execution *models.WorkflowExecution
	Machine   *StateMachine
	Merge     *merge.Result

	mu    sync.Mutex
	loads map[models.Dataset]*loader.LoadResult
	steps []models.StepResult
}

func NewExecutionContext(execution *models.WorkflowExecution) *ExecutionContext {
	return &ExecutionContext{
		Execution: execution,
		Machine:   NewStateMachine(),
		loads:     make(map[models.Dataset]*loader.LoadResult, len(models.Datasets)),
	}
}

func (c *ExecutionContext) recordLoad(result *loader.LoadResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads[result.Dataset] = result
}

// Load returns the completed load of dataset, if any.
func (c *ExecutionContext) Load(dataset models.Dataset) (*loader.LoadResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.loads[dataset]
	return result, ok
}

// LoadsComplete reports whether every dataset has a completed load.
func (c *ExecutionContext) LoadsComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dataset := range models.Datasets {
		if _, ok := c.loads[dataset]; !ok {
			return false
		}
	}
	return true
}

func (c *ExecutionContext) Degraded() []models.Dataset {
	c.mu.Lock()
	defer c.mu.Unlock()
	var degraded []models.Dataset
	for _, dataset := range models.Datasets {
		if result, ok := c.loads[dataset]; ok && result.Degraded {
			degraded = append(degraded, dataset)
		}
	}
	return degraded
}

// addStep assigns the next sequence number and keeps the step.
func (c *ExecutionContext) addStep(step models.StepResult) models.StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	step.ExecutionID = c.Execution.ID
	step.Sequence = len(c.steps) + 1
	c.steps = append(c.steps, step)
	return step
}

func (c *ExecutionContext) Steps() []models.StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.StepResult(nil), c.steps...)
}
