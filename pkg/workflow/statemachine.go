package workflow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrInvalidTransition is returned for a move the pipeline does not allow.
var ErrInvalidTransition = errors.New("invalid workflow transition")

// transitions lists the legal successors of each non-terminal state. Loads run
// in dataset order, and merging is only reachable through validation.
var transitions = map[models.WorkflowState][]models.WorkflowState{
	models.WorkflowStatePending:            {models.WorkflowStateLoadingDepartments},
	models.WorkflowStateLoadingDepartments: {models.WorkflowStateLoadingJobs},
	models.WorkflowStateLoadingJobs:        {models.WorkflowStateLoadingEmployees},
	models.WorkflowStateLoadingEmployees:   {models.WorkflowStateValidating},
	models.WorkflowStateValidating:         {models.WorkflowStateMerging},
	models.WorkflowStateMerging:            {models.WorkflowStateSucceeded},
}

// CanTransition reports whether from -> to is legal. Any non-terminal state may
// fail or time out.
func CanTransition(from, to models.WorkflowState) bool {
	if from.Terminal() {
		return false
	}
	if to == models.WorkflowStateFailed || to == models.WorkflowStateTimedOut {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine tracks the state of one execution.
type StateMachine struct {
	mu      sync.RWMutex
	state   models.WorkflowState
	history []models.WorkflowState
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		state:   models.WorkflowStatePending,
		history: []models.WorkflowState{models.WorkflowStatePending},
	}
}

func (m *StateMachine) State() models.WorkflowState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// History returns every state visited, in order.
func (m *StateMachine) History() []models.WorkflowState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.WorkflowState(nil), m.history...)
}

func (m *StateMachine) Transition(to models.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}
