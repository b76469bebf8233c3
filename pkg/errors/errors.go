// Package etlerrors holds the typed failures raised by the pipeline stages.
// Every type wraps its cause so errors.Is and errors.As see through it.
package etlerrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
)

// TransientIOError is a listing or transport failure the caller may retry.
type TransientIOError struct {
	Op    string
	Cause error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient io error during %s: %v", e.Op, e.Cause)
}

func (e *TransientIOError) Unwrap() error { return e.Cause }

// CredentialError means a secret could not be resolved. Fatal for the stage.
type CredentialError struct {
	SecretID string
	Cause    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("failed to resolve credentials %q: %v", e.SecretID, e.Cause)
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// LoadError is a single file that could not be imported or marked.
type LoadError struct {
	Dataset string
	File    string
	Cause   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s file %s: %v", e.Dataset, e.File, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// MergeError aborts the whole merge transaction.
type MergeError struct {
	Stage string
	// Code is the postgres SQLSTATE when the cause came from the server.
	Code  string
	Cause error
}

func (e *MergeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("merge failed at %s (sqlstate %s): %v", e.Stage, e.Code, e.Cause)
	}
	return fmt.Sprintf("merge failed at %s: %v", e.Stage, e.Cause)
}

func (e *MergeError) Unwrap() error { return e.Cause }

// ValidationError rejects a request or a staged batch before it is merged.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// WorkflowTimeout is returned when an execution exceeds its wall-clock ceiling.
type WorkflowTimeout struct {
	Execution string
	Limit     time.Duration
	Cause     error
}

func (e *WorkflowTimeout) Error() string {
	return fmt.Sprintf("workflow %s exceeded %s", e.Execution, e.Limit)
}

func (e *WorkflowTimeout) Unwrap() error { return e.Cause }

// TriggerError means a run could not be started.
type TriggerError struct {
	Execution string
	Cause     error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("failed to start execution %s: %v", e.Execution, e.Cause)
}

func (e *TriggerError) Unwrap() error { return e.Cause }

// FileMoveError is a failed unprocessed -> processed transition.
type FileMoveError struct {
	File  string
	Cause error
}

func (e *FileMoveError) Error() string {
	return fmt.Sprintf("failed to move %s: %v", e.File, e.Cause)
}

func (e *FileMoveError) Unwrap() error { return e.Cause }

// StatusCode maps an error onto the HTTP status the API answers with.
func StatusCode(err error) int {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest
	}
	if httperror.IsHTTPError(err) {
		return httperror.GetStatusCode(err)
	}
	return http.StatusInternalServerError
}
