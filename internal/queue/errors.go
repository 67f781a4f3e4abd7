package queue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrInvalidConfig     = errors.New("invalid queue config")
	ErrQueueClosed       = errors.New("queue is closed")
	ErrTaskNotFound      = errors.New("task not found")
	ErrNotCancellable    = errors.New("task is not queued")
	ErrAlreadyRunning    = errors.New("queue is already running")
)

// WorkError is one failed execution of a task's work.
type WorkError struct {
	Attempt int
	Err     error
}

func (e *WorkError) Error() string {
	return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
}

func (e *WorkError) Unwrap() error { return e.Err }
