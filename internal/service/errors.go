package service

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrTaskNotStarted = errors.New("task not started")
	ErrTaskInProgress = errors.New("task in progress")
	ErrTaskTimeout    = errors.New("task timed out")
)

// LaunchError means the task could not be started at all, e.g. the
// interpreter is missing. No process exists.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return "launching " + e.Path + ": " + e.Err.Error()
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// TaskFailure is a task which started and exited with a nonzero code.
type TaskFailure struct {
	ExitCode int
}

func (e *TaskFailure) Error() string {
	return "task exited with code " + strconv.Itoa(e.ExitCode)
}

// LoopFault is an unexpected error or panic inside the supervisor loop
// itself. Stack is set for recovered panics.
type LoopFault struct {
	Value any
	Stack []byte
}

func (e *LoopFault) Error() string {
	return fmt.Sprintf("supervisor loop fault: %v", e.Value)
}

func (e *LoopFault) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
