package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// Admission rejections.
var (
	ErrRateLimited    = errors.New("too many requests, please retry later")
	ErrBusy           = errors.New("system busy, please retry later")
	ErrQueueTimeout   = errors.New("request timed out waiting in queue, please retry")
	ErrInvalidRequest = errors.New("invalid request")
	ErrShuttingDown   = errors.New("server is shutting down")
)

// Delivery rejections.
var (
	ErrInvalidID       = errors.New("invalid certificate id")
	ErrStillProcessing = errors.New("certificate is still being generated, please retry later")
	ErrNotFound        = errors.New("certificate does not exist or has expired")
	ErrNoArtifacts     = errors.New("certificate files are missing or damaged")
)

// ExecutionError is returned when the generator could not be run to a clean
// exit: directory creation failure, nonzero exit, timeout or output overrun.
type ExecutionError struct {
	Reason   string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return "script execution failed: " + e.Reason
	}
	return fmt.Sprintf("script execution failed: %s: %v", e.Reason, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ValidationError is returned when the generator exited cleanly but did not
// produce the required files.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) == 0 {
		return "no certificate files were generated"
	}
	return "required certificate files were not generated: " + strings.Join(e.Missing, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrNoArtifacts
}
