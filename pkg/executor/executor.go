package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/codemug/certgate/pkg/jobs"
	"github.com/golang/glog"
)

// Executor runs a single certificate job. It owns the job directory from
// creation until Run returns.
type Executor struct {
	Root        string
	Script      string
	Interpreter string
	Timeout     time.Duration
	MaxOutput   int
	Tracker     *jobs.Tracker
}

func (e *Executor) Run(ctx context.Context, id string, request jobs.Request) ([]jobs.Artifact, error) {
	e.Tracker.MarkRunning(id)
	defer e.Tracker.Release(id)

	// The script runs from its own directory, so every path handed to it
	// must not depend on our working directory.
	root, err := filepath.Abs(e.Root)
	if err != nil {
		return nil, &jobs.ExecutionError{Reason: "could not resolve job root", Err: err}
	}
	dir := filepath.Join(root, id)
	glog.Infof("starting certificate job %s", id)
	glog.V(2).Infof("job %s request: %+v", id, request)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		glog.Error(err)
		return nil, &jobs.ExecutionError{Reason: "could not create job directory", Err: err}
	}

	files, err := e.generate(ctx, id, dir, request)
	if err != nil {
		glog.Errorf("certificate job %s failed: %v", id, err)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			glog.Errorf("failed to remove job directory %s: %v", dir, rmErr)
		}
		return nil, err
	}
	glog.Infof("certificate job %s finished with %d files", id, len(files))
	return files, nil
}

func (e *Executor) generate(ctx context.Context, id, dir string, request jobs.Request) ([]jobs.Artifact, error) {
	script, err := filepath.Abs(e.Script)
	if err != nil {
		return nil, &jobs.ExecutionError{Reason: "could not resolve script path", Err: err}
	}
	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	args := append([]string{script}, Args(request, dir)...)
	glog.V(2).Infof("job %s executing: %s %v", id, e.Interpreter, args)
	command := exec.CommandContext(execCtx, e.Interpreter, args...)
	command.Dir = filepath.Dir(script)
	command.WaitDelay = time.Second

	out := newCapture(e.MaxOutput, cancel)
	command.Stdout = out.stdoutWriter()
	command.Stderr = out.stderrWriter()

	err = command.Run()
	stdout, stderr := out.stdout.String(), out.stderr.String()
	switch {
	case out.overflowed():
		return nil, &jobs.ExecutionError{
			Reason: fmt.Sprintf("output exceeded %d bytes", e.MaxOutput),
			Output: out.String(),
		}
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return nil, &jobs.ExecutionError{
			Reason: fmt.Sprintf("timed out after %s", e.Timeout),
			Output: out.String(),
			Err:    execCtx.Err(),
		}
	case ctx.Err() != nil:
		return nil, &jobs.ExecutionError{Reason: "cancelled", Output: out.String(), Err: ctx.Err()}
	case err != nil:
		execErr := &jobs.ExecutionError{Reason: "script returned an error", ExitCode: -1, Output: out.String(), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		glog.Errorf("job %s stderr: %s", id, stderr)
		return nil, execErr
	}

	if stderr != "" {
		glog.Warningf("job %s script warnings: %s", id, stderr)
	}
	glog.V(2).Infof("job %s script output: %s", id, stdout)
	return Validate(dir)
}
