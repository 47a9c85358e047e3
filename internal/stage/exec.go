package stage

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandResult is the outcome of one external generator process.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// StderrTail returns the last few lines of stderr for error messages.
func (r CommandResult) StderrTail() string {
	lines := strings.Split(strings.TrimSpace(r.Stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}

// CommandRunner abstracts process execution so adapters can be tested
// without python or the model checkpoints installed.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (CommandResult, error)
}

// ExecRunner executes commands via os/exec.
type ExecRunner struct{}

// Run executes one command and captures stdout/stderr and exit code. The
// context kills the process when a stage deadline expires.
func (r *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		// Surface the deadline rather than the SIGKILL it caused
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, err
	}
	return result, nil
}
