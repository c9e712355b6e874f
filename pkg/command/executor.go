package command

import (
	"context"
	"errors"
	"io"
	"os/exec"
)

// Executor starts a process and waits for it. It returns the exit code; err
// is set only when the process could not be run at all.
type Executor interface {
	Exec(ctx context.Context, args []string, dir string, environ []string, stdout, stderr io.Writer) (int, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, args []string, dir string, environ []string, stdout, stderr io.Writer) (int, error)

func (f ExecutorFunc) Exec(ctx context.Context, args []string, dir string, environ []string, stdout, stderr io.Writer) (int, error) {
	return f(ctx, args, dir, environ, stdout, stderr)
}

// OSExecutor runs commands with os/exec.
type OSExecutor struct{}

func (OSExecutor) Exec(ctx context.Context, args []string, dir string, environ []string, stdout, stderr io.Writer) (int, error) {
	if len(args) == 0 {
		return -1, errors.New("missing command argv")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec G204 -- harness runs configured scripts
	cmd.Dir = dir
	cmd.Env = environ
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if ctx.Err() != nil {
				return ee.ExitCode(), ctx.Err()
			}
			return ee.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}
