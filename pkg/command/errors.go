package command

import (
	"fmt"
	"strings"
)

// ExternalCommandError reports a process that exited non-zero or could not
// be started. It is never retried by the Runner.
type ExternalCommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExternalCommandError) Error() string {
	name := strings.Join(e.Args, " ")
	if e.Err != nil {
		return fmt.Sprintf("command %q failed: %v", name, e.Err)
	}
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("command %q exited with code %d", name, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", name, e.ExitCode, stderr)
}

func (e *ExternalCommandError) Unwrap() error { return e.Err }

// RenderError reports arguments that reference facts the scenario does not
// have. Nothing was executed; retrying cannot help.
type RenderError struct {
	Args []string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render command %q: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
