// Package command runs the external scripts and CLIs a scenario is built
// from, and feeds the JSON facts they print back into the scenario.
package command

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"time"

	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/pkg/env"
	"github.com/loykin/kmsconverge/pkg/extract"
	"github.com/tidwall/gjson"
)

// Command is one external process invocation. Args may reference facts with
// Go template syntax, e.g. "--name={{.DEPLOYMENT_NAME}}".
type Command struct {
	Args []string
	// Dir overrides Runner.Dir; relative paths are resolved against it.
	Dir string
	// Env overrides both the parent environment and the facts.
	Env map[string]string
	// Quiet suppresses echoing output to Runner.Stdout.
	Quiet bool
	// NoMerge skips merging emitted facts.
	NoMerge bool
}

// Result is the outcome of a successful invocation.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	JSON     gjson.Result
	HasJSON  bool
	// Merged holds the facts merged from JSON, if any.
	Merged   map[string]string
	Duration time.Duration
}

// Decode unmarshals the trailing JSON object into v.
func (r *Result) Decode(v any) error {
	return extract.Decode(r.Stdout, v)
}

// Runner executes commands with the facts of one scenario.
type Runner struct {
	Dir      string
	Facts    *env.Facts
	Logger   *common.Logger
	Stdout   io.Writer
	Executor Executor
}

// NewRunner returns a Runner rooted at dir.
func NewRunner(dir string, facts *env.Facts) *Runner {
	if facts == nil {
		facts = env.New()
	}
	return &Runner{Dir: dir, Facts: facts}
}

func (r *Runner) logger() *common.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return common.GetLogger().WithComponent("command")
}

func (r *Runner) executor() Executor {
	if r.Executor != nil {
		return r.Executor
	}
	return OSExecutor{}
}

func (r *Runner) dir(c Command) string {
	switch {
	case c.Dir == "":
		return r.Dir
	case filepath.IsAbs(c.Dir) || r.Dir == "":
		return c.Dir
	default:
		return filepath.Join(r.Dir, c.Dir)
	}
}

// Run executes c and waits for it. Arguments that fail to render return
// *RenderError; a non-zero exit returns *ExternalCommandError. On success, a trailing JSON object that is a flat
// string map is merged into the facts, overriding earlier values.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, &ExternalCommandError{ExitCode: -1, Err: errors.New("missing command argv")}
	}
	facts := r.Facts
	if facts == nil {
		facts = env.New()
		r.Facts = facts
	}
	args, err := facts.RenderAll(c.Args)
	if err != nil {
		return nil, &RenderError{Args: c.Args, Err: err}
	}

	log := r.logger().WithCommand(args)
	log.Debug("running command", "args", log.Masked(joinArgs(args)), "dir", r.dir(c))

	var stdout, stderr bytes.Buffer
	var outW, errW io.Writer = &stdout, &stderr
	if r.Stdout != nil && !c.Quiet {
		outW = io.MultiWriter(&stdout, r.Stdout)
		errW = io.MultiWriter(&stderr, r.Stdout)
	}

	start := time.Now()
	code, err := r.executor().Exec(ctx, args, r.dir(c), facts.Environ(c.Env), outW, errW)
	elapsed := time.Since(start)
	if err != nil || code != 0 {
		cmdErr := &ExternalCommandError{Args: args, ExitCode: code, Stderr: stderr.String(), Err: err}
		log.Warn("command failed", "exit_code", code, "duration", elapsed, "stderr", log.Masked(tailString(stderr.String(), 512)))
		return nil, cmdErr
	}

	res := &Result{
		Args:     args,
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}
	res.JSON, res.HasJSON = extract.ExtractTrailingJSON(res.Stdout)
	if res.HasJSON && !c.NoMerge {
		if kv, ok := extract.StringMap(res.JSON); ok && len(kv) > 0 {
			if err := facts.Merge(kv); err != nil {
				return res, err
			}
			res.Merged = kv
			log.Debug("merged facts", "facts", common.GetGlobalMasker().MaskStringMap(kv))
		}
	}
	log.Info("command finished", "duration", elapsed, "json", res.HasJSON, "merged", len(res.Merged))
	return res, nil
}

// RunArgs is Run with only arguments.
func (r *Runner) RunArgs(ctx context.Context, args ...string) (*Result, error) {
	return r.Run(ctx, Command{Args: args})
}

func joinArgs(args []string) string {
	var b bytes.Buffer
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(a)
	}
	return b.String()
}

func tailString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
