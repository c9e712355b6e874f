package command

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loykin/kmsconverge/pkg/env"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunner_MergesTrailingFacts(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "up.sh", `echo "deploying $DEPLOYMENT_NAME"
echo '{"KMS_URL":"https://kms.local","WORKSPACE":"/ws"}'
`)
	facts := env.FromMap(map[string]string{"DEPLOYMENT_NAME": "kms-abc"})
	r := NewRunner(dir, facts)

	res, err := r.Run(context.Background(), Command{Args: []string{script}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.HasJSON || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Stdout, "deploying kms-abc") {
		t.Fatalf("facts were not exported to the process: %q", res.Stdout)
	}
	if facts.Get("KMS_URL") != "https://kms.local" || facts.Get("WORKSPACE") != "/ws" {
		t.Fatalf("facts not merged: %v", facts.Snapshot())
	}
	if len(res.Merged) != 2 {
		t.Fatalf("expected 2 merged facts, got %v", res.Merged)
	}
}

func TestRunner_LaterCommandOverridesFacts(t *testing.T) {
	dir := t.TempDir()
	first := writeScript(t, dir, "first.sh", `echo '{"KMS_URL":"https://first"}'`)
	second := writeScript(t, dir, "second.sh", `echo "KMS_URL was $KMS_URL"; echo '{"KMS_URL":"https://second"}'`)
	r := NewRunner(dir, nil)

	if _, err := r.RunArgs(context.Background(), first); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := r.RunArgs(context.Background(), second)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !strings.Contains(res.Stdout, "KMS_URL was https://first") {
		t.Fatalf("later command did not see earlier fact: %q", res.Stdout)
	}
	if r.Facts.Get("KMS_URL") != "https://second" {
		t.Fatalf("expected last write to win, got %q", r.Facts.Get("KMS_URL"))
	}
}

func TestRunner_NonFlatJSONIsNotMerged(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "scale.sh", `echo '{"nodes":["https://a","https://b"]}'`)
	r := NewRunner(dir, nil)
	res, err := r.RunArgs(context.Background(), script)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.HasJSON || len(res.JSON.Get("nodes").Array()) != 2 {
		t.Fatalf("expected nodes array, got %s", res.JSON.Raw)
	}
	if len(r.Facts.Keys()) != 0 || res.Merged != nil {
		t.Fatalf("nested JSON must not be merged: %v", r.Facts.Snapshot())
	}
	var out struct{ Nodes []string }
	if err := res.Decode(&out); err != nil || len(out.Nodes) != 2 {
		t.Fatalf("decode: %v %v", out, err)
	}
}

func TestRunner_NoMerge(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "show.sh", `echo '{"status":"Ok"}'`)
	r := NewRunner(dir, nil)
	if _, err := r.Run(context.Background(), Command{Args: []string{script}, NoMerge: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := r.Facts.Lookup("status"); ok {
		t.Fatalf("NoMerge should not merge facts")
	}
}

func TestRunner_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "fail.sh", `echo '{"KMS_URL":"https://bad"}'; echo "quota exceeded" >&2; exit 3`)
	r := NewRunner(dir, nil)
	_, err := r.RunArgs(context.Background(), script)
	var cmdErr *ExternalCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected ExternalCommandError, got %T %v", err, err)
	}
	if cmdErr.ExitCode != 3 || !strings.Contains(cmdErr.Stderr, "quota exceeded") {
		t.Fatalf("unexpected error %+v", cmdErr)
	}
	if _, ok := r.Facts.Lookup("KMS_URL"); ok {
		t.Fatalf("failed command must not merge facts")
	}
}

func TestRunner_MissingBinary(t *testing.T) {
	r := NewRunner(t.TempDir(), nil)
	_, err := r.RunArgs(context.Background(), "/nonexistent/kmsconverge-script.sh")
	var cmdErr *ExternalCommandError
	if !errors.As(err, &cmdErr) || cmdErr.Err == nil {
		t.Fatalf("expected start error, got %v", err)
	}
}

func TestRunner_RenderArgsAndOverrides(t *testing.T) {
	var gotArgs []string
	var gotEnv []string
	exec := ExecutorFunc(func(_ context.Context, args []string, _ string, environ []string, stdout, _ io.Writer) (int, error) {
		gotArgs = args
		gotEnv = environ
		_, _ = stdout.Write([]byte("ok\n"))
		return 0, nil
	})
	facts := env.FromMap(map[string]string{"DEPLOYMENT_NAME": "kms-xyz", "REGION": "eastus"})
	r := &Runner{Facts: facts, Executor: exec}

	_, err := r.Run(context.Background(), Command{
		Args: []string{"az", "--name", "{{.DEPLOYMENT_NAME}}", "--provider-client", "{{.DEPLOYMENT_NAME}}-provider"},
		Env:  map[string]string{"REGION": "westus"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.Join(gotArgs, " ") != "az --name kms-xyz --provider-client kms-xyz-provider" {
		t.Fatalf("unexpected args %v", gotArgs)
	}
	found := false
	for _, kv := range gotEnv {
		if kv == "REGION=westus" {
			found = true
		}
		if kv == "REGION=eastus" {
			t.Fatalf("override should replace fact")
		}
	}
	if !found {
		t.Fatalf("override missing from environment")
	}

	_, err = r.Run(context.Background(), Command{Args: []string{"{{.MISSING}}"}})
	var rerr *RenderError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RenderError, got %T %v", err, err)
	}
	if _, err := r.Run(context.Background(), Command{}); err == nil {
		t.Fatalf("expected error for empty args")
	}
}

func TestRunner_EchoesOutputUnlessQuiet(t *testing.T) {
	var live bytes.Buffer
	exec := ExecutorFunc(func(_ context.Context, _ []string, _ string, _ []string, stdout, _ io.Writer) (int, error) {
		_, _ = stdout.Write([]byte("progress\n"))
		return 0, nil
	})
	r := &Runner{Executor: exec, Stdout: &live}
	if _, err := r.RunArgs(context.Background(), "x"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if live.String() != "progress\n" {
		t.Fatalf("expected live output, got %q", live.String())
	}
	live.Reset()
	if _, err := r.Run(context.Background(), Command{Args: []string{"x"}, Quiet: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if live.Len() != 0 {
		t.Fatalf("quiet command echoed output")
	}
}

func TestRunner_DirResolution(t *testing.T) {
	r := &Runner{Dir: "/repo"}
	if got := r.dir(Command{}); got != "/repo" {
		t.Fatalf("got %q", got)
	}
	if got := r.dir(Command{Dir: "scripts"}); got != filepath.Join("/repo", "scripts") {
		t.Fatalf("got %q", got)
	}
	if got := r.dir(Command{Dir: "/abs"}); got != "/abs" {
		t.Fatalf("got %q", got)
	}
}
