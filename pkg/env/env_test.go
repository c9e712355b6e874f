package env

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestFacts_Lookup(t *testing.T) {
	f := New()
	_ = f.Set("FOO", "bar")
	if v, ok := f.Lookup("FOO"); !ok || v != "bar" {
		t.Fatalf("expected FOO=bar, got ok=%v v=%q", ok, v)
	}
	if _, ok := f.Lookup("MISSING"); ok {
		t.Fatalf("expected missing key to return ok=false")
	}
}

func TestFacts_LocalOverridesGlobal(t *testing.T) {
	f := FromMap(map[string]string{"KMS_URL": "https://global", "WORKSPACE": "/ws"})
	if err := f.Merge(map[string]string{"KMS_URL": "https://local"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := f.Get("KMS_URL"); got != "https://local" {
		t.Fatalf("expected local value, got %q", got)
	}
	snap := f.Snapshot()
	if snap["WORKSPACE"] != "/ws" || snap["KMS_URL"] != "https://local" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}

func TestFacts_MergeLastWriteWins(t *testing.T) {
	f := New()
	_ = f.Merge(map[string]string{"A": "1", "B": "1"})
	_ = f.Merge(map[string]string{"B": "2"})
	if f.Get("A") != "1" || f.Get("B") != "2" {
		t.Fatalf("unexpected facts: %v", f.Snapshot())
	}
}

func TestFacts_Sealed(t *testing.T) {
	f := New()
	f.Seal()
	if err := f.Set("A", "1"); err == nil {
		t.Fatalf("expected error on sealed facts")
	}
	f.Unseal()
	if err := f.Set("A", "1"); err != nil {
		t.Fatalf("unexpected error after unseal: %v", err)
	}
}

func TestFacts_CloneIsIndependent(t *testing.T) {
	f := FromMap(map[string]string{"G": "g"})
	_ = f.Set("L", "l")
	c := f.Clone()
	_ = c.Set("L", "changed")
	if f.Get("L") != "l" {
		t.Fatalf("clone mutated original: %q", f.Get("L"))
	}
	if c.Get("G") != "g" {
		t.Fatalf("clone lost global value")
	}
}

func TestFacts_Reset(t *testing.T) {
	f := FromMap(map[string]string{"G": "g"})
	_ = f.Set("L", "l")
	f.Reset()
	if _, ok := f.Lookup("L"); ok {
		t.Fatalf("expected local value to be discarded")
	}
	if f.Get("G") != "g" {
		t.Fatalf("expected global value to survive reset")
	}
}

func TestFacts_Keys(t *testing.T) {
	f := FromMap(map[string]string{"B": "1"})
	_ = f.Merge(map[string]string{"A": "1", "B": "2"})
	keys := f.Keys()
	if strings.Join(keys, ",") != "A,B" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestFacts_Render(t *testing.T) {
	f := FromMap(map[string]string{"DEPLOYMENT_NAME": "kms-abc"})
	out, err := f.Render("--name {{.DEPLOYMENT_NAME}}-provider")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "--name kms-abc-provider" {
		t.Fatalf("unexpected render: %q", out)
	}
	out, err = f.Render("{{.env.DEPLOYMENT_NAME}}")
	if err != nil || out != "kms-abc" {
		t.Fatalf("expected grouped access, got %q err=%v", out, err)
	}
	if _, err := f.Render("{{.MISSING}}"); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if got := f.RenderOr("hello {{.MISSING}}"); got != "hello {{.MISSING}}" {
		t.Fatalf("expected unchanged when missing key, got %q", got)
	}
	if got, _ := f.Render("plain"); got != "plain" {
		t.Fatalf("plain string should pass through, got %q", got)
	}
}

func TestFacts_RenderAll(t *testing.T) {
	f := FromMap(map[string]string{"N": "3"})
	out, err := f.RenderAll([]string{"scale.sh", "-n", "{{.N}}"})
	if err != nil {
		t.Fatalf("render all: %v", err)
	}
	if out[2] != "3" {
		t.Fatalf("unexpected args: %v", out)
	}
	if _, err := f.RenderAll([]string{"{{.NOPE}}"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFacts_Environ(t *testing.T) {
	t.Setenv("KMSCONVERGE_TEST_VAR", "parent")
	f := FromMap(map[string]string{"KMSCONVERGE_TEST_VAR": "facts", "ONLY_FACT": "x"})
	env := f.Environ(map[string]string{"ONLY_FACT": "override"})
	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "KMSCONVERGE_TEST_VAR=") {
			count++
			if kv != "KMSCONVERGE_TEST_VAR=facts" {
				t.Fatalf("expected facts to win over parent env, got %q", kv)
			}
		}
		if strings.HasPrefix(kv, "ONLY_FACT=") && kv != "ONLY_FACT=override" {
			t.Fatalf("expected override to win, got %q", kv)
		}
	}
	if count != 1 {
		t.Fatalf("expected key once, got %d", count)
	}
}

func TestFacts_SetLazy(t *testing.T) {
	f := New()
	calls := 0
	_ = f.SetLazy("TOKEN", func(*Facts) (string, error) {
		calls++
		return "tok", nil
	})
	if calls != 0 {
		t.Fatalf("resolver should not run before use")
	}
	if f.Get("TOKEN") != "tok" || f.Get("TOKEN") != "tok" {
		t.Fatalf("unexpected lazy value")
	}
	if calls != 1 {
		t.Fatalf("expected resolver once, got %d", calls)
	}
}

func TestVarLazy_Error(t *testing.T) {
	f := New()
	l := f.MakeLazy(func(*Facts) (string, error) { return "", errors.New("boom") })
	v, err := l.Value()
	if err == nil || v != "" {
		t.Fatalf("expected error, got v=%q err=%v", v, err)
	}
}

func TestFacts_ConcurrentMerge(t *testing.T) {
	f := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.Merge(map[string]string{"K": "v"})
			_ = f.Snapshot()
		}()
	}
	wg.Wait()
	if f.Get("K") != "v" {
		t.Fatalf("unexpected value")
	}
}
