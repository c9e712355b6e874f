package cluster

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/loykin/kmsconverge/pkg/command"
	"github.com/loykin/kmsconverge/pkg/extract"
)

func TestUniqueString(t *testing.T) {
	re := regexp.MustCompile(`^[a-z0-9]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := UniqueString()
		if !re.MatchString(s) {
			t.Fatalf("unexpected format %q", s)
		}
		if seen[s] {
			t.Fatalf("duplicate unique string %q", s)
		}
		seen[s] = true
	}
}

func TestUniqueStringDeterministic(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	a := uniqueStringFrom(id, 1700000000000000000, 4242)
	b := uniqueStringFrom(id, 1700000000000000000, 4242)
	c := uniqueStringFrom(id, 1700000000000000001, 4242)
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
	if a == c {
		t.Fatalf("different timestamps produced the same string")
	}
}

func TestDeploymentName(t *testing.T) {
	if n := DeploymentName(); !strings.HasPrefix(n, "kms-") || len(n) != len("kms-")+12 {
		t.Fatalf("unexpected deployment name %q", n)
	}
}

func TestNodeNameFromURL(t *testing.T) {
	tests := map[string]string{
		"kms-node-abc123.eastus.example.com":         "kms-node",
		"https://kms-node-abc123.eastus.example.com": "kms-node",
		"node-0-x1.azurecontainer.io:443":            "node-0",
		"single":                                     "",
		"a-b":                                        "a",
	}
	for in, want := range tests {
		if got := NodeNameFromURL(in); got != want {
			t.Errorf("NodeNameFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNonPrimary(t *testing.T) {
	nodes := []string{"n0-a.example.com", "n1-b.example.com"}
	got, ok := NonPrimary(nodes, "https://n0-a.example.com")
	if !ok || got != "n1-b.example.com" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := NonPrimary(nodes[:1], "https://n0-a.example.com/"); ok {
		t.Fatalf("single primary node should not match")
	}
}

func fakeRunner(stdout string, record *[]string) *command.Runner {
	return &command.Runner{Executor: command.ExecutorFunc(func(_ context.Context, args []string, _ string, _ []string, out, _ io.Writer) (int, error) {
		*record = append(*record, strings.Join(args, " "))
		_, _ = io.WriteString(out, stdout)
		return 0, nil
	})}
}

func TestScale(t *testing.T) {
	var calls []string
	c := New(fakeRunner("Scaling to 3 nodes\n{\"nodes\":[\"n0-a.x\",\"n1-b.x\",\"n2-c.x\"]}\n", &calls))
	res, err := c.Scale(context.Background(), 3)
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if len(res.Nodes) != 3 || res.Nodes[2] != "n2-c.x" {
		t.Fatalf("unexpected nodes %v", res.Nodes)
	}
	if calls[0] != DefaultScaleScript+" -n 3" {
		t.Fatalf("unexpected command %q", calls[0])
	}
}

func TestScale_ObjectNodes(t *testing.T) {
	var calls []string
	c := New(fakeRunner(`{"nodes":[{"url":"n0-a.x"},{"url":"n1-b.x"}]}`, &calls))
	res, err := c.Scale(context.Background(), 2)
	if err != nil || res.Nodes[1] != "n1-b.x" {
		t.Fatalf("unexpected result %v err=%v", res, err)
	}
}

func TestScale_Mismatch(t *testing.T) {
	var calls []string
	c := New(fakeRunner(`{"nodes":["n0-a.x"]}`, &calls))
	_, err := c.Scale(context.Background(), 3)
	var mErr *ScaleMismatchError
	if !errors.As(err, &mErr) || mErr.Requested != 3 {
		t.Fatalf("expected ScaleMismatchError, got %v", err)
	}
}

func TestScale_Malformed(t *testing.T) {
	var calls []string
	for _, out := range []string{"no json", `{"count":3}`} {
		_, err := New(fakeRunner(out, &calls)).Scale(context.Background(), 3)
		var mErr *extract.MalformedOutputError
		if !errors.As(err, &mErr) {
			t.Fatalf("output %q: expected MalformedOutputError, got %v", out, err)
		}
	}
}

func TestStopNode(t *testing.T) {
	var calls []string
	c := New(fakeRunner("", &calls))
	name, err := c.StopNodeByURL(context.Background(), "kms-node-abc123.eastus.example.com")
	if err != nil || name != "kms-node" {
		t.Fatalf("unexpected name=%q err=%v", name, err)
	}
	want := "az container stop --name kms-node --resource-group azure-key-management-service"
	if calls[0] != want {
		t.Fatalf("got %q want %q", calls[0], want)
	}
	if err := c.StopNode(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestResources(t *testing.T) {
	n := Network("", 10)
	if strings.Join(n.Up.Args, " ") != "scripts/ccf/sandbox_local/up.sh --force-recreate" ||
		strings.Join(n.Down.Args, " ") != "scripts/ccf/sandbox_local/down.sh" || n.Attempts != 10 {
		t.Fatalf("unexpected network resource %+v", n)
	}
	o := Orchestrator("")
	if strings.Join(o.Up.Args, " ") != "docker compose -f "+DefaultComposeFile+" up ccf-orchestrator --wait --build" {
		t.Fatalf("unexpected up %v", o.Up.Args)
	}
	if strings.Join(o.Down.Args, " ") != "docker compose -f "+DefaultComposeFile+" down ccf-orchestrator --remove-orphans" {
		t.Fatalf("unexpected down %v", o.Down.Args)
	}
}
