package fakeccf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/pkg/command"
	"github.com/loykin/kmsconverge/pkg/kms"
)

// Executor answers the external commands of a scenario against the
// simulated network instead of real infrastructure.
type Executor struct {
	Cluster *Cluster

	once    sync.Once
	handler http.Handler
}

var _ command.Executor = (*Executor)(nil)

// NewExecutor returns an Executor for c.
func NewExecutor(c *Cluster) *Executor {
	return &Executor{Cluster: c}
}

func (e *Executor) serve(req *http.Request) *httptest.ResponseRecorder {
	e.once.Do(func() { e.handler = e.Cluster.Handler() })
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func printJSON(w io.Writer, v interface{}) {
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintf(w, "%s\n", b)
}

func fail(w io.Writer, format string, args ...interface{}) (int, error) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
	return 1, nil
}

// Exec dispatches on the command shape.
func (e *Executor) Exec(ctx context.Context, args []string, _ string, environ []string, stdout, stderr io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if len(args) == 0 {
		return -1, fmt.Errorf("missing command argv")
	}
	base := path.Base(args[0])
	switch {
	case base == "up.sh":
		_, _ = io.WriteString(stdout, "deploying network\n")
		printJSON(stdout, map[string]string{
			constants.FactKMSURL:       e.Cluster.Deploy(),
			constants.FactKMSWorkspace: lookupEnv(environ, constants.FactWorkspace),
		})
		return 0, nil
	case base == "down.sh":
		e.Cluster.Teardown()
		return 0, nil
	case base == "scale-nodes.sh":
		return e.scale(args, stdout, stderr)
	case base == "az":
		return e.az(args, stdout, stderr)
	case base == "docker":
		return e.docker(args, stderr)
	case base == "make":
		return e.make(args, stdout, stderr)
	case strings.HasSuffix(base, ".sh") && strings.Contains(args[0], "endpoints"):
		return e.endpoint(ctx, strings.TrimSuffix(base, ".sh"), args[1:], stdout, stderr)
	default:
		return fail(stderr, "fakeccf: unsupported command %q", args[0])
	}
}

func lookupEnv(environ []string, key string) string {
	for i := len(environ) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(environ[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}

// flags parses "--key value" pairs. Every flag takes a value; values may
// themselves start with dashes, as PEM blocks do.
func flags(args []string) map[string]string {
	out := map[string]string{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			continue
		}
		k := strings.TrimLeft(a, "-")
		if i+1 < len(args) {
			out[k] = args[i+1]
			i++
			continue
		}
		out[k] = ""
	}
	return out
}

func (e *Executor) scale(args []string, stdout, stderr io.Writer) (int, error) {
	n, err := strconv.Atoi(flags(args[1:])["n"])
	if err != nil {
		return fail(stderr, "scale: -n requires a number")
	}
	urls, err := e.Cluster.Scale(n)
	if err != nil {
		return fail(stderr, "scale: %v", err)
	}
	printJSON(stdout, map[string]interface{}{"nodes": urls})
	return 0, nil
}

func (e *Executor) az(args []string, stdout, stderr io.Writer) (int, error) {
	joined := strings.Join(args, " ")
	switch {
	case strings.Contains(joined, "container stop"):
		if err := e.Cluster.StopNode(flags(args)["name"]); err != nil {
			return fail(stderr, "az: %v", err)
		}
		return 0, nil
	case strings.Contains(joined, "show-health"):
		if !e.Cluster.Deployed() {
			return fail(stderr, "az: network %s not found", flags(args)["name"])
		}
		_, _ = io.WriteString(stdout, "querying network health\n")
		printJSON(stdout, map[string]interface{}{"nodeHealth": e.Cluster.Health()})
		return 0, nil
	default:
		return fail(stderr, "az: unsupported command %q", joined)
	}
}

func (e *Executor) docker(args []string, stderr io.Writer) (int, error) {
	joined := strings.Join(args, " ")
	switch {
	case strings.Contains(joined, " up "):
		e.Cluster.SetOrchestrator(true)
	case strings.Contains(joined, " down "):
		e.Cluster.SetOrchestrator(false)
	default:
		return fail(stderr, "docker: unsupported command %q", joined)
	}
	return 0, nil
}

func makeVars(args []string) map[string]string {
	out := map[string]string{}
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok {
			out[k] = v
		}
	}
	return out
}

func (e *Executor) make(args []string, stdout, stderr io.Writer) (int, error) {
	if len(args) < 2 {
		return fail(stderr, "make: no target")
	}
	v := makeVars(args[2:])
	c := e.Cluster
	switch args[1] {
	case "js-app-set":
	case "jwt-issuer-trust":
		c.TrustJWTIssuer()
	case "release-policy-set":
		c.SetReleasePolicy(!strings.Contains(v["release-policy-proposal"], "remove"))
	case "settings-policy-set":
		b, err := os.ReadFile(v["settings-policy-proposal"]) // #nosec G304 -- path from the harness
		if err != nil {
			return fail(stderr, "make: %v", err)
		}
		var doc struct {
			Actions []struct {
				Args map[string]interface{} `json:"args"`
			} `json:"actions"`
		}
		if err := json.Unmarshal(b, &doc); err != nil || len(doc.Actions) == 0 {
			return fail(stderr, "make: invalid settings policy proposal")
		}
		c.SetSettings(doc.Actions[0].Args)
	case "constitution-set":
		p, err := c.SetConstitution(v["resolve"])
		if err != nil {
			return fail(stderr, "make: %v", err)
		}
		printJSON(stdout, p)
	case "propose":
		var doc struct {
			Actions []map[string]interface{} `json:"actions"`
		}
		b, err := os.ReadFile(v["proposal"]) // #nosec G304 -- path from the harness
		if err != nil {
			return fail(stderr, "make: %v", err)
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return fail(stderr, "make: invalid proposal: %v", err)
		}
		printJSON(stdout, c.Propose(doc.Actions))
	case "vote":
		p, err := c.Vote(v["proposal_id"], v["ballot"])
		if err != nil {
			return fail(stderr, "make: %v", err)
		}
		printJSON(stdout, p)
	case "member-create":
		c.CreateMember(v["member"])
	case "member-add":
		if err := c.AddMember(v["member"]); err != nil {
			return fail(stderr, "make: %v", err)
		}
	case "member-use":
		if err := c.UseMember(v["member"]); err != nil {
			return fail(stderr, "make: %v", err)
		}
	case "member-info":
		m, err := c.MemberInfo(v["member"])
		if err != nil {
			return fail(stderr, "make: %v", err)
		}
		printJSON(stdout, m)
	default:
		return fail(stderr, "make: no rule to make target %q", args[1])
	}
	return 0, nil
}

var postEndpoints = map[string]bool{"key": true, "unwrapKey": true, "refresh": true}

// endpoint emulates scripts/kms/endpoints/<name>.sh: the response body
// followed by a status line.
func (e *Executor) endpoint(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error) {
	f := flags(args)
	q := url.Values{}
	if kid, ok := f["kid"]; ok {
		q.Set("kid", kid)
		delete(f, "kid")
	}
	auth := f["auth"]
	delete(f, "auth")

	method := http.MethodGet
	var body io.Reader
	if postEndpoints[name] {
		method = http.MethodPost
		payload := map[string]interface{}{}
		for k, val := range f {
			var decoded interface{}
			if err := json.Unmarshal([]byte(val), &decoded); err == nil && strings.HasPrefix(strings.TrimSpace(val), "{") {
				payload[camel(k)] = decoded
				continue
			}
			payload[camel(k)] = val
		}
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	target := "/app/" + name
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req := httptest.NewRequest(method, target, body).WithContext(ctx)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch kms.AuthMode(auth) {
	case kms.AuthJWT:
		tok, _, err := kms.IssuerConfig{Secret: e.Cluster.opts.JWTSecret, Issuer: e.Cluster.opts.JWTIssuer, Subject: "fakeccf"}.Issue()
		if err != nil {
			return fail(stderr, "%s: %v", name, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	case kms.AuthMemberCert:
		req.Header.Set(MemberCertHeader, "member0")
	}
	rec := e.serve(req)
	out := strings.TrimSpace(rec.Body.String())
	if out != "" {
		_, _ = fmt.Fprintln(stdout, out)
	}
	_, _ = fmt.Fprintln(stdout, rec.Code)
	return 0, nil
}

// camel converts wrapping-key or wrapping_key to wrappingKey.
func camel(s string) string {
	var b strings.Builder
	upper := false
	for _, r := range s {
		if r == '-' || r == '_' {
			upper = true
			continue
		}
		if upper && r >= 'a' && r <= 'z' {
			r = r - 'a' + 'A'
		}
		upper = false
		b.WriteRune(r)
	}
	return b.String()
}

// Fleet simulates one network per deployment name so that scenarios
// running in parallel do not share state.
type Fleet struct {
	Options Options

	mu        sync.Mutex
	executors map[string]*Executor
}

var _ command.Executor = (*Fleet)(nil)

// NewFleet returns an empty fleet whose networks use opts.
func NewFleet(opts Options) *Fleet {
	return &Fleet{Options: opts, executors: map[string]*Executor{}}
}

func (f *Fleet) executor(deployment string) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executors == nil {
		f.executors = map[string]*Executor{}
	}
	e, ok := f.executors[deployment]
	if !ok {
		e = NewExecutor(New(f.Options))
		f.executors[deployment] = e
	}
	return e
}

// Cluster returns the network of a deployment, creating it if needed.
func (f *Fleet) Cluster(deployment string) *Cluster {
	return f.executor(deployment).Cluster
}

// Deployments returns the deployment names seen so far.
func (f *Fleet) Deployments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.executors))
	for name := range f.executors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Exec routes the command to the network named by DEPLOYMENT_NAME.
func (f *Fleet) Exec(ctx context.Context, args []string, dir string, environ []string, stdout, stderr io.Writer) (int, error) {
	return f.executor(lookupEnv(environ, constants.FactDeploymentName)).Exec(ctx, args, dir, environ, stdout, stderr)
}
