// Package cluster drives the infrastructure side of a scenario: deploying
// the network, scaling it and killing nodes.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/pkg/command"
	"github.com/loykin/kmsconverge/pkg/extract"
	"github.com/tidwall/gjson"
)

const (
	DefaultScaleScript = "scripts/ccf/az-cleanroom-aci/scale-nodes.sh"
	DefaultComposeFile = "scripts/ccf/az-cleanroom-aci/orchestrator/compose.yml"
	OrchestratorName   = "ccf-orchestrator"
)

// UniqueString returns a short lowercase identifier for cloud resource
// names, unique across processes and runs.
func UniqueString() string {
	return uniqueStringFrom(uuid.New(), time.Now().UnixNano(), os.Getpid())
}

func uniqueStringFrom(id uuid.UUID, nanos int64, pid int) string {
	buf := make([]byte, 0, 16+8+4)
	buf = append(buf, id[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(nanos))
	buf = binary.BigEndian.AppendUint32(buf, uint32(pid))
	sum := sha256.Sum256(buf)
	s := base64.RawURLEncoding.EncodeToString(sum[:])
	s = strings.NewReplacer("-", "", "_", "").Replace(s)
	s = strings.ToLower(s)
	if len(s) > constants.UniqueStringLength {
		s = s[:constants.UniqueStringLength]
	}
	return s
}

// DeploymentName returns "kms-<unique>".
func DeploymentName() string {
	return constants.DefaultDeploymentPrefix + "-" + UniqueString()
}

// NodeNameFromURL maps "kms-node-abc123.eastus.example.com" to "kms-node":
// the host label before the first '.' without its trailing "-<uid>".
func NodeNameFromURL(nodeURL string) string {
	host := nodeURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host, _, _ = strings.Cut(host, ".")
	i := strings.LastIndex(host, "-")
	if i < 0 {
		return ""
	}
	return host[:i]
}

// NonPrimary returns the first node whose https URL differs from kmsURL.
func NonPrimary(nodes []string, kmsURL string) (string, bool) {
	primary := strings.TrimRight(kmsURL, "/")
	for _, n := range nodes {
		u := n
		if !strings.Contains(u, "://") {
			u = "https://" + u
		}
		if strings.TrimRight(u, "/") != primary {
			return n, true
		}
	}
	return "", false
}

// ScaleResult is the JSON printed by the scale command.
type ScaleResult struct {
	Nodes []string
	Raw   gjson.Result
}

// ScaleMismatchError reports a scale command that returned a different
// number of nodes than requested.
type ScaleMismatchError struct {
	Requested int
	Nodes     []string
}

func (e *ScaleMismatchError) Error() string {
	return fmt.Sprintf("requested %d nodes, scale returned %d: %v", e.Requested, len(e.Nodes), e.Nodes)
}

// Cluster runs infrastructure commands for one deployment.
type Cluster struct {
	Runner        *command.Runner
	ScaleScript   string
	ResourceGroup string
	Logger        *common.Logger
}

// New returns a Cluster with the default scripts.
func New(r *command.Runner) *Cluster {
	return &Cluster{
		Runner:        r,
		ScaleScript:   DefaultScaleScript,
		ResourceGroup: constants.DefaultResourceGroup,
	}
}

func (c *Cluster) logger() *common.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return common.GetLogger().WithComponent("cluster")
}

// Scale sets the node count and returns the node URLs. The count returned
// must equal n.
func (c *Cluster) Scale(ctx context.Context, n int) (*ScaleResult, error) {
	script := c.ScaleScript
	if script == "" {
		script = DefaultScaleScript
	}
	res, err := c.Runner.Run(ctx, command.Command{Args: []string{script, "-n", strconv.Itoa(n)}})
	if err != nil {
		return nil, err
	}
	if !res.HasJSON {
		return nil, &extract.MalformedOutputError{Reason: "scale printed no JSON", Output: res.Stdout}
	}
	arr := res.JSON.Get("nodes")
	if !arr.IsArray() {
		return nil, &extract.MalformedOutputError{Reason: "scale output has no nodes array", Output: res.Stdout}
	}
	out := &ScaleResult{Raw: res.JSON}
	for _, node := range arr.Array() {
		if node.IsObject() {
			out.Nodes = append(out.Nodes, firstOf(node, "url", "endpoint", "name"))
			continue
		}
		out.Nodes = append(out.Nodes, node.String())
	}
	if len(out.Nodes) != n {
		return out, &ScaleMismatchError{Requested: n, Nodes: out.Nodes}
	}
	c.logger().Info("scaled network", "nodes", len(out.Nodes))
	return out, nil
}

func firstOf(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r.String()
		}
	}
	return v.Raw
}

// StopNode stops the container instance backing a node.
func (c *Cluster) StopNode(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("stop node: empty node name")
	}
	rg := c.ResourceGroup
	if rg == "" {
		rg = constants.DefaultResourceGroup
	}
	c.logger().WithNode(name).Info("stopping node")
	_, err := c.Runner.Run(ctx, command.Command{
		Args:    []string{"az", "container", "stop", "--name", name, "--resource-group", rg},
		NoMerge: true,
	})
	return err
}

// StopNodeByURL derives the node name from its URL and stops it.
func (c *Cluster) StopNodeByURL(ctx context.Context, nodeURL string) (string, error) {
	name := NodeNameFromURL(nodeURL)
	return name, c.StopNode(ctx, name)
}

// Network describes the network deployment for a test environment, e.g.
// "ccf/sandbox_local" or "ccf/az-cleanroom-aci".
func Network(testEnvironment string, attempts int) command.Resource {
	if testEnvironment == "" {
		testEnvironment = constants.DefaultTestEnvironment
	}
	dir := path.Join("scripts", testEnvironment)
	return command.Resource{
		Name:     "network",
		Up:       command.Command{Args: []string{path.Join(dir, "up.sh"), "--force-recreate"}},
		Down:     command.Command{Args: []string{path.Join(dir, "down.sh")}},
		Attempts: attempts,
	}
}

// Orchestrator describes the node-replacing orchestrator container.
func Orchestrator(composeFile string) command.Resource {
	if composeFile == "" {
		composeFile = DefaultComposeFile
	}
	return command.Resource{
		Name: "orchestrator",
		Up: command.Command{
			Args:    []string{"docker", "compose", "-f", composeFile, "up", OrchestratorName, "--wait", "--build"},
			NoMerge: true,
		},
		Down: command.Command{
			Args:    []string{"docker", "compose", "-f", composeFile, "down", OrchestratorName, "--remove-orphans"},
			NoMerge: true,
		},
	}
}
