// Package fakeccf simulates a CCF network running the KMS application: node
// health with an orchestrator that replaces dead nodes, the key endpoints
// with their status semantics, and consortium governance. It answers both
// HTTP requests and the external commands the harness runs.
package fakeccf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/kmsconverge/internal/constants"
)

// Options configures a simulated network.
type Options struct {
	// Domain is the DNS suffix of node URLs.
	Domain string
	// PendingPolls is how many 202 answers a key request gets before 200.
	PendingPolls int
	// RecoveryReads is how many health reads the orchestrator needs to
	// replace a node that needs replacement.
	RecoveryReads int
	// JWTSecret verifies bearer tokens once the issuer is trusted.
	JWTSecret string
	JWTIssuer string
}

func (o Options) withDefaults() Options {
	if o.Domain == "" {
		o.Domain = "fake.ccf"
	}
	if o.RecoveryReads <= 0 {
		o.RecoveryReads = 2
	}
	if o.JWTSecret == "" {
		o.JWTSecret = "fakeccf-demo-secret"
	}
	return o
}

// Node is one simulated network node.
type Node struct {
	Name   string `json:"name"`
	URL    string `json:"endpoint"`
	Status string `json:"status"`
}

type key struct {
	Kid    string
	Public string
}

// Cluster is the state of one simulated network. It is safe for concurrent use.
type Cluster struct {
	mu   sync.Mutex
	opts Options

	deployed     bool
	nodes        []*Node
	seq          int
	orchestrator bool
	// healthReads counts reads seen by the orchestrator since a node needed replacement.
	healthReads int

	jwtTrusted    bool
	releasePolicy bool
	settings      map[string]interface{}
	keys          []key
	pending       map[string]int

	gov consortium
}

// New returns an undeployed network.
func New(opts Options) *Cluster {
	return &Cluster{
		opts:    opts.withDefaults(),
		pending: map[string]int{},
		gov:     newConsortium(),
	}
}

// Options returns the effective options.
func (c *Cluster) Options() Options { return c.opts }

func (c *Cluster) newNodeLocked() *Node {
	name := fmt.Sprintf("node%d", c.seq)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", c.opts.Domain, c.seq)))
	c.seq++
	return &Node{
		Name:   name,
		URL:    fmt.Sprintf("https://%s-%s.%s", name, hex.EncodeToString(sum[:3]), c.opts.Domain),
		Status: constants.NodeStatusOk,
	}
}

// Deploy brings up a single-node network with one key and returns the
// primary URL. Deploying again resets the network.
func (c *Cluster) Deploy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deployed = true
	c.nodes = []*Node{c.newNodeLocked()}
	c.orchestrator = false
	c.healthReads = 0
	c.jwtTrusted = false
	c.releasePolicy = false
	c.settings = map[string]interface{}{"service": map[string]interface{}{"name": "kms"}}
	c.keys = []key{newKey(1)}
	c.pending = map[string]int{}
	c.gov = newConsortium()
	return c.nodes[0].URL
}

// Teardown removes the network.
func (c *Cluster) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deployed = false
	c.nodes = nil
	c.orchestrator = false
}

// Deployed reports whether the network is up.
func (c *Cluster) Deployed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deployed
}

// PrimaryURL returns the URL of the first node, or "".
func (c *Cluster) PrimaryURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.nodes) == 0 {
		return ""
	}
	return c.nodes[0].URL
}

// Scale adds or removes healthy nodes until n nodes are running and returns
// their URLs.
func (c *Cluster) Scale(n int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.deployed {
		return nil, fmt.Errorf("network is not deployed")
	}
	if n < 1 {
		return nil, fmt.Errorf("invalid node count %d", n)
	}
	for len(c.nodes) < n {
		c.nodes = append(c.nodes, c.newNodeLocked())
	}
	if len(c.nodes) > n {
		c.nodes = c.nodes[:n]
	}
	urls := make([]string, len(c.nodes))
	for i, nd := range c.nodes {
		urls[i] = nd.URL
	}
	return urls, nil
}

// StopNode kills a node; the network reports it as needing replacement.
func (c *Cluster) StopNode(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, nd := range c.nodes {
		if nd.Name == name {
			nd.Status = constants.NodeStatusNeedsReplacement
			return nil
		}
	}
	return fmt.Errorf("node %q not found", name)
}

// SetOrchestrator starts or stops the orchestrator.
func (c *Cluster) SetOrchestrator(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orchestrator = running
	c.healthReads = 0
}

// Health returns the current node health. Each read is observed by the
// orchestrator, which replaces dead nodes after RecoveryReads reads.
func (c *Cluster) Health() []Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Node, len(c.nodes))
	for i, nd := range c.nodes {
		out[i] = *nd
	}
	c.observeLocked()
	return out
}

func (c *Cluster) observeLocked() {
	if !c.orchestrator {
		return
	}
	dead := 0
	for _, nd := range c.nodes {
		if nd.Status == constants.NodeStatusNeedsReplacement {
			dead++
		}
	}
	if dead == 0 {
		c.healthReads = 0
		return
	}
	c.healthReads++
	if c.healthReads < c.opts.RecoveryReads {
		return
	}
	alive := c.nodes[:0]
	for _, nd := range c.nodes {
		if nd.Status != constants.NodeStatusNeedsReplacement {
			alive = append(alive, nd)
		}
	}
	c.nodes = alive
	for i := 0; i < dead; i++ {
		c.nodes = append(c.nodes, c.newNodeLocked())
	}
	c.healthReads = 0
}

// TrustJWTIssuer makes key endpoints accept bearer tokens.
func (c *Cluster) TrustJWTIssuer() {
	c.mu.Lock()
	c.jwtTrusted = true
	c.mu.Unlock()
}

// SetReleasePolicy adds or removes the key release policy.
func (c *Cluster) SetReleasePolicy(present bool) {
	c.mu.Lock()
	c.releasePolicy = present
	c.mu.Unlock()
}

// SetSettings replaces the settings policy.
func (c *Cluster) SetSettings(s map[string]interface{}) {
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
}

func newKey(n int) key {
	sum := sha256.Sum256([]byte(fmt.Sprintf("key-%d", n)))
	return key{
		Kid:    hex.EncodeToString(sum[:8]),
		Public: "-----BEGIN PUBLIC KEY-----\n" + hex.EncodeToString(sum[:]) + "\n-----END PUBLIC KEY-----",
	}
}

// Refresh generates a new key and returns its kid.
func (c *Cluster) Refresh() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := newKey(len(c.keys) + 1)
	c.keys = append(c.keys, k)
	return k.Kid
}

func (c *Cluster) findKeyLocked(kid string) (key, bool) {
	if len(c.keys) == 0 {
		return key{}, false
	}
	if kid == "" {
		return c.keys[len(c.keys)-1], true
	}
	for _, k := range c.keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return key{}, false
}

// Kids returns all key ids, oldest first.
func (c *Cluster) Kids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.keys))
	for i, k := range c.keys {
		out[i] = k.Kid
	}
	return out
}

// Proposals returns the ids of all proposals, sorted.
func (c *Cluster) Proposals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.gov.proposals))
	for id := range c.gov.proposals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
