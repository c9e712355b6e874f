package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/pkg/extract"
	"github.com/tidwall/gjson"
)

// NodeHealth is one entry of the nodeHealth array.
type NodeHealth struct {
	Name     string
	Endpoint string
	Status   string
	Raw      gjson.Result
}

// Snapshot is a point-in-time read of cluster health.
type Snapshot struct {
	Nodes     []NodeHealth
	FetchedAt time.Time
}

// ParseSnapshot reads {"nodeHealth":[{"status":"Ok",...}]} from text. Log
// lines before the JSON are tolerated.
func ParseSnapshot(text string, at time.Time) (*Snapshot, error) {
	res, err := extract.Require(text)
	if err != nil {
		return nil, err
	}
	arr := res.Get("nodeHealth")
	if !arr.IsArray() {
		return nil, &extract.MalformedOutputError{Reason: "missing nodeHealth array", Output: text}
	}
	s := &Snapshot{FetchedAt: at}
	for _, n := range arr.Array() {
		s.Nodes = append(s.Nodes, NodeHealth{
			Name:     firstString(n, "name", "nodeId", "node_id"),
			Endpoint: firstString(n, "endpoint", "url"),
			Status:   n.Get("status").String(),
			Raw:      n,
		})
	}
	return s, nil
}

func firstString(n gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := n.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// Count returns the number of nodes reporting status.
func (s *Snapshot) Count(status string) int {
	if s == nil {
		return 0
	}
	n := 0
	for _, node := range s.Nodes {
		if node.Status == status {
			n++
		}
	}
	return n
}

// Healthy returns the number of nodes reporting Ok.
func (s *Snapshot) Healthy() int { return s.Count(constants.NodeStatusOk) }

// String lists node statuses, e.g. "[node-0:Ok node-1:NeedsReplacement]".
func (s *Snapshot) String() string {
	if s == nil {
		return "<none>"
	}
	parts := make([]string, 0, len(s.Nodes))
	for i, n := range s.Nodes {
		name := n.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		parts = append(parts, name+":"+n.Status)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
