package health

import (
	"fmt"
	"strings"

	"github.com/loykin/kmsconverge/internal/constants"
)

// Condition is a named predicate over a snapshot.
type Condition struct {
	Name string
	Eval func(*Snapshot) bool
}

// Holds evaluates c against s; a nil snapshot never satisfies a condition.
func (c Condition) Holds(s *Snapshot) bool {
	if s == nil || c.Eval == nil {
		return false
	}
	return c.Eval(s)
}

func (c Condition) String() string { return c.Name }

// StatusCount holds when exactly n nodes report status.
func StatusCount(status string, n int) Condition {
	return Condition{
		Name: fmt.Sprintf("count(%s)==%d", status, n),
		Eval: func(s *Snapshot) bool { return s.Count(status) == n },
	}
}

// HealthyCount holds when exactly n nodes report Ok.
func HealthyCount(n int) Condition {
	return StatusCount(constants.NodeStatusOk, n)
}

// All holds when every condition holds.
func All(conds ...Condition) Condition {
	names := make([]string, len(conds))
	for i, c := range conds {
		names[i] = c.Name
	}
	return Condition{
		Name: strings.Join(names, " && "),
		Eval: func(s *Snapshot) bool {
			for _, c := range conds {
				if !c.Holds(s) {
					return false
				}
			}
			return true
		},
	}
}

// Converged holds when n nodes report Ok and none needs replacement: the
// cluster has both restored capacity and stopped flagging dead nodes.
func Converged(n int) Condition {
	return All(HealthyCount(n), StatusCount(constants.NodeStatusNeedsReplacement, 0))
}
