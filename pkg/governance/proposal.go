package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/kmsconverge/internal/util"
	"github.com/loykin/kmsconverge/pkg/env"
	"gopkg.in/yaml.v3"
)

// State is the lifecycle state of a governance proposal.
type State string

const (
	StateOpen      State = "Open"
	StateAccepted  State = "Accepted"
	StateRejected  State = "Rejected"
	StateWithdrawn State = "Withdrawn"
	StateDropped   State = "Dropped"
	StateFailed    State = "Failed"
)

// Final reports whether no further votes can change the state.
func (s State) Final() bool {
	return s != StateOpen && s != ""
}

// Action is one governance action of a proposal.
type Action struct {
	Name string                 `yaml:"name" json:"name"`
	Args map[string]interface{} `yaml:"args" json:"args"`
}

// Proposal is a governance proposal document.
type Proposal struct {
	Actions []Action `yaml:"actions" json:"actions"`
}

// Rendered returns a copy of p whose string arguments are rendered against
// f, so proposals can refer to facts such as {{.KMS_URL}}. Arguments that
// fail to render are kept as written.
func (p *Proposal) Rendered(f *env.Facts) *Proposal {
	out := &Proposal{Actions: make([]Action, len(p.Actions))}
	for i, a := range p.Actions {
		args, _ := util.RenderAnyTemplate(a.Args, f).(map[string]interface{})
		out.Actions[i] = Action{Name: a.Name, Args: args}
	}
	return out
}

// LoadProposal reads a proposal document. YAML and JSON are both accepted.
func LoadProposal(path string) (*Proposal, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- proposal path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read proposal: %w", err)
	}
	var p Proposal
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse proposal %s: %w", path, err)
	}
	if len(p.Actions) == 0 {
		return nil, fmt.Errorf("proposal %s has no actions", path)
	}
	for i, a := range p.Actions {
		if a.Name == "" {
			return nil, fmt.Errorf("proposal %s: action %d has no name", path, i)
		}
		if a.Args == nil {
			p.Actions[i].Args = map[string]interface{}{}
		}
	}
	return &p, nil
}

// WriteJSON writes p as JSON into dir and returns the file path.
func (p *Proposal) WriteJSON(dir, pattern string) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(b); err != nil {
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}

// Response is what the network answers to a submitted proposal.
type Response struct {
	ProposalID string `json:"proposal_id"`
	ProposerID string `json:"proposer_id"`
	State      State  `json:"state"`
}

// Member describes a consortium member as reported by the member info command.
type Member struct {
	Name       string `json:"name"`
	MemberID   string `json:"memberId"`
	Status     string `json:"status"`
	ProposalID string `json:"proposalId"`
}
