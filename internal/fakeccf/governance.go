package fakeccf

import (
	"fmt"
)

const (
	resolveAutoAccept   = "auto_accept"
	resolveMajorityVote = "majority_vote"
)

// Proposal is a governance proposal as the network reports it.
type Proposal struct {
	ID       string                   `json:"proposal_id"`
	Proposer string                   `json:"proposer_id"`
	State    string                   `json:"state"`
	Actions  []map[string]interface{} `json:"actions,omitempty"`
}

// Member is a consortium member.
type Member struct {
	ID         string `json:"memberId"`
	Status     string `json:"status"`
	ProposalID string `json:"proposalId,omitempty"`
}

type consortium struct {
	resolve   string
	proposals map[string]*Proposal
	order     []string
	members   map[string]*Member
	current   string
}

func newConsortium() consortium {
	return consortium{
		resolve:   resolveAutoAccept,
		proposals: map[string]*Proposal{},
		members:   map[string]*Member{},
		current:   "member0",
	}
}

func (g *consortium) submit(actions []map[string]interface{}) *Proposal {
	p := &Proposal{
		ID:       fmt.Sprintf("proposal-%d", len(g.order)+1),
		Proposer: g.current,
		State:    "Accepted",
		Actions:  actions,
	}
	if g.resolve == resolveMajorityVote {
		p.State = "Open"
	}
	g.proposals[p.ID] = p
	g.order = append(g.order, p.ID)
	return p
}

// SetConstitution records how proposals resolve and returns the proposal
// that set it. The new constitution governs later proposals.
func (c *Cluster) SetConstitution(resolve string) (Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch resolve {
	case "":
		resolve = resolveAutoAccept
	case resolveAutoAccept, resolveMajorityVote:
	default:
		return Proposal{}, fmt.Errorf("unknown resolve %q", resolve)
	}
	p := c.gov.submit([]map[string]interface{}{{"name": "set_constitution"}})
	p.State = "Accepted"
	c.gov.resolve = resolve
	return *p, nil
}

// Propose submits a proposal with the given actions.
func (c *Cluster) Propose(actions []map[string]interface{}) Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.gov.submit(actions)
}

// Vote resolves an open proposal.
func (c *Cluster) Vote(id, ballot string) (Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.gov.proposals[id]
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %q not found", id)
	}
	if p.State != "Open" {
		return Proposal{}, fmt.Errorf("proposal %q is %s", id, p.State)
	}
	p.State = "Accepted"
	if ballot == "reject" {
		p.State = "Rejected"
	}
	for _, m := range c.gov.members {
		if m.ProposalID == id {
			m.Status = p.State
		}
	}
	return *p, nil
}

// CreateMember generates a member identity.
func (c *Cluster) CreateMember(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gov.members[name] = &Member{ID: "member-" + name, Status: "Created"}
}

// AddMember proposes adding a member.
func (c *Cluster) AddMember(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.gov.members[name]
	if !ok {
		return fmt.Errorf("member %q not created", name)
	}
	p := c.gov.submit([]map[string]interface{}{{"name": "set_member", "args": map[string]interface{}{"member": name}}})
	m.ProposalID = p.ID
	m.Status = "Active"
	if p.State == "Open" {
		m.Status = "Open"
	}
	return nil
}

// UseMember makes later proposals come from the member.
func (c *Cluster) UseMember(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.gov.members[name]
	if !ok {
		return fmt.Errorf("member %q not created", name)
	}
	c.gov.current = m.ID
	return nil
}

// MemberInfo returns a member.
func (c *Cluster) MemberInfo(name string) (Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.gov.members[name]
	if !ok {
		return Member{}, fmt.Errorf("member %q not found", name)
	}
	return *m, nil
}
