// Package governance drives consortium governance of the KMS network:
// constitution, members, proposals, votes and the policies the key
// endpoints depend on. Every operation is a make target of the KMS
// repository run with KMS_URL and KMS_WORKSPACE in its environment.
package governance

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/loykin/kmsconverge/internal/common"
	"github.com/loykin/kmsconverge/internal/constants"
	"github.com/loykin/kmsconverge/pkg/command"
	"github.com/loykin/kmsconverge/pkg/extract"
)

// Targets names the make target behind each governance operation.
type Targets struct {
	DeployApp      string `mapstructure:"deploy_app" yaml:"deploy_app"`
	Constitution   string `mapstructure:"constitution" yaml:"constitution"`
	ReleasePolicy  string `mapstructure:"release_policy" yaml:"release_policy"`
	SettingsPolicy string `mapstructure:"settings_policy" yaml:"settings_policy"`
	JWTIssuerTrust string `mapstructure:"jwt_issuer_trust" yaml:"jwt_issuer_trust"`
	Propose        string `mapstructure:"propose" yaml:"propose"`
	Vote           string `mapstructure:"vote" yaml:"vote"`
	MemberCreate   string `mapstructure:"member_create" yaml:"member_create"`
	MemberAdd      string `mapstructure:"member_add" yaml:"member_add"`
	MemberInfo     string `mapstructure:"member_info" yaml:"member_info"`
	MemberUse      string `mapstructure:"member_use" yaml:"member_use"`
}

// DefaultTargets returns the targets of the KMS repository Makefile.
func DefaultTargets() Targets {
	return Targets{
		DeployApp:      "js-app-set",
		Constitution:   "constitution-set",
		ReleasePolicy:  "release-policy-set",
		SettingsPolicy: "settings-policy-set",
		JWTIssuerTrust: "jwt-issuer-trust",
		Propose:        "propose",
		Vote:           "vote",
		MemberCreate:   "member-create",
		MemberAdd:      "member-add",
		MemberInfo:     "member-info",
		MemberUse:      "member-use",
	}
}

func (t Targets) withDefaults() Targets {
	d := DefaultTargets()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Targets{
		DeployApp:      pick(t.DeployApp, d.DeployApp),
		Constitution:   pick(t.Constitution, d.Constitution),
		ReleasePolicy:  pick(t.ReleasePolicy, d.ReleasePolicy),
		SettingsPolicy: pick(t.SettingsPolicy, d.SettingsPolicy),
		JWTIssuerTrust: pick(t.JWTIssuerTrust, d.JWTIssuerTrust),
		Propose:        pick(t.Propose, d.Propose),
		Vote:           pick(t.Vote, d.Vote),
		MemberCreate:   pick(t.MemberCreate, d.MemberCreate),
		MemberAdd:      pick(t.MemberAdd, d.MemberAdd),
		MemberInfo:     pick(t.MemberInfo, d.MemberInfo),
		MemberUse:      pick(t.MemberUse, d.MemberUse),
	}
}

// Repository paths of the stock governance documents.
const (
	DefaultConstitution        = "governance/constitution/kms_actions.js"
	DefaultReleasePolicyAdd    = "governance/proposals/set_key_release_policy_add.json"
	DefaultReleasePolicyRemove = "governance/proposals/set_key_release_policy_remove.json"
	DefaultSettingsPolicy      = "governance/policies/settings-policy.json"
)

// Resolve selects how the constitution resolves proposals.
type Resolve string

const (
	ResolveAutoAccept   Resolve = "auto_accept"
	ResolveMajorityVote Resolve = "majority_vote"
)

// Ballot is a member's vote on a proposal.
type Ballot string

const (
	BallotAccept Ballot = "accept"
	BallotReject Ballot = "reject"
)

// Governance runs governance operations for one scenario. KMS_URL and
// KMS_WORKSPACE are taken from the runner's facts unless set here.
type Governance struct {
	Runner    *command.Runner
	Targets   Targets
	KMSURL    string
	Workspace string
	// TempDir receives generated proposal files; empty means os.TempDir.
	TempDir string
	Logger  *common.Logger
}

// New returns a Governance using the default make targets.
func New(r *command.Runner) *Governance {
	return &Governance{Runner: r, Targets: DefaultTargets()}
}

func (g *Governance) logger() *common.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return common.GetLogger().WithComponent("governance")
}

func (g *Governance) environ() (map[string]string, error) {
	url := g.KMSURL
	ws := g.Workspace
	if g.Runner != nil && g.Runner.Facts != nil {
		if url == "" {
			url = g.Runner.Facts.Get(constants.FactKMSURL)
		}
		if ws == "" {
			ws = g.Runner.Facts.Get(constants.FactKMSWorkspace)
		}
		if ws == "" {
			ws = g.Runner.Facts.Get(constants.FactWorkspace)
		}
	}
	if url == "" {
		return nil, fmt.Errorf("governance: %s is not set", constants.FactKMSURL)
	}
	return map[string]string{constants.FactKMSURL: url, constants.FactKMSWorkspace: ws}, nil
}

// make runs `make <target> k=v ...` with vars sorted by name.
func (g *Governance) make(ctx context.Context, target string, vars map[string]string) (*command.Result, error) {
	if g.Runner == nil {
		return nil, fmt.Errorf("governance: no command runner")
	}
	env, err := g.environ()
	if err != nil {
		return nil, err
	}
	args := []string{"make", target}
	keys := make([]string, 0, len(vars))
	for k, v := range vars {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+vars[k])
	}
	g.logger().Info("governance operation", "target", target, "kms_url", env[constants.FactKMSURL])
	return g.Runner.Run(ctx, command.Command{Args: args, Env: env, NoMerge: true})
}

// DeployApp uploads the KMS JavaScript application.
func (g *Governance) DeployApp(ctx context.Context) error {
	_, err := g.make(ctx, g.Targets.withDefaults().DeployApp, nil)
	return err
}

// ConstitutionOptions customise the constitution being applied.
type ConstitutionOptions struct {
	// Path of the constitution; empty means the stock KMS constitution.
	Path    string
	Resolve Resolve
	// Actions is an extra JavaScript file of actions appended to the constitution.
	Actions string
}

// ApplyConstitution proposes the constitution and returns the proposal.
func (g *Governance) ApplyConstitution(ctx context.Context, o ConstitutionOptions) (*Response, error) {
	path := o.Path
	if path == "" {
		path = DefaultConstitution
	}
	res, err := g.make(ctx, g.Targets.withDefaults().Constitution, map[string]string{
		"constitution": path,
		"resolve":      string(o.Resolve),
		"actions":      o.Actions,
	})
	if err != nil {
		return nil, err
	}
	return decodeResponse(res, false)
}

// Propose submits p and returns the network's answer.
func (g *Governance) Propose(ctx context.Context, p *Proposal) (*Response, error) {
	if g.Runner != nil && g.Runner.Facts != nil {
		p = p.Rendered(g.Runner.Facts)
	}
	file, err := p.WriteJSON(g.TempDir, "proposal-*.json")
	if err != nil {
		return nil, fmt.Errorf("write proposal: %w", err)
	}
	defer func() { _ = os.Remove(file) }()
	return g.ProposeFile(ctx, file)
}

// ProposeFile submits the proposal stored at path.
func (g *Governance) ProposeFile(ctx context.Context, path string) (*Response, error) {
	res, err := g.make(ctx, g.Targets.withDefaults().Propose, map[string]string{"proposal": path})
	if err != nil {
		return nil, err
	}
	return decodeResponse(res, true)
}

// Vote casts the current member's ballot on a proposal and returns its new state.
func (g *Governance) Vote(ctx context.Context, proposalID string, b Ballot) (*Response, error) {
	if proposalID == "" {
		return nil, fmt.Errorf("vote: proposal id required")
	}
	res, err := g.make(ctx, g.Targets.withDefaults().Vote, map[string]string{
		"proposal_id": proposalID,
		"ballot":      string(b),
	})
	if err != nil {
		return nil, err
	}
	return decodeResponse(res, false)
}

// SetKeyReleasePolicy proposes a key release policy; empty means the stock add proposal.
func (g *Governance) SetKeyReleasePolicy(ctx context.Context, proposal string) error {
	if proposal == "" {
		proposal = DefaultReleasePolicyAdd
	}
	_, err := g.make(ctx, g.Targets.withDefaults().ReleasePolicy, map[string]string{"release-policy-proposal": proposal})
	return err
}

// RemoveKeyReleasePolicy proposes removing the stock key release policy.
func (g *Governance) RemoveKeyReleasePolicy(ctx context.Context) error {
	return g.SetKeyReleasePolicy(ctx, DefaultReleasePolicyRemove)
}

// SetSettingsPolicy proposes a settings policy. A nil policy uses the stock
// policy file; otherwise the policy is written to a temporary file first.
func (g *Governance) SetSettingsPolicy(ctx context.Context, policy *Proposal) error {
	path := DefaultSettingsPolicy
	if policy != nil {
		file, err := policy.WriteJSON(g.TempDir, "settings-policy-*.json")
		if err != nil {
			return fmt.Errorf("write settings policy: %w", err)
		}
		defer func() { _ = os.Remove(file) }()
		path = file
	}
	_, err := g.make(ctx, g.Targets.withDefaults().SettingsPolicy, map[string]string{"settings-policy-proposal": path})
	return err
}

// TrustJWTIssuer registers the scenario's JWT issuer with the network.
func (g *Governance) TrustJWTIssuer(ctx context.Context) error {
	_, err := g.make(ctx, g.Targets.withDefaults().JWTIssuerTrust, nil)
	return err
}

// CreateMember generates identity material for a new member.
func (g *Governance) CreateMember(ctx context.Context, name string) error {
	_, err := g.make(ctx, g.Targets.withDefaults().MemberCreate, map[string]string{"member": name})
	return err
}

// AddMember proposes adding a created member to the consortium.
func (g *Governance) AddMember(ctx context.Context, name string) error {
	_, err := g.make(ctx, g.Targets.withDefaults().MemberAdd, map[string]string{"member": name})
	return err
}

// UseMember makes later governance operations act as the named member.
func (g *Governance) UseMember(ctx context.Context, name string) error {
	_, err := g.make(ctx, g.Targets.withDefaults().MemberUse, map[string]string{"member": name})
	return err
}

// MemberInfo reports a member's id, status and pending proposal.
func (g *Governance) MemberInfo(ctx context.Context, name string) (*Member, error) {
	res, err := g.make(ctx, g.Targets.withDefaults().MemberInfo, map[string]string{"member": name})
	if err != nil {
		return nil, err
	}
	var m Member
	if err := res.Decode(&m); err != nil {
		return nil, err
	}
	if m.Name == "" {
		m.Name = name
	}
	return &m, nil
}

// decodeResponse reads the proposal answer printed last by the target.
// Targets that only apply a change may print nothing.
func decodeResponse(res *command.Result, required bool) (*Response, error) {
	if !res.HasJSON {
		if required {
			return nil, &extract.MalformedOutputError{Reason: "no proposal response in output", Output: res.Stdout}
		}
		return &Response{}, nil
	}
	var r Response
	if err := res.Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
