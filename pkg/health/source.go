package health

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/loykin/kmsconverge/internal/clock"
	"github.com/loykin/kmsconverge/pkg/command"
)

// ShowHealthArgs is the CLI query for a deployed network's node health.
var ShowHealthArgs = []string{
	"az", "cleanroom", "ccf", "network", "show-health",
	"--name", "{{.DEPLOYMENT_NAME}}",
	"--provider-client", "{{.DEPLOYMENT_NAME}}-provider",
	"--provider-config", "{{.WORKSPACE}}/providerConfig.json",
}

// CommandSource fetches health by running a command and parsing its output.
type CommandSource struct {
	Runner *command.Runner
	Args   []string
	Clock  clock.Clock
}

// NewCommandSource queries health with ShowHealthArgs.
func NewCommandSource(r *command.Runner) *CommandSource {
	return &CommandSource{Runner: r, Args: ShowHealthArgs}
}

func (s *CommandSource) Fetch(ctx context.Context) (*Snapshot, error) {
	args := s.Args
	if len(args) == 0 {
		args = ShowHealthArgs
	}
	res, err := s.Runner.Run(ctx, command.Command{Args: args, Quiet: true, NoMerge: true})
	if err != nil {
		return nil, err
	}
	return ParseSnapshot(res.Stdout, clock.OrReal(s.Clock).Now())
}

// HTTPSource fetches health with a GET request.
type HTTPSource struct {
	Client *resty.Client
	URL    string
	Clock  clock.Clock
}

func (s *HTTPSource) Fetch(ctx context.Context) (*Snapshot, error) {
	client := s.Client
	if client == nil {
		client = resty.New()
	}
	resp, err := client.R().SetContext(ctx).Get(s.URL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("health endpoint returned %d", resp.StatusCode())
	}
	return ParseSnapshot(resp.String(), clock.OrReal(s.Clock).Now())
}
