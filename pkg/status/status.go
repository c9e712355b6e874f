// Package status summarises the scenario runs recorded in a ledger.
package status

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/kmsconverge/internal/store"
)

// Status display constants
const (
	defaultHistoryLimit = 10 // Default number of runs to show
)

// AttemptItem is one poll observation of a run.
type AttemptItem struct {
	Kind       string
	Number     int
	StatusCode int
	Satisfied  bool
	Detail     string
	At         string
}

// RunItem is a single scenario run. StartedAt and FinishedAt are RFC3339
// timestamps; FinishedAt is empty while the run is in progress.
type RunItem struct {
	ID         int64
	RunID      string
	Scenario   string
	Deployment string
	Status     string
	Error      string
	StartedAt  string
	FinishedAt string
	Attempts   []AttemptItem
	Facts      map[string]string
}

// Info aggregates the ledger: counts by status and the runs, newest first.
type Info struct {
	Passed  int
	Failed  int
	Running int
	Runs    []RunItem
}

// Options select what FromStore reads.
type Options struct {
	// Limit bounds the runs read; <= 0 reads all of them.
	Limit    int
	Attempts bool
	Facts    bool
}

// FromStore collects run information from an opened ledger.
func FromStore(ctx context.Context, st *store.Store, o Options) (Info, error) {
	runs, err := st.ListRuns(ctx, o.Limit)
	if err != nil {
		return Info{}, err
	}
	info := Info{Runs: make([]RunItem, 0, len(runs))}
	for _, r := range runs {
		item := RunItem{
			ID:         r.ID,
			RunID:      r.RunID,
			Scenario:   r.Scenario,
			Deployment: r.Deployment,
			Status:     r.Status,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		}
		if r.Error != nil {
			item.Error = *r.Error
		}
		switch r.Status {
		case store.StatusPassed:
			info.Passed++
		case store.StatusFailed:
			info.Failed++
		default:
			info.Running++
		}
		if o.Attempts {
			attempts, err := st.ListAttempts(ctx, r.RunID)
			if err != nil {
				return Info{}, err
			}
			for _, a := range attempts {
				ai := AttemptItem{Kind: a.Kind, Number: a.Number, StatusCode: a.StatusCode, Satisfied: a.Satisfied, At: a.At}
				if a.Detail != nil {
					ai.Detail = *a.Detail
				}
				item.Attempts = append(item.Attempts, ai)
			}
		}
		if o.Facts {
			if item.Facts, err = st.LoadFacts(ctx, r.RunID); err != nil {
				return Info{}, err
			}
		}
		info.Runs = append(info.Runs, item)
	}
	return info, nil
}

// FromConfig opens the ledger described by cfg, collects status, and closes it.
func FromConfig(ctx context.Context, cfg store.Config, o Options) (Info, error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return Info{}, err
	}
	defer func() { _ = st.Close() }()
	return FromStore(ctx, st, o)
}

func (i Info) summary() string {
	return fmt.Sprintf("runs: %d passed: %d failed: %d running: %d\n", len(i.Runs), i.Passed, i.Failed, i.Running)
}

// FormatHuman returns a human-friendly multiline string for CLI output.
// history=false prints only the summary line.
func (i Info) FormatHuman(history bool) string {
	return i.FormatHumanWithLimit(history, 0, true)
}

// FormatHumanWithLimit prints the summary and, when history is set, up to
// limit runs newest first. all=true ignores limit; limit<=0 means 10.
func (i Info) FormatHumanWithLimit(history bool, limit int, all bool) string {
	base := i.summary()
	if !history {
		return base
	}
	if len(i.Runs) == 0 {
		return base + "history: \n"
	}
	items := i.Runs
	if !all {
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		if len(items) > limit {
			items = items[:limit]
		}
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("history:\n")
	for _, r := range items {
		fmt.Fprintf(&b, "#%d %s scenario=%s deployment=%s status=%s started=%s", r.ID, r.RunID, r.Scenario, r.Deployment, r.Status, r.StartedAt)
		if r.FinishedAt != "" {
			fmt.Fprintf(&b, " finished=%s", r.FinishedAt)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, " error=%q", r.Error)
		}
		b.WriteByte('\n')
		for _, a := range r.Attempts {
			fmt.Fprintf(&b, "  %s #%d", a.Kind, a.Number)
			if a.StatusCode != 0 {
				fmt.Fprintf(&b, " code=%d", a.StatusCode)
			}
			fmt.Fprintf(&b, " satisfied=%t at=%s", a.Satisfied, a.At)
			if a.Detail != "" {
				fmt.Fprintf(&b, " %s", a.Detail)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}
