package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/cli/render"
	"github.com/pithecene-io/cairn/store"
	"github.com/pithecene-io/cairn/types"
)

// DefaultRunsLimit caps the runs listing when --limit is not given.
const DefaultRunsLimit = 50

// RunSummary is the thin per-run row shown by the runs listing.
type RunSummary struct {
	RunID       string `json:"run_id"`
	Script      string `json:"script"`
	StartedAt   string `json:"started_at"`
	EndedAt     string `json:"ended_at,omitempty"`
	ReceiptPath string `json:"receipt_path,omitempty"`
}

// RunsCommand returns the runs listing command.
func RunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List recent runs",
		Flags: append(ReadOnlyFlags(),
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs to return",
				Value: DefaultRunsLimit,
			},
		),
		Action: runsAction,
	}
}

func runsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	s, _, err := openStore(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	summaries, err := listRuns(s, c.Int("limit"))
	if err != nil {
		return err
	}
	return r.Render(summaries)
}

// listRuns builds the thin run rows, most recent first.
func listRuns(s *store.Store, limit int) ([]RunSummary, error) {
	runs, err := s.ListRuns(limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, summarizeRun(run))
	}
	return summaries, nil
}

func summarizeRun(run *types.Run) RunSummary {
	summary := RunSummary{
		RunID:     run.ID,
		Script:    run.Script,
		StartedAt: types.Timestamp(run.StartedAt),
	}
	if run.EndedAt != nil {
		summary.EndedAt = types.Timestamp(*run.EndedAt)
	}
	if path, ok := run.Meta[types.MetaReceiptPath].(string); ok {
		summary.ReceiptPath = path
	}
	return summary
}
