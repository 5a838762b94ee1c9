package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/cli/render"
	"github.com/pithecene-io/cairn/store"
	"github.com/pithecene-io/cairn/types"
)

// RunDetail is the full per-run view: the run row plus every recorded
// step, violation, and metric sample in append order.
type RunDetail struct {
	Run        RunSummary           `json:"run"`
	Steps      []store.StepRecord   `json:"steps"`
	Violations []types.Violation    `json:"violations"`
	Metrics    []store.MetricRecord `json:"metrics"`
}

// InspectCommand returns the single-run inspection command.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show everything recorded for one run",
		ArgsUsage: "<run-id>",
		Flags:     ReadOnlyFlags(),
		Action:    inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: cairn inspect <run-id>", 1)
	}
	runID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	s, _, err := openStore(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	detail, err := inspectRun(s, runID)
	if err != nil {
		return err
	}
	return r.Render(detail)
}

// inspectRun assembles the full view of one run.
func inspectRun(s *store.Store, runID string) (*RunDetail, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.StepsForRun(runID)
	if err != nil {
		return nil, err
	}
	violations, err := s.ViolationsForRun(runID)
	if err != nil {
		return nil, err
	}
	metrics, err := s.MetricsForRun(runID)
	if err != nil {
		return nil, err
	}

	return &RunDetail{
		Run:        summarizeRun(run),
		Steps:      steps,
		Violations: violations,
		Metrics:    metrics,
	}, nil
}
