package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/cairn/cli/render"
	"github.com/pithecene-io/cairn/stats"
	"github.com/pithecene-io/cairn/store"
	"github.com/pithecene-io/cairn/types"
)

// DefaultSeriesLimit caps how many samples feed the series aggregate.
const DefaultSeriesLimit = 100

// MetricStats is the aggregated view of one metric series for one
// script: summed counts, the Wilson interval over the sum, and the most
// recent sample.
type MetricStats struct {
	Metric  string              `json:"metric"`
	Script  string              `json:"script"`
	Samples int                 `json:"samples"`
	Num     float64             `json:"num"`
	Den     float64             `json:"den"`
	Value   *float64            `json:"value"`
	CILow   *float64            `json:"ci_low"`
	CIHigh  *float64            `json:"ci_high"`
	Latest  *types.MetricSample `json:"latest,omitempty"`
}

// StatsCommand returns the stats command with subcommands.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregated statistics",
		Subcommands: []*cli.Command{
			statsMetricsCommand(),
		},
	}
}

func statsMetricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Show the aggregate and latest interval for one metric series",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:     "metric",
				Usage:    "Metric series name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "script",
				Usage:    "Script the series belongs to",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of samples to aggregate",
				Value: DefaultSeriesLimit,
			},
		),
		Action: statsMetricsAction,
	}
}

func statsMetricsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	s, cfg, err := openStore(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	result, err := metricStats(s, c.String("metric"), c.String("script"), c.Int("limit"), cfg.Wilson.Z)
	if err != nil {
		return err
	}
	return r.Render(result)
}

// metricStats aggregates up to limit samples of one series and computes
// the Wilson interval over the summed counts.
func metricStats(s *store.Store, metric, script string, limit int, z float64) (*MetricStats, error) {
	records, err := s.MetricSeries(metric, script, limit)
	if err != nil {
		return nil, err
	}

	result := &MetricStats{Metric: metric, Script: script, Samples: len(records)}
	for _, rec := range records {
		result.Num += rec.Sample.Num
		result.Den += rec.Sample.Den
	}
	iv := stats.WilsonInterval(result.Num, result.Den, z)
	result.Value = iv.Value
	result.CILow = iv.Low
	result.CIHigh = iv.High

	// MetricSeries returns most recent first.
	if len(records) > 0 {
		result.Latest = &records[0].Sample
	}
	return result, nil
}
