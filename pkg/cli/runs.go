package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/vitune/pkg/infra/store"
)

func NewRunsCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse tracked training runs",
		Long:  "Read the runs, metric history and artifacts recorded in tracking.db.",
	}
	cmd.AddCommand(newRunsListCommand(root))
	cmd.AddCommand(newRunsShowCommand(root))
	cmd.AddCommand(newRunsMetricsCommand(root))
	return cmd
}

func withRunStore(root *RootCommand, fn func(store.RunStore) error) error {
	path := root.Config().Tracking.DB
	if path == "" {
		return fmt.Errorf("tracking.db is not configured")
	}
	runs, err := store.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer runs.Close()
	return fn(runs)
}

type runRow struct {
	ID       string          `json:"id" yaml:"id"`
	Name     string          `json:"name" yaml:"name"`
	Project  string          `json:"project" yaml:"project"`
	Status   store.RunStatus `json:"status" yaml:"status"`
	Started  string          `json:"started_at" yaml:"started_at"`
	Duration string          `json:"duration" yaml:"duration"`
}

func newRunsListCommand(root *RootCommand) *cobra.Command {
	var project, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunStore(root, func(runs store.RunStore) error {
				list, err := runs.ListRuns(cmd.Context(), store.RunFilter{
					Project: project,
					Status:  store.RunStatus(status),
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				rows := make([]runRow, len(list))
				for i, r := range list {
					rows[i] = runRow{
						ID:      r.ID,
						Name:    r.Name,
						Project: r.Project,
						Status:  r.Status,
						Started: r.StartedAt.Format("2006-01-02 15:04:05"),
					}
					if !r.FinishedAt.IsZero() {
						rows[i].Duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
					}
				}
				return PrintOutput(rows, root.OutputOptions())
			})
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Only runs of this project")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (running, finished, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

type runDetail struct {
	Run       *store.Run         `json:"run" yaml:"run"`
	Latest    map[string]float64 `json:"latest" yaml:"latest"`
	LastStep  int64              `json:"last_step" yaml:"last_step"`
	Artifacts []store.Artifact   `json:"artifacts" yaml:"artifacts"`
}

func loadRunDetail(ctx context.Context, runs store.RunStore, id string) (*runDetail, error) {
	run, err := runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	points, err := runs.Metrics(ctx, id, "")
	if err != nil {
		return nil, err
	}
	artifacts, err := runs.Artifacts(ctx, id)
	if err != nil {
		return nil, err
	}

	d := &runDetail{Run: run, Latest: map[string]float64{}, Artifacts: artifacts}
	// points are ordered by step, so the last write per key wins
	for _, p := range points {
		d.Latest[p.Key] = p.Value
		d.LastStep = max(d.LastStep, p.Step)
	}
	return d, nil
}

func newRunsShowCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its latest metric values and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunStore(root, func(runs store.RunStore) error {
				d, err := loadRunDetail(cmd.Context(), runs, args[0])
				if err != nil {
					return err
				}
				opts := root.OutputOptions()
				if opts.Format != OutputTable {
					return PrintOutput(d, opts)
				}
				if err := PrintOutput(d.Run, opts); err != nil {
					return err
				}
				if len(d.Latest) > 0 {
					fmt.Fprintf(opts.Writer, "\nmetrics at step %d:\n", d.LastStep)
					if err := PrintOutput(d.Latest, opts); err != nil {
						return err
					}
				}
				if len(d.Artifacts) > 0 {
					fmt.Fprintln(opts.Writer, "\nartifacts:")
					return PrintOutput(d.Artifacts, opts)
				}
				return nil
			})
		},
	}
}

func newRunsMetricsCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics RUN_ID KEY",
		Short: "Print the history of one metric",
		Example: `  vitune runs metrics 3f2a... loss_mimicit
  vitune runs metrics 3f2a... lr -o json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunStore(root, func(runs store.RunStore) error {
				if _, err := runs.GetRun(cmd.Context(), args[0]); err != nil {
					return err
				}
				points, err := runs.Metrics(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				type row struct {
					Step  int64   `json:"step" yaml:"step"`
					Value float64 `json:"value" yaml:"value"`
				}
				rows := make([]row, 0, len(points))
				for _, p := range points {
					rows = append(rows, row{Step: p.Step, Value: p.Value})
				}
				slices.SortStableFunc(rows, func(a, b row) int { return int(a.Step - b.Step) })
				return PrintOutput(rows, root.OutputOptions())
			})
		},
	}
}
