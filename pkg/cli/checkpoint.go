package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/vitune/pkg/checkpoint"
	"github.com/jguan/vitune/pkg/schedule"
	"github.com/jguan/vitune/pkg/tensor"
)

func NewCheckpointCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"ckpt"},
		Short:   "Inspect training checkpoints",
	}
	cmd.AddCommand(newCheckpointListCommand(root))
	cmd.AddCommand(newCheckpointInspectCommand(root))
	return cmd
}

func newCheckpointListCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "list [DIR]",
		Short: "List the checkpoints of a run",
		Long:  "List checkpoint_<epoch>.pt files in DIR, or in <save_dir>/<run_name> of the config.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.Config().Dir()
			if len(args) == 1 {
				dir = args[0]
			}
			entries, err := checkpoint.List(dir)
			if err != nil {
				return fmt.Errorf("list %s: %w", dir, err)
			}
			if entries == nil {
				entries = []checkpoint.Entry{}
			}
			return PrintOutput(entries, root.OutputOptions())
		},
	}
}

type checkpointSummary struct {
	Path       string  `json:"path" yaml:"path"`
	Kind       string  `json:"kind" yaml:"kind"`
	Size       int64   `json:"size" yaml:"size"`
	Digest     string  `json:"digest" yaml:"digest"`
	Tensors    int     `json:"tensors" yaml:"tensors"`
	Elements   int     `json:"elements" yaml:"elements"`
	Epoch      *int    `json:"epoch,omitempty" yaml:"epoch,omitempty"`
	ResumeFrom *int    `json:"resume_epoch,omitempty" yaml:"resume_epoch,omitempty"`
	SavedAt    string  `json:"saved_at,omitempty" yaml:"saved_at,omitempty"`
	OptimSteps int64   `json:"optimizer_steps,omitempty" yaml:"optimizer_steps,omitempty"`
	Scheduler  string  `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	SchedStep  int     `json:"scheduler_step,omitempty" yaml:"scheduler_step,omitempty"`
	WarmupStep int     `json:"warmup_steps,omitempty" yaml:"warmup_steps,omitempty"`
	TotalSteps int     `json:"total_steps,omitempty" yaml:"total_steps,omitempty"`
	LR         float64 `json:"lr,omitempty" yaml:"lr,omitempty"`
}

func newCheckpointInspectCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PATH",
		Short: "Show what a checkpoint or weights file contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := inspectCheckpoint(args[0])
			if err != nil {
				return err
			}
			return PrintOutput(summary, root.OutputOptions())
		},
	}
}

func inspectCheckpoint(path string) (*checkpointSummary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	kind, err := checkpoint.PeekKind(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	digest, err := checkpoint.Digest(path)
	if err != nil {
		return nil, err
	}

	s := &checkpointSummary{
		Path:   path,
		Kind:   kind,
		Size:   int64(len(raw)),
		Digest: strconv.FormatUint(digest, 16),
	}

	var weights tensor.StateDict
	switch kind {
	case checkpoint.KindCheckpoint:
		snap, err := checkpoint.ReadSnapshot(path)
		if err != nil {
			return nil, err
		}
		weights = snap.Model
		next := snap.Epoch + 1
		s.Epoch = &snap.Epoch
		s.ResumeFrom = &next
		s.SavedAt = snap.SavedAt.Format(time.RFC3339)
		s.OptimSteps = snap.Optimizer.Step
		s.Scheduler = string(snap.Scheduler.Kind)
		s.SchedStep = snap.Scheduler.Step
		s.WarmupStep = snap.Scheduler.Plan.WarmupSteps
		s.TotalSteps = snap.Scheduler.Plan.TotalSteps
		s.LR = currentLR(snap.Scheduler)
	case checkpoint.KindWeights:
		if weights, err = checkpoint.ReadWeights(path); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%s: unknown file kind %q", path, kind)
	}
	s.Tensors = len(weights)
	s.Elements = weights.NumElements()
	return s, nil
}

func currentLR(st schedule.State) float64 {
	if len(st.LastLRs) == 0 {
		return 0
	}
	return st.LastLRs[0]
}
