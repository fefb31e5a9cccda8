package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jguan/vitune/pkg/config"
	"github.com/jguan/vitune/pkg/dist"
	"github.com/jguan/vitune/pkg/schedule"
	"github.com/jguan/vitune/pkg/trainer"
)

type lrPoint struct {
	Step int     `json:"step" yaml:"step"`
	LR   float64 `json:"lr" yaml:"lr"`
}

// ScheduleSummary is the plan without its curve.
type ScheduleSummary struct {
	Scheduler         schedule.Kind `json:"scheduler" yaml:"scheduler"`
	StepsPerEpoch     int           `json:"steps_per_epoch" yaml:"steps_per_epoch"`
	NumEpochs         int           `json:"num_epochs" yaml:"num_epochs"`
	AccumulationSteps int           `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
	Workers           int           `json:"workers" yaml:"workers"`
	Mode              dist.Mode     `json:"mode" yaml:"mode"`
	WarmupSteps       int           `json:"warmup_steps" yaml:"warmup_steps"`
	TotalSteps        int           `json:"total_steps" yaml:"total_steps"`
}

type schedulePlan struct {
	ScheduleSummary `yaml:",inline"`
	Curve           []lrPoint `json:"curve" yaml:"curve"`
}

func NewScheduleCommand(root *RootCommand) *cobra.Command {
	var stepsPerEpoch, points int

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the effective learning rate schedule",
		Long: `Print the warmup and total optimizer steps the scheduler receives and a
sample of the learning rate curve. Without --steps-per-epoch the configured
data is opened to count the batches of the shortest stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			if err := applyTrainFlags(cmd.Flags(), cfg); err != nil {
				return err
			}
			if stepsPerEpoch == 0 {
				ds, err := openDataset(cfg)
				if err != nil {
					return fmt.Errorf("count steps per epoch: %w", err)
				}
				streams := make([]trainer.Stream, len(ds.Streams))
				for i, s := range ds.Streams {
					streams[i] = s
				}
				stepsPerEpoch = trainer.StepsPerEpoch(streams)
			}

			plan, err := buildSchedulePlan(cfg, stepsPerEpoch, points)
			if err != nil {
				return err
			}
			return printSchedulePlan(plan, root.OutputOptions())
		},
	}

	cmd.Flags().IntVar(&stepsPerEpoch, "steps-per-epoch", 0, "Batches per epoch; counted from the data when 0")
	cmd.Flags().IntVar(&points, "points", 11, "Number of points sampled on the curve")
	f := cmd.Flags()
	f.Int("num-epochs", 0, "Number of epochs")
	f.Float64("learning-rate", 0, "Base learning rate")
	f.String("lr-scheduler", "", "constant, linear or cosine")
	f.Int("warmup-steps", 0, "Warmup steps before accumulation scaling")
	f.Float64("warmup-steps-ratio", 0, "Warmup as a share of total steps")
	f.Int("gradient-accumulation-steps", 0, "Micro-steps per optimizer update")
	f.String("mode", "", "Distributed mode: local, ddp or deepspeed")
	f.Int("world-size", 0, "Number of workers")
	return cmd
}

func buildSchedulePlan(cfg *config.Config, stepsPerEpoch, points int) (schedulePlan, error) {
	kind, err := schedule.ParseKind(cfg.Optim.LRScheduler)
	if err != nil {
		return schedulePlan{}, err
	}
	mode, err := dist.ParseMode(cfg.Dist.Mode)
	if err != nil {
		return schedulePlan{}, err
	}

	p, err := schedule.Configure(schedule.Params{
		WarmupSteps:         cfg.Optim.WarmupSteps,
		WarmupRatio:         cfg.Optim.WarmupStepsRatio,
		TotalSteps:          stepsPerEpoch * cfg.Optim.NumEpochs,
		AccumulationSteps:   cfg.Optim.GradientAccumulationSteps,
		Workers:             cfg.Dist.WorldSize,
		CollectiveOptimizer: mode.Collective(),
	})
	if err != nil {
		return schedulePlan{}, err
	}

	plan := schedulePlan{ScheduleSummary: ScheduleSummary{
		Scheduler:         kind,
		StepsPerEpoch:     stepsPerEpoch,
		NumEpochs:         cfg.Optim.NumEpochs,
		AccumulationSteps: cfg.Optim.GradientAccumulationSteps,
		Workers:           cfg.Dist.WorldSize,
		Mode:              mode,
		WarmupSteps:       p.WarmupSteps,
		TotalSteps:        p.TotalSteps,
	}}
	for _, step := range samplePoints(p.TotalSteps, points) {
		plan.Curve = append(plan.Curve, lrPoint{
			Step: step,
			LR:   cfg.Optim.LearningRate * schedule.Multiplier(kind, p, step),
		})
	}
	return plan, nil
}

// samplePoints spreads n steps evenly over [0, total], always including both
// ends. Duplicates from short schedules are dropped.
func samplePoints(total, n int) []int {
	if n < 2 || total == 0 {
		return []int{0}
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		step := i * total / (n - 1)
		if len(out) > 0 && out[len(out)-1] == step {
			continue
		}
		out = append(out, step)
	}
	return out
}

func printSchedulePlan(plan schedulePlan, opts *OutputOptions) error {
	if opts.Format != OutputTable {
		return PrintOutput(plan, opts)
	}
	if opts.Quiet {
		return nil
	}

	out, err := formatTable(plan.ScheduleSummary)
	if err != nil {
		return err
	}
	curve, err := formatTable(plan.Curve)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(opts.Writer, "%s\n%s", out, curve)
	return err
}
