package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/jguan/vitune/pkg/checkpoint"
	"github.com/jguan/vitune/pkg/config"
	"github.com/jguan/vitune/pkg/data"
	"github.com/jguan/vitune/pkg/dist"
	"github.com/jguan/vitune/pkg/gradsel"
	"github.com/jguan/vitune/pkg/infra/logger"
	"github.com/jguan/vitune/pkg/infra/metrics"
	"github.com/jguan/vitune/pkg/infra/store"
	"github.com/jguan/vitune/pkg/masking"
	"github.com/jguan/vitune/pkg/model/reference"
	"github.com/jguan/vitune/pkg/optim"
	"github.com/jguan/vitune/pkg/schedule"
	"github.com/jguan/vitune/pkg/tensor"
	"github.com/jguan/vitune/pkg/tracking"
	"github.com/jguan/vitune/pkg/trainer"
)

func NewTrainCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run instruction tuning",
		Long: `Train the model on the configured data streams.

The run resumes from the newest checkpoint in <save_dir>/<run_name> when one
exists. Flags override the values of the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			if err := applyTrainFlags(cmd.Flags(), cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, root.OutputOptions().Writer)
		},
	}

	f := cmd.Flags()
	f.String("run-name", "", "Run name; checkpoints go to <save-dir>/<run-name>")
	f.String("save-dir", "", "Checkpoint root directory")
	f.Int("num-epochs", 0, "Number of epochs")
	f.Int("batch-size", 0, "Per-worker batch size")
	f.Float64("learning-rate", 0, "Base learning rate")
	f.String("lr-scheduler", "", "constant, linear or cosine")
	f.Int("warmup-steps", 0, "Warmup steps before accumulation scaling")
	f.Float64("warmup-steps-ratio", 0, "Warmup as a share of total steps; overrides --warmup-steps")
	f.Int("gradient-accumulation-steps", 0, "Micro-steps per optimizer update")
	f.Bool("mask-lm-head", false, "Only learn the answer-marker embedding row")
	f.String("mode", "", "Distributed mode: local, ddp or deepspeed")
	f.Int("world-size", 0, "Number of in-process workers")
	f.String("precision", "", "Compute precision: fp32, fp16 or bf16")
	f.Int64("seed", 0, "Random seed")
	f.Bool("report", false, "Record metrics to the run store")
	f.Bool("save-checkpoints", false, "Upload the final weights as a tracking artifact; requires --report")
	f.Bool("offline", false, "Disable remote tracking backends")
	f.Bool("resume-from-checkpoint", false, "Continue from the newest checkpoint in the run directory")
	f.Bool("delete-previous-checkpoint", false, "Keep only the newest two checkpoints")
	f.Bool("save-full-model", false, "Export the full model after training")
	f.Int("logging-steps", 0, "Steps between console progress lines")
	return cmd
}

// applyTrainFlags copies the flags set on the command line into cfg.
func applyTrainFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if fs.Changed(name) {
			v, err := fs.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		if fs.Changed(name) {
			v, err := fs.GetFloat64(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, err := fs.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	str("run-name", &cfg.Run.Name)
	str("save-dir", &cfg.Run.SaveDir)
	integer("num-epochs", &cfg.Optim.NumEpochs)
	integer("batch-size", &cfg.Data.BatchSize)
	float("learning-rate", &cfg.Optim.LearningRate)
	str("lr-scheduler", &cfg.Optim.LRScheduler)
	integer("warmup-steps", &cfg.Optim.WarmupSteps)
	if fs.Changed("warmup-steps-ratio") {
		v, err := fs.GetFloat64("warmup-steps-ratio")
		errs = append(errs, err)
		cfg.Optim.WarmupStepsRatio = &v
	}
	integer("gradient-accumulation-steps", &cfg.Optim.GradientAccumulationSteps)
	boolean("mask-lm-head", &cfg.Optim.MaskLMHead)
	str("mode", &cfg.Dist.Mode)
	integer("world-size", &cfg.Dist.WorldSize)
	str("precision", &cfg.Model.Precision)
	if fs.Changed("seed") {
		v, err := fs.GetInt64("seed")
		errs = append(errs, err)
		cfg.Run.Seed = v
	}
	boolean("report", &cfg.Tracking.Report)
	boolean("save-checkpoints", &cfg.Tracking.SaveCheckpoints)
	boolean("offline", &cfg.Run.Offline)
	boolean("resume-from-checkpoint", &cfg.Run.ResumeFromCheckpoint)
	boolean("delete-previous-checkpoint", &cfg.Run.DeletePreviousCheckpoint)
	boolean("save-full-model", &cfg.Run.SaveFullModel)
	integer("logging-steps", &cfg.Logging.Steps)
	return errors.Join(errs...)
}

// runSettings are the parsed enum values of a validated config.
type runSettings struct {
	family    gradsel.Family
	precision tensor.DType
	kind      schedule.Kind
	mode      dist.Mode
}

func parseSettings(cfg *config.Config) (runSettings, error) {
	var s runSettings
	var err error
	if s.family, err = gradsel.ParseFamily(cfg.Model.Family); err != nil {
		return s, err
	}
	if s.precision, err = tensor.ParseDType(cfg.Model.Precision); err != nil {
		return s, err
	}
	if s.kind, err = schedule.ParseKind(cfg.Optim.LRScheduler); err != nil {
		return s, err
	}
	if s.mode, err = dist.ParseMode(cfg.Dist.Mode); err != nil {
		return s, err
	}
	return s, nil
}

func streamSpecs(cfg *config.Config) []data.StreamSpec {
	specs := make([]data.StreamSpec, len(cfg.Data.Streams))
	for i, s := range cfg.Data.Streams {
		specs[i] = data.StreamSpec{
			Name:    s.Name,
			Current: data.Source{Instructions: s.Mimicit, Images: s.Images, TrainConfig: s.TrainConfig},
			Past:    data.Source{Instructions: s.PastMimicit, Images: s.PastImages, TrainConfig: s.PastTrainConfig},
		}
	}
	return specs
}

func openDataset(cfg *config.Config) (*data.Dataset, error) {
	return data.Open(streamSpecs(cfg), cfg.Model.Vocab, data.StreamOptions{
		BatchSize:       cfg.Data.BatchSize,
		MaxSeqLen:       cfg.Data.MaxSeqLen,
		PastSubsetRatio: cfg.Data.PastSubsetRatio,
		Seed:            cfg.Run.Seed,
		WorldSize:       cfg.Dist.WorldSize,
		ImageDim:        cfg.Model.VisionDim,
	})
}

// runConfig is the flattened config recorded with a tracked run.
func runConfig(cfg *config.Config) map[string]any {
	return map[string]any{
		"run_name":                    cfg.Run.Name,
		"seed":                        cfg.Run.Seed,
		"model_family":                cfg.Model.Family,
		"precision":                   cfg.Model.Precision,
		"learning_rate":               cfg.Optim.LearningRate,
		"lr_scheduler":                cfg.Optim.LRScheduler,
		"warmup_steps":                cfg.Optim.WarmupSteps,
		"weight_decay":                cfg.Optim.WeightDecay,
		"gradient_accumulation_steps": cfg.Optim.GradientAccumulationSteps,
		"num_epochs":                  cfg.Optim.NumEpochs,
		"mask_lm_head":                cfg.Optim.MaskLMHead,
		"batch_size":                  cfg.Data.BatchSize,
		"past_subset_ratio":           cfg.Data.PastSubsetRatio,
		"streams":                     len(cfg.Data.Streams),
		"dist_mode":                   cfg.Dist.Mode,
		"world_size":                  cfg.Dist.WorldSize,
	}
}

func buildModel(cfg *config.Config, s runSettings, ds *data.Dataset) (*reference.Model, error) {
	if cfg.Model.Pretrained != "" {
		m, err := reference.FromPretrained(cfg.Model.Pretrained)
		if err != nil {
			return nil, err
		}
		mc := m.ModelConfig()
		if mc.VocabSize != ds.Vocab.Size() || mc.VisionDim != ds.ImageDim {
			return nil, fmt.Errorf("pretrained model expects vocab %d and image dim %d, data has %d and %d",
				mc.VocabSize, mc.VisionDim, ds.Vocab.Size(), ds.ImageDim)
		}
		return m, nil
	}
	// every worker starts from the same weights
	return reference.New(reference.Config{
		Family:           s.family,
		VocabSize:        ds.Vocab.Size(),
		HiddenSize:       cfg.Model.HiddenSize,
		VisionDim:        ds.ImageDim,
		DType:            s.precision,
		Seed:             uint64(cfg.Run.Seed),
		FreezeEmbeddings: cfg.Model.FreezeEmbeddings,
	})
}

// session holds what the workers of one run share.
type session struct {
	cfg      *config.Config
	settings runSettings
	dataset  *data.Dataset
	markers  masking.Markers
	tracker  tracking.Tracker
	host     metrics.Collector
	out      io.Writer
}

func (s *session) newWorker(ctx context.Context, sync *dist.Worker) (*trainer.Trainer, error) {
	cfg := s.cfg
	streams := s.dataset.Streams
	if sync.Rank() != 0 {
		shard, err := s.dataset.Shard(sync.Rank())
		if err != nil {
			return nil, err
		}
		streams = shard
	}
	trStreams := make([]trainer.Stream, len(streams))
	for i, st := range streams {
		trStreams[i] = st
	}

	model, err := buildModel(cfg, s.settings, s.dataset)
	if err != nil {
		return nil, err
	}
	opt := optim.NewAdamW(gradsel.GroupParameters(model.NamedParameters(), cfg.Optim.WeightDecay), cfg.Optim.LearningRate)

	steps := trainer.StepsPerEpoch(trStreams)
	plan, err := schedule.Configure(schedule.Params{
		WarmupSteps:         cfg.Optim.WarmupSteps,
		WarmupRatio:         cfg.Optim.WarmupStepsRatio,
		TotalSteps:          steps * cfg.Optim.NumEpochs,
		AccumulationSteps:   cfg.Optim.GradientAccumulationSteps,
		Workers:             sync.WorldSize(),
		CollectiveOptimizer: s.settings.mode.Collective(),
	})
	if err != nil {
		return nil, err
	}
	if sync.IsMainProcess() {
		logger.WithContext(ctx).Info("learning rate schedule",
			"scheduler", s.settings.kind,
			"warmup_steps", plan.WarmupSteps,
			"total_steps", plan.TotalSteps,
		)
	}
	sched := schedule.New(opt, s.settings.kind, plan)

	ckpt := checkpoint.NewManager(checkpoint.Options{
		Dir:            cfg.Dir(),
		DeletePrevious: cfg.Run.DeletePreviousCheckpoint,
		SaveFullModel:  cfg.Run.SaveFullModel,
		UploadFinal:    cfg.Tracking.SaveCheckpoints,
	}, sync, s.tracker)

	return trainer.New(trainer.Options{
		NumEpochs:            cfg.Optim.NumEpochs,
		LoggingSteps:         cfg.Logging.Steps,
		ResumeFromCheckpoint: cfg.Run.ResumeFromCheckpoint,
		Executor: trainer.ExecutorOptions{
			Markers:     s.markers,
			MaskLMHead:  cfg.Optim.MaskLMHead,
			MaxGradNorm: cfg.Optim.MaxGradNorm,
			BatchSize:   cfg.Data.BatchSize,
			Report:      cfg.Tracking.Report,
		},
		Out: s.out,
	}, trainer.Deps{
		Model:       model,
		Optimizer:   opt,
		Scheduler:   sched,
		Sync:        sync,
		Streams:     trStreams,
		Checkpoints: ckpt,
		Tracker:     s.tracker,
		Host:        s.host,
	})
}

func openRunStore(path string) (store.RunStore, error) {
	if path == "" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create tracking dir: %w", err)
	}
	return store.NewSQLiteStore(path)
}

// runTrain trains a validated config with cfg.Dist.WorldSize workers on
// their own goroutines.
func runTrain(ctx context.Context, cfg *config.Config, out io.Writer) (err error) {
	settings, err := parseSettings(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Dir(), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	ds, err := openDataset(cfg)
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}
	markers, err := masking.ResolveMarkers(ds.Vocab)
	if err != nil {
		return err
	}

	s := &session{cfg: cfg, settings: settings, dataset: ds, markers: markers, tracker: tracking.Noop{}, out: out}
	if cfg.Tracking.Report {
		runs, err := openRunStore(cfg.Tracking.DB)
		if err != nil {
			return err
		}
		reporter, err := tracking.New(ctx, tracking.Options{
			RunName:      cfg.Run.Name,
			Project:      cfg.Tracking.Project,
			Entity:       cfg.Tracking.Entity,
			Config:       runConfig(cfg),
			Offline:      cfg.Run.Offline,
			Store:        runs,
			RedisAddr:    cfg.Tracking.RedisAddr,
			RedisMaxRate: cfg.Tracking.RedisMaxRate,
			MetricsAddr:  cfg.Tracking.MetricsAddr,
		})
		if err != nil {
			runs.Close()
			return fmt.Errorf("start tracking: %w", err)
		}
		defer func() {
			if err != nil {
				reporter.Fail()
			}
			if cerr := reporter.Close(); cerr != nil {
				logger.Warn("close tracking", "error", cerr)
			}
		}()
		ctx = logger.SetRunID(ctx, reporter.RunID())
		s.tracker = reporter

		if cfg.Tracking.HostMetrics {
			host := metrics.NewCachedCollector(metrics.NewCollector(cfg.Dir()), cfg.Tracking.HostMetricsIntervalD)
			host.Start(ctx)
			defer host.Stop()
			s.host = host
		}
	}

	syncs, err := dist.NewGroup(cfg.Dist.WorldSize, dist.Options{
		Mode:              settings.mode,
		AccumulationSteps: cfg.Optim.GradientAccumulationSteps,
		Precision:         settings.precision,
	})
	if err != nil {
		return err
	}

	workers := make([]*trainer.Trainer, len(syncs))
	for i, sync := range syncs {
		if workers[i], err = s.newWorker(ctx, sync); err != nil {
			return fmt.Errorf("worker %d: %w", i, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.WithContext(ctx).Info("training finished", "dir", cfg.Dir())
	return nil
}
