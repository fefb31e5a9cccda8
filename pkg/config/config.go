package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Run      RunConfig      `toml:"run"`
	Model    ModelConfig    `toml:"model"`
	Data     DataConfig     `toml:"data"`
	Optim    OptimConfig    `toml:"optim"`
	Dist     DistConfig     `toml:"dist"`
	Tracking TrackingConfig `toml:"tracking"`
	Logging  LoggingConfig  `toml:"logging"`
}

type RunConfig struct {
	Name    string `toml:"name"`
	SaveDir string `toml:"save_dir"`
	Seed    int64  `toml:"seed"`
	// ResumeFromCheckpoint continues from the newest checkpoint_<epoch>.pt
	// in the run directory.
	ResumeFromCheckpoint bool `toml:"resume_from_checkpoint"`
	// DeletePreviousCheckpoint keeps the newest checkpoint and the one before it.
	DeletePreviousCheckpoint bool `toml:"delete_previous_checkpoint"`
	SaveFullModel            bool `toml:"save_full_model"`
	// Offline disables the remote tracking backends.
	Offline bool `toml:"offline"`
}

type ModelConfig struct {
	Family string `toml:"family"`
	// Pretrained is a full_model directory to start from.
	Pretrained string `toml:"pretrained"`
	// Vocab is loaded when present, otherwise built from the data and written there.
	Vocab      string `toml:"vocab"`
	HiddenSize int    `toml:"hidden_size"`
	// VisionDim of 0 takes the width of the image features.
	VisionDim        int    `toml:"vision_dim"`
	Precision        string `toml:"precision"`
	FreezeEmbeddings bool   `toml:"freeze_embeddings"`
}

// StreamConfig is one named dataset with optional replay ("past") files.
type StreamConfig struct {
	Name            string `toml:"name"`
	Mimicit         string `toml:"mimicit"`
	Images          string `toml:"images"`
	TrainConfig     string `toml:"train_config"`
	PastMimicit     string `toml:"past_mimicit"`
	PastImages      string `toml:"past_images"`
	PastTrainConfig string `toml:"past_train_config"`
}

type DataConfig struct {
	Streams         []StreamConfig `toml:"streams"`
	BatchSize       int            `toml:"batch_size"`
	MaxSeqLen       int            `toml:"max_seq_len"`
	PastSubsetRatio float64        `toml:"past_subset_ratio"`
}

type OptimConfig struct {
	LearningRate float64 `toml:"learning_rate"`
	LRScheduler  string  `toml:"lr_scheduler"`
	WarmupSteps  int     `toml:"warmup_steps"`
	// WarmupStepsRatio overrides WarmupSteps when set.
	WarmupStepsRatio          *float64 `toml:"warmup_steps_ratio"`
	WeightDecay               float64  `toml:"weight_decay"`
	GradientAccumulationSteps int      `toml:"gradient_accumulation_steps"`
	NumEpochs                 int      `toml:"num_epochs"`
	MaskLMHead                bool     `toml:"mask_lm_head"`
	MaxGradNorm               float64  `toml:"max_grad_norm"`
}

type DistConfig struct {
	Mode      string `toml:"mode"`
	WorldSize int    `toml:"world_size"`
}

type TrackingConfig struct {
	Report  bool   `toml:"report"`
	Project string `toml:"project"`
	Entity  string `toml:"entity"`
	// SaveCheckpoints uploads the final weights as a run artifact.
	SaveCheckpoints bool   `toml:"save_checkpoints"`
	DB              string `toml:"db"`
	RedisAddr       string `toml:"redis_addr"`
	// RedisMaxRate caps metric records per second mirrored to redis.
	RedisMaxRate float64 `toml:"redis_max_rate"`
	MetricsAddr  string  `toml:"metrics_addr"`
	HostMetrics  bool    `toml:"host_metrics"`
	// HostMetricsInterval caches host samples between metric records.
	HostMetricsInterval  string        `toml:"host_metrics_interval"`
	HostMetricsIntervalD time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
	// Steps between console progress lines.
	Steps int `toml:"steps"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".vitune")

	return &Config{
		Run: RunConfig{
			Name:    "otter",
			SaveDir: filepath.Join(dataDir, "runs"),
			Seed:    42,
		},
		Model: ModelConfig{
			Family:     "mpt",
			HiddenSize: 32,
			Precision:  "bf16",
		},
		Data: DataConfig{
			BatchSize:       8,
			MaxSeqLen:       2048,
			PastSubsetRatio: 1.0,
		},
		Optim: OptimConfig{
			LearningRate:              1e-4,
			LRScheduler:               "constant",
			WarmupSteps:               1000,
			WeightDecay:               0.1,
			GradientAccumulationSteps: 1,
			NumEpochs:                 1,
			MaxGradNorm:               1.0,
		},
		Dist: DistConfig{
			Mode:      "local",
			WorldSize: 1,
		},
		Tracking: TrackingConfig{
			Project:             "otter",
			DB:                  filepath.Join(dataDir, "vitune.db"),
			RedisMaxRate:        20,
			HostMetrics:         true,
			HostMetricsInterval: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Steps:  100,
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

// Dir is where the checkpoints of this run live.
func (c *Config) Dir() string {
	return filepath.Join(c.Run.SaveDir, c.Run.Name)
}

func (c *Config) postProcess() error {
	var err error

	if c.Tracking.HostMetricsIntervalD, err = time.ParseDuration(c.Tracking.HostMetricsInterval); err != nil {
		return fmt.Errorf("parse tracking.host_metrics_interval: %w", err)
	}

	paths := []struct {
		name string
		p    *string
	}{
		{"run.save_dir", &c.Run.SaveDir},
		{"model.pretrained", &c.Model.Pretrained},
		{"model.vocab", &c.Model.Vocab},
		{"tracking.db", &c.Tracking.DB},
		{"logging.file", &c.Logging.File},
	}
	for i := range c.Data.Streams {
		s := &c.Data.Streams[i]
		prefix := fmt.Sprintf("data.streams[%d].", i)
		paths = append(paths, []struct {
			name string
			p    *string
		}{
			{prefix + "mimicit", &s.Mimicit},
			{prefix + "images", &s.Images},
			{prefix + "train_config", &s.TrainConfig},
			{prefix + "past_mimicit", &s.PastMimicit},
			{prefix + "past_images", &s.PastImages},
			{prefix + "past_train_config", &s.PastTrainConfig},
		}...)
	}
	for _, p := range paths {
		if *p.p, err = expandPath(*p.p); err != nil {
			return fmt.Errorf("expand %s: %w", p.name, err)
		}
	}

	return nil
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

func (c *Config) Validate() error {
	v := &ValidationError{}
	add := func(format string, args ...any) {
		v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
	}

	if c.Run.Name == "" {
		add("run.name must not be empty")
	}
	if c.Run.SaveDir == "" {
		add("run.save_dir must not be empty")
	}

	switch strings.ToLower(c.Model.Family) {
	case "mpt", "llama":
	default:
		add("model.family must be mpt or llama, got %q", c.Model.Family)
	}
	if c.Model.Pretrained == "" && c.Model.HiddenSize < 1 {
		add("model.hidden_size must be at least 1, got %d", c.Model.HiddenSize)
	}
	if c.Model.VisionDim < 0 {
		add("model.vision_dim cannot be negative, got %d", c.Model.VisionDim)
	}
	validPrecisions := map[string]bool{"no": true, "fp32": true, "fp16": true, "bf16": true}
	if !validPrecisions[strings.ToLower(c.Model.Precision)] {
		add("invalid model.precision: %s (valid: no, fp32, fp16, bf16)", c.Model.Precision)
	}

	if len(c.Data.Streams) == 0 {
		add("data.streams needs at least one stream")
	}
	seen := map[string]bool{}
	for i, s := range c.Data.Streams {
		switch {
		case s.Name == "":
			add("data.streams[%d].name must not be empty", i)
		case seen[s.Name]:
			add("data.streams[%d].name %q is used twice", i, s.Name)
		}
		seen[s.Name] = true
		if s.Mimicit == "" {
			add("data.streams[%d].mimicit must not be empty", i)
		}
	}
	if c.Data.BatchSize < 1 {
		add("data.batch_size must be at least 1, got %d", c.Data.BatchSize)
	}
	if c.Data.MaxSeqLen < 0 {
		add("data.max_seq_len cannot be negative, got %d", c.Data.MaxSeqLen)
	}
	if c.Data.PastSubsetRatio < 0 || c.Data.PastSubsetRatio > 1 {
		add("data.past_subset_ratio must be between 0 and 1, got %.2f", c.Data.PastSubsetRatio)
	}

	if c.Optim.LearningRate <= 0 {
		add("optim.learning_rate must be positive, got %g", c.Optim.LearningRate)
	}
	switch strings.ToLower(c.Optim.LRScheduler) {
	case "constant", "linear", "cosine":
	default:
		add("invalid optim.lr_scheduler: %s (valid: constant, linear, cosine)", c.Optim.LRScheduler)
	}
	if c.Optim.WarmupSteps < 0 {
		add("optim.warmup_steps cannot be negative, got %d", c.Optim.WarmupSteps)
	}
	if r := c.Optim.WarmupStepsRatio; r != nil && (*r < 0 || *r > 1) {
		add("optim.warmup_steps_ratio must be between 0 and 1, got %.2f", *r)
	}
	if c.Optim.WeightDecay < 0 {
		add("optim.weight_decay cannot be negative, got %g", c.Optim.WeightDecay)
	}
	if c.Optim.GradientAccumulationSteps < 1 {
		add("optim.gradient_accumulation_steps must be at least 1, got %d", c.Optim.GradientAccumulationSteps)
	}
	if c.Optim.NumEpochs < 0 {
		add("optim.num_epochs cannot be negative, got %d", c.Optim.NumEpochs)
	}
	if c.Optim.MaxGradNorm <= 0 {
		add("optim.max_grad_norm must be positive, got %g", c.Optim.MaxGradNorm)
	}

	switch strings.ToLower(c.Dist.Mode) {
	case "local", "no":
		if c.Dist.WorldSize != 1 {
			add("dist.mode %s runs a single worker, got world_size %d", c.Dist.Mode, c.Dist.WorldSize)
		}
	case "ddp", "multi_gpu", "deepspeed":
		if c.Dist.WorldSize < 1 {
			add("dist.world_size must be at least 1, got %d", c.Dist.WorldSize)
		}
	default:
		add("invalid dist.mode: %s (valid: local, ddp, deepspeed)", c.Dist.Mode)
	}

	if c.Tracking.RedisMaxRate < 0 {
		add("tracking.redis_max_rate cannot be negative, got %g", c.Tracking.RedisMaxRate)
	}
	if c.Tracking.SaveCheckpoints && !c.Tracking.Report {
		add("tracking.save_checkpoints requires tracking.report")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		add("invalid logging.level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		add("invalid logging.format: %s (valid: json, text)", c.Logging.Format)
	}
	if c.Logging.Steps < 0 {
		add("logging.steps cannot be negative, got %d", c.Logging.Steps)
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VITUNE_RUN_NAME"); v != "" {
		cfg.Run.Name = v
	}
	if v := os.Getenv("VITUNE_SAVE_DIR"); v != "" {
		cfg.Run.SaveDir = v
	}
	if v := os.Getenv("VITUNE_RESUME_FROM_CHECKPOINT"); v != "" {
		cfg.Run.ResumeFromCheckpoint = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("VITUNE_OFFLINE"); v != "" {
		cfg.Run.Offline = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("VITUNE_REPORT"); v != "" {
		cfg.Tracking.Report = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("VITUNE_TRACKING_DB"); v != "" {
		cfg.Tracking.DB = v
	}
	if v := os.Getenv("VITUNE_REDIS_ADDR"); v != "" {
		cfg.Tracking.RedisAddr = v
	}
	if v := os.Getenv("VITUNE_METRICS_ADDR"); v != "" {
		cfg.Tracking.MetricsAddr = v
	}
	if v := os.Getenv("VITUNE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VITUNE_DIST_MODE"); v != "" {
		cfg.Dist.Mode = v
	}
	// Launcher variables first, then the explicit override.
	if v := os.Getenv("WORLD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dist.WorldSize = n
		}
	}
	if v := os.Getenv("VITUNE_WORLD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dist.WorldSize = n
		}
	}
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

// Read loads the file at configPath, or the defaults when it is empty, and
// applies environment overrides. The result is not validated.
func Read(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}
	return cfg, nil
}

func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
