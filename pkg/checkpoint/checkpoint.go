// Package checkpoint persists and restores training state: one snapshot per
// completed epoch, the final trainable weights, and the model config sidecar.
//
// Layout under the run directory:
//
//	checkpoint_<epoch>.pt   epoch, model, optimizer and scheduler state
//	final_weights.pt        trainable model weights only
//	config.json             model configuration
//	full_model/             optional complete export (config.json, weights.pt)
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jguan/vitune/pkg/infra/logger"
	"github.com/jguan/vitune/pkg/infra/metrics"
	"github.com/jguan/vitune/pkg/optim"
	"github.com/jguan/vitune/pkg/schedule"
	"github.com/jguan/vitune/pkg/tensor"
)

const (
	checkpointPrefix = "checkpoint_"
	checkpointSuffix = ".pt"

	FinalWeightsFile = "final_weights.pt"
	ConfigFile       = "config.json"
	FullModelDir     = "full_model"
	FullWeightsFile  = "weights.pt"
)

var ErrNoCheckpoint = errors.New("no checkpoint found")

// State is the manager's lifecycle position.
type State string

const (
	StateNoCheckpoint State = "no_checkpoint"
	StateLoaded       State = "loaded"
	StateSaving       State = "saving"
	StateSaved        State = "saved"
	StateFinalSaved   State = "final_saved"
)

// Snapshot is the content of checkpoint_<epoch>.pt.
type Snapshot struct {
	Epoch     int              `msgpack:"epoch"`
	SavedAt   time.Time        `msgpack:"saved_at"`
	Model     tensor.StateDict `msgpack:"model_state_dict"`
	Optimizer optim.State      `msgpack:"optimizer_state_dict"`
	Scheduler schedule.State   `msgpack:"lr_scheduler_state_dict"`
}

// Model is the part of a model the manager persists.
type Model interface {
	NamedParameters() []*tensor.Parameter
	StateDict() tensor.StateDict
	LoadStateDict(sd tensor.StateDict, strict bool) (tensor.LoadResult, error)
	Config() any
}

type Optimizer interface {
	State() optim.State
	Load(optim.State) error
}

type Scheduler interface {
	State() schedule.State
	Load(schedule.State) error
}

// Coordinator is the distributed context a save runs in.
type Coordinator interface {
	Barrier(ctx context.Context) error
	IsMainProcess() bool
}

// ArtifactSink receives the final weights when uploads are enabled.
type ArtifactSink interface {
	SaveArtifact(ctx context.Context, path string) error
}

type Options struct {
	// Dir is <save_dir>/<run_name>.
	Dir string
	// DeletePrevious keeps the current and the preceding checkpoint: once
	// checkpoint_<epoch>.pt is durable, checkpoint_<epoch-2>.pt is removed.
	DeletePrevious bool
	// SaveFullModel writes full_model/ next to the final weights.
	SaveFullModel bool
	// UploadFinal hands final_weights.pt to the artifact sink.
	UploadFinal bool
}

// Manager runs the checkpoint state machine for one worker.
type Manager struct {
	opts      Options
	coord     Coordinator
	artifacts ArtifactSink
	state     State
	lastEpoch int
}

// NewManager creates a manager; artifacts may be nil.
func NewManager(opts Options, coord Coordinator, artifacts ArtifactSink) *Manager {
	return &Manager{
		opts:      opts,
		coord:     coord,
		artifacts: artifacts,
		state:     StateNoCheckpoint,
		lastEpoch: -1,
	}
}

func (m *Manager) State() State { return m.state }

func (m *Manager) Dir() string { return m.opts.Dir }

// Path returns the checkpoint file name for epoch.
func (m *Manager) Path(epoch int) string {
	return filepath.Join(m.opts.Dir, fmt.Sprintf("%s%d%s", checkpointPrefix, epoch, checkpointSuffix))
}

// Entry describes a checkpoint file on disk.
type Entry struct {
	Epoch   int       `json:"epoch" yaml:"epoch"`
	Path    string    `json:"path" yaml:"path"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"mod_time" yaml:"mod_time"`
}

// ParseEpoch extracts n from checkpoint_<n>.pt.
func ParseEpoch(name string) (int, bool) {
	if !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointSuffix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// List returns every parseable checkpoint in Dir ordered by epoch.
func List(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		epoch, ok := ParseEpoch(d.Name())
		if !ok {
			continue
		}
		e := Entry{Epoch: epoch, Path: filepath.Join(dir, d.Name())}
		if info, err := d.Info(); err == nil {
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return a.Epoch - b.Epoch })
	return entries, nil
}

// Discover returns the checkpoint with the highest epoch.
func (m *Manager) Discover() (Entry, error) {
	entries, err := List(m.opts.Dir)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%w for run %s", ErrNoCheckpoint, m.opts.Dir)
	}
	return entries[len(entries)-1], nil
}

// Resume loads the latest checkpoint and returns the epoch to start from.
// Any failure is logged and training starts from epoch 0.
func (m *Manager) Resume(ctx context.Context, model Model, opt Optimizer, sched Scheduler) int {
	log := logger.WithContext(ctx)

	entry, err := m.Discover()
	if err != nil {
		log.Info("found no checkpoints for run", "dir", m.opts.Dir, "error", err)
		return 0
	}
	log.Info("found checkpoint for run", "path", entry.Path, "epoch", entry.Epoch)

	start, err := m.Load(ctx, entry.Path, model, opt, sched)
	if err != nil {
		log.Info("could not resume from checkpoint, starting from epoch 0", "path", entry.Path, "error", err)
		return 0
	}
	return start
}

// Load restores model, optimizer and scheduler from path and returns the
// next epoch. The model load is non-strict. When any part fails to load, the
// model and optimizer are rolled back to their state before the call.
func (m *Manager) Load(ctx context.Context, path string, model Model, opt Optimizer, sched Scheduler) (int, error) {
	snap, err := ReadSnapshot(path)
	if err != nil {
		return 0, err
	}

	prevModel := model.StateDict()
	prevOpt := opt.State()
	rollback := func(cause error) error {
		if _, err := model.LoadStateDict(prevModel, false); err != nil {
			cause = errors.Join(cause, fmt.Errorf("restore model state: %w", err))
		}
		if err := opt.Load(prevOpt); err != nil {
			cause = errors.Join(cause, fmt.Errorf("restore optimizer state: %w", err))
		}
		return cause
	}

	res, err := model.LoadStateDict(snap.Model, false)
	if err != nil {
		return 0, rollback(fmt.Errorf("load model state: %w", err))
	}
	log := logger.WithContext(ctx)
	if len(res.Missing) > 0 || len(res.Unexpected) > 0 {
		log.Info("non-strict model load", "missing_keys", len(res.Missing), "unexpected_keys", len(res.Unexpected))
		log.Debug("non-strict model load detail", "missing", res.Missing, "unexpected", res.Unexpected)
	}
	if err := opt.Load(snap.Optimizer); err != nil {
		return 0, rollback(fmt.Errorf("load optimizer state: %w", err))
	}
	if err := sched.Load(snap.Scheduler); err != nil {
		return 0, rollback(fmt.Errorf("load scheduler state: %w", err))
	}

	m.state = StateLoaded
	m.lastEpoch = snap.Epoch
	log.Info("loaded checkpoint", "path", path, "epoch", snap.Epoch, "resume_epoch", snap.Epoch+1)
	return snap.Epoch + 1, nil
}

// Save writes checkpoint_<epoch>.pt on the main process between two barriers.
// A failed write leaves the previous checkpoint in place.
func (m *Manager) Save(ctx context.Context, epoch int, model Model, opt Optimizer, sched Scheduler) error {
	if err := m.coord.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier before checkpoint: %w", err)
	}

	prev := m.state
	m.state = StateSaving
	var saveErr error
	if m.coord.IsMainProcess() {
		saveErr = m.writeCheckpoint(ctx, epoch, model, opt, sched)
	}

	// every worker meets the second barrier even when the write failed
	if err := m.coord.Barrier(ctx); err != nil {
		saveErr = errors.Join(saveErr, fmt.Errorf("barrier after checkpoint: %w", err))
	}
	if saveErr != nil {
		m.state = prev
		return saveErr
	}
	m.state = StateSaved
	m.lastEpoch = epoch
	return nil
}

func (m *Manager) writeCheckpoint(ctx context.Context, epoch int, model Model, opt Optimizer, sched Scheduler) error {
	log := logger.WithContext(ctx)
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	snap := Snapshot{
		Epoch:     epoch,
		SavedAt:   time.Now().UTC(),
		Model:     TrainableState(model),
		Optimizer: opt.State(),
		Scheduler: sched.State(),
	}
	data, err := Encode(KindCheckpoint, snap)
	if err != nil {
		return err
	}

	path := m.Path(epoch)
	log.Info("saving checkpoint", "path", path, "bytes", len(data))
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := m.writeConfig(m.opts.Dir, model); err != nil {
		return err
	}

	if m.opts.DeletePrevious && epoch > 1 {
		old := m.Path(epoch - 2)
		if err := os.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("failed to delete previous checkpoint", "path", old, "error", err)
		}
	}

	if disk, err := metrics.DiskUsage(m.opts.Dir); err == nil {
		log.Info("checkpoint saved", "path", path, "disk_free_bytes", disk.Free, "disk_used_percent", disk.Percent)
	}
	return nil
}

func (m *Manager) writeConfig(dir string, model Model) error {
	data, err := json.MarshalIndent(model.Config(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, ConfigFile), append(data, '\n')); err != nil {
		return fmt.Errorf("write model config: %w", err)
	}
	return nil
}

// SaveFinal writes the trainable weights and config after the last epoch,
// optionally uploads them and exports the full model.
func (m *Manager) SaveFinal(ctx context.Context, model Model) error {
	if err := m.coord.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier before final save: %w", err)
	}
	if !m.coord.IsMainProcess() {
		m.state = StateFinalSaved
		return nil
	}

	log := logger.WithContext(ctx)
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	path := filepath.Join(m.opts.Dir, FinalWeightsFile)
	if err := writeWeights(path, TrainableState(model)); err != nil {
		return err
	}
	if err := m.writeConfig(m.opts.Dir, model); err != nil {
		return err
	}
	log.Info("saved final weights", "path", path)

	if m.opts.UploadFinal && m.artifacts != nil {
		// upload failures never fail the run
		if err := m.artifacts.SaveArtifact(ctx, path); err != nil {
			log.Warn("failed to upload final weights", "path", path, "error", err)
		}
	}

	if m.opts.SaveFullModel {
		dir := filepath.Join(m.opts.Dir, FullModelDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create full model dir: %w", err)
		}
		if err := writeWeights(filepath.Join(dir, FullWeightsFile), model.StateDict()); err != nil {
			return err
		}
		if err := m.writeConfig(dir, model); err != nil {
			return err
		}
		log.Info("exported full model", "dir", dir)
	}

	m.state = StateFinalSaved
	return nil
}

func writeWeights(path string, sd tensor.StateDict) error {
	data, err := Encode(KindWeights, sd)
	if err != nil {
		return err
	}
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// TrainableState keeps only the entries of parameters that require gradients.
func TrainableState(model Model) tensor.StateDict {
	full := model.StateDict()
	out := make(tensor.StateDict)
	for _, p := range model.NamedParameters() {
		if !p.RequiresGrad {
			continue
		}
		if t, ok := full[p.Name]; ok {
			out[p.Name] = t
		}
	}
	return out
}

// ReadSnapshot decodes a checkpoint_<epoch>.pt file.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := Decode(data, KindCheckpoint, &snap); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &snap, nil
}

// ReadWeights decodes final_weights.pt or full_model/weights.pt.
func ReadWeights(path string) (tensor.StateDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sd tensor.StateDict
	if err := Decode(data, KindWeights, &sd); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return sd, nil
}
