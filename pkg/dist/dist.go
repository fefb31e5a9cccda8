// Package dist abstracts the distributed execution context the trainer runs
// under: worker identity, barriers, accumulation-aware sync boundaries,
// gradient synchronization and mixed-precision compute.
package dist

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jguan/vitune/pkg/tensor"
)

// Mode names the distributed backend.
type Mode string

const (
	ModeLocal     Mode = "local"
	ModeDDP       Mode = "ddp"
	ModeDeepSpeed Mode = "deepspeed"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLocal, "", "no":
		return ModeLocal, nil
	case ModeDDP, "multi_gpu":
		return ModeDDP, nil
	case ModeDeepSpeed:
		return ModeDeepSpeed, nil
	default:
		return "", fmt.Errorf("unknown distributed mode %q (valid: local, ddp, deepspeed)", s)
	}
}

// Collective reports whether the optimizer is sharded by the backend and
// expects globally scaled schedule lengths.
func (m Mode) Collective() bool { return m == ModeDeepSpeed }

// Synchronizer is the per-worker execution context.
type Synchronizer interface {
	Rank() int
	LocalRank() int
	WorldSize() int
	IsMainProcess() bool
	Mode() Mode
	Device() string

	// Barrier blocks until every worker has reached it.
	Barrier(ctx context.Context) error

	// Accumulate marks the start of a micro-step. final forces a sync
	// boundary, used on the last step of an epoch.
	Accumulate(final bool)
	IsSyncBoundary() bool
	AccumulationSteps() int

	// Backward propagates loss scaled by 1/AccumulationSteps.
	Backward(ctx context.Context, loss tensor.Loss) error

	// ClipAndSyncGradients averages gradients across workers, clips them to
	// maxNorm in global L2 norm and returns the pre-clip norm.
	ClipAndSyncGradients(ctx context.Context, params []*tensor.Parameter, maxNorm float64) (float64, error)

	// Autocast runs fn with the worker's compute precision in ctx.
	Autocast(ctx context.Context, fn func(ctx context.Context) error) error

	// Place moves a host tensor to the worker's device.
	Place(t tensor.Tensor) tensor.Tensor
}

// WorldInfo identifies a worker within a job.
type WorldInfo struct {
	LocalRank int `json:"local_rank" yaml:"local_rank"`
	Rank      int `json:"rank" yaml:"rank"`
	WorldSize int `json:"world_size" yaml:"world_size"`
}

var rankEnv = [][3]string{
	{"LOCAL_RANK", "RANK", "WORLD_SIZE"},
	{"MPI_LOCALRANKID", "PMI_RANK", "PMI_SIZE"},
	{"SLURM_LOCALID", "SLURM_PROCID", "SLURM_NTASKS"},
	{"OMPI_COMM_WORLD_LOCAL_RANK", "OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
}

// WorldInfoFromEnv reads the launcher environment. Without any launcher
// variables the worker is rank 0 of 1.
func WorldInfoFromEnv() (WorldInfo, error) {
	info := WorldInfo{WorldSize: 1}
	for _, keys := range rankEnv {
		vals := make([]int, 3)
		found := false
		for i, k := range keys {
			v, ok := os.LookupEnv(k)
			if !ok || v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return WorldInfo{}, fmt.Errorf("parse %s=%q: %w", k, v, err)
			}
			vals[i] = n
			found = true
		}
		if !found {
			continue
		}
		info.LocalRank, info.Rank = vals[0], vals[1]
		if vals[2] > 0 {
			info.WorldSize = vals[2]
		}
		break
	}
	if info.Rank < 0 || info.Rank >= info.WorldSize {
		return WorldInfo{}, fmt.Errorf("rank %d out of range for world size %d", info.Rank, info.WorldSize)
	}
	return info, nil
}

type precisionKey struct{}

// WithPrecision records the compute precision for code running under Autocast.
func WithPrecision(ctx context.Context, dt tensor.DType) context.Context {
	return context.WithValue(ctx, precisionKey{}, dt)
}

// PrecisionFromContext returns the autocast precision, Float32 outside Autocast.
func PrecisionFromContext(ctx context.Context) tensor.DType {
	if dt, ok := ctx.Value(precisionKey{}).(tensor.DType); ok && dt != "" {
		return dt
	}
	return tensor.Float32
}
