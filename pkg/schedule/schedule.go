// Package schedule converts raw step counts into the effective warmup and
// training lengths seen by the learning-rate scheduler, and implements the
// constant, linear and cosine warmup schedules.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Kind selects the shape of the learning-rate curve after warmup.
type Kind string

const (
	KindConstant Kind = "constant"
	KindLinear   Kind = "linear"
	KindCosine   Kind = "cosine"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindConstant, "":
		return KindConstant, nil
	case KindLinear:
		return KindLinear, nil
	case KindCosine:
		return KindCosine, nil
	default:
		return "", fmt.Errorf("unknown lr scheduler %q (valid: constant, linear, cosine)", s)
	}
}

// Params are the raw inputs to Configure.
type Params struct {
	// WarmupSteps is used when WarmupRatio is nil.
	WarmupSteps int
	// WarmupRatio, when set, derives warmup as round(ratio * TotalSteps).
	WarmupRatio       *float64
	TotalSteps        int
	AccumulationSteps int
	Workers           int
	// CollectiveOptimizer marks runs where the optimizer shards its own
	// per-worker batching and expects globally scaled step counts.
	CollectiveOptimizer bool
}

// Plan holds the effective step counts handed to the scheduler.
type Plan struct {
	WarmupSteps int `json:"warmup_steps" yaml:"warmup_steps"`
	TotalSteps  int `json:"total_steps" yaml:"total_steps"`
}

var ErrInvalidParams = errors.New("invalid schedule parameters")

// Configure derives the effective warmup and total step counts.
func Configure(p Params) (Plan, error) {
	if p.TotalSteps < 0 {
		return Plan{}, fmt.Errorf("%w: total steps %d is negative", ErrInvalidParams, p.TotalSteps)
	}
	if p.AccumulationSteps < 1 {
		return Plan{}, fmt.Errorf("%w: accumulation steps must be at least 1, got %d", ErrInvalidParams, p.AccumulationSteps)
	}
	if p.Workers < 1 {
		return Plan{}, fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidParams, p.Workers)
	}

	warmup := p.WarmupSteps
	if p.WarmupRatio != nil {
		r := *p.WarmupRatio
		if r < 0 || r > 1 || math.IsNaN(r) {
			return Plan{}, fmt.Errorf("%w: warmup ratio must be between 0 and 1, got %v", ErrInvalidParams, r)
		}
		warmup = int(math.Round(r * float64(p.TotalSteps)))
	}
	if warmup < 0 {
		return Plan{}, fmt.Errorf("%w: warmup steps %d is negative", ErrInvalidParams, warmup)
	}

	plan := Plan{
		WarmupSteps: warmup / p.AccumulationSteps,
		TotalSteps:  p.TotalSteps / p.AccumulationSteps,
	}
	if p.CollectiveOptimizer {
		plan.WarmupSteps *= p.Workers
		plan.TotalSteps *= p.Workers
	}
	return plan, nil
}

// Multiplier returns the factor applied to the base learning rate at step.
func Multiplier(kind Kind, plan Plan, step int) float64 {
	if step < plan.WarmupSteps {
		return float64(step) / float64(max(1, plan.WarmupSteps))
	}
	switch kind {
	case KindLinear:
		remaining := float64(plan.TotalSteps-step) / float64(max(1, plan.TotalSteps-plan.WarmupSteps))
		return math.Max(0, remaining)
	case KindCosine:
		progress := float64(step-plan.WarmupSteps) / float64(max(1, plan.TotalSteps-plan.WarmupSteps))
		if progress >= 1 {
			return 0
		}
		return math.Max(0, 0.5*(1+math.Cos(math.Pi*progress)))
	default:
		return 1
	}
}
