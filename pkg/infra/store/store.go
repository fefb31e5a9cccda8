package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already exists")
)

type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// Run is one training run as seen by the tracking backends.
type Run struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Project    string         `json:"project,omitempty" yaml:"project,omitempty"`
	Entity     string         `json:"entity,omitempty" yaml:"entity,omitempty"`
	Status     RunStatus      `json:"status" yaml:"status"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

type MetricPoint struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	Step      int64     `json:"step" yaml:"step"`
	Key       string    `json:"key" yaml:"key"`
	Value     float64   `json:"value" yaml:"value"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

type Artifact struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	Path      string    `json:"path" yaml:"path"`
	Size      int64     `json:"size" yaml:"size"`
	Digest    string    `json:"digest" yaml:"digest"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

type RunFilter struct {
	Project string
	Status  RunStatus
	Limit   int
}

// RunStore persists runs, their metric history and uploaded artifacts.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, status RunStatus, at time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	AppendMetrics(ctx context.Context, points []MetricPoint) error
	// Metrics returns the history of key for a run ordered by step. An empty
	// key returns every series.
	Metrics(ctx context.Context, runID, key string) ([]MetricPoint, error)
	AddArtifact(ctx context.Context, artifact Artifact) error
	Artifacts(ctx context.Context, runID string) ([]Artifact, error)
	Close() error
}
