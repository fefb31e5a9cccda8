package metrics

import (
	"context"
	"time"
)

// Collector samples host resources relevant to a training worker.
type Collector interface {
	Collect(ctx context.Context) (Metrics, error)
}

type Metrics struct {
	CPU       float64
	Memory    MemoryMetrics
	Disk      DiskMetrics
	Process   ProcessMetrics
	Timestamp time.Time
}

type MemoryMetrics struct {
	Used      uint64
	Total     uint64
	Available uint64
	Percent   float64
}

// DiskMetrics describes the volume holding Path, usually the checkpoint directory.
type DiskMetrics struct {
	Path    string
	Used    uint64
	Total   uint64
	Free    uint64
	Percent float64
}

type ProcessMetrics struct {
	Goroutines int
	HeapAlloc  uint64
	HeapSys    uint64
}

// Fields flattens the sample into tracking keys.
func (m Metrics) Fields() map[string]float64 {
	return map[string]float64{
		"host/cpu_percent":     m.CPU,
		"host/mem_percent":     m.Memory.Percent,
		"host/mem_used_bytes":  float64(m.Memory.Used),
		"host/disk_percent":    m.Disk.Percent,
		"host/disk_free_bytes": float64(m.Disk.Free),
		"proc/goroutines":      float64(m.Process.Goroutines),
		"proc/heap_alloc":      float64(m.Process.HeapAlloc),
	}
}
