package metrics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

type systemCollector struct {
	diskPath string
	interval time.Duration
}

// NewCollector returns a collector that reports the volume holding diskPath.
// An empty diskPath means the working directory.
func NewCollector(diskPath string) Collector {
	return &systemCollector{diskPath: diskPath, interval: 200 * time.Millisecond}
}

func (c *systemCollector) Collect(ctx context.Context) (Metrics, error) {
	var metrics Metrics

	cpu, err := c.collectCPU(ctx)
	if err != nil {
		return Metrics{}, err
	}
	metrics.CPU = cpu

	mem, err := c.collectMemory()
	if err != nil {
		return Metrics{}, err
	}
	metrics.Memory = mem

	disk, err := DiskUsage(c.diskPath)
	if err != nil {
		return Metrics{}, err
	}
	metrics.Disk = disk

	metrics.Process = collectProcess()
	metrics.Timestamp = time.Now()

	return metrics, nil
}

type cpuStat struct{ idle, total uint64 }

func readCPUStat() (cpuStat, error) {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return cpuStat{}, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return cpuStat{}, scanner.Err()
	}

	line := scanner.Text()
	parts := strings.Fields(line)
	if len(parts) < 5 || parts[0] != "cpu" {
		return cpuStat{}, fmt.Errorf("unexpected /proc/stat format: %q", line)
	}

	// field index 3 of the value columns is idle
	var idle, total uint64
	for i, field := range parts[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return cpuStat{}, fmt.Errorf("parse /proc/stat field %d: %w", i+1, err)
		}
		total += v
		if i == 3 {
			idle = v
		}
	}
	return cpuStat{idle: idle, total: total}, nil
}

// collectCPU takes two snapshots one interval apart; a single snapshot only
// gives the average since boot.
func (c *systemCollector) collectCPU(ctx context.Context) (float64, error) {
	s1, err := readCPUStat()
	if err != nil {
		return 0, err
	}

	select {
	case <-time.After(c.interval):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	s2, err := readCPUStat()
	if err != nil {
		return 0, err
	}

	deltaIdle := s2.idle - s1.idle
	deltaTotal := s2.total - s1.total
	if deltaTotal == 0 {
		return 0, nil
	}
	return float64(deltaTotal-deltaIdle) / float64(deltaTotal) * 100, nil
}

func (c *systemCollector) collectMemory() (MemoryMetrics, error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return MemoryMetrics{}, err
	}
	defer file.Close()

	var memTotal, memAvailable uint64

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}

		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}

		switch parts[0] {
		case "MemTotal:":
			memTotal = value * 1024
		case "MemAvailable:":
			memAvailable = value * 1024
		}
	}

	if memTotal == 0 {
		if err := scanner.Err(); err != nil {
			return MemoryMetrics{}, err
		}
		return MemoryMetrics{}, fmt.Errorf("MemTotal missing from /proc/meminfo")
	}

	used := memTotal - memAvailable
	return MemoryMetrics{
		Used:      used,
		Total:     memTotal,
		Available: memAvailable,
		Percent:   percentOf(used, memTotal),
	}, nil
}

// DiskUsage reports the volume containing path. A path that does not exist
// yet is resolved through its closest existing parent.
func DiskUsage(path string) (DiskMetrics, error) {
	target, err := existingAncestor(path)
	if err != nil {
		return DiskMetrics{}, err
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(target, &stat); err != nil {
		return DiskMetrics{}, fmt.Errorf("statfs %s: %w", target, err)
	}

	total := uint64(stat.Blocks) * uint64(stat.Bsize)
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	used := total - uint64(stat.Bfree)*uint64(stat.Bsize)

	return DiskMetrics{
		Path:    target,
		Used:    used,
		Total:   total,
		Free:    free,
		Percent: percentOf(used, total),
	}, nil
}
