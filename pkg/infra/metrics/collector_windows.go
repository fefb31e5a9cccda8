package metrics

import (
	"context"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// memoryStatusEx matches the MEMORYSTATUSEX Windows structure.
type memoryStatusEx struct {
	dwLength                uint32
	dwMemoryLoad            uint32
	ullTotalPhys            uint64
	ullAvailPhys            uint64
	ullTotalPageFile        uint64
	ullAvailPageFile        uint64
	ullTotalVirtual         uint64
	ullAvailVirtual         uint64
	ullAvailExtendedVirtual uint64
}

var (
	modkernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procGetSystemTimes       = modkernel32.NewProc("GetSystemTimes")
	procGlobalMemoryStatusEx = modkernel32.NewProc("GlobalMemoryStatusEx")
)

type systemCollector struct {
	diskPath string
	interval time.Duration
}

// NewCollector returns a collector that reports the volume holding diskPath.
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

func (c *systemCollector) getSystemTimes() (idle, kernel, user uint64, err error) {
	var idleTime, kernelTime, userTime windows.Filetime
	r1, _, callErr := procGetSystemTimes.Call(
		uintptr(unsafe.Pointer(&idleTime)),
		uintptr(unsafe.Pointer(&kernelTime)),
		uintptr(unsafe.Pointer(&userTime)),
	)
	if r1 == 0 {
		return 0, 0, 0, callErr
	}
	idle = uint64(idleTime.HighDateTime)<<32 | uint64(idleTime.LowDateTime)
	kernel = uint64(kernelTime.HighDateTime)<<32 | uint64(kernelTime.LowDateTime)
	user = uint64(userTime.HighDateTime)<<32 | uint64(userTime.LowDateTime)
	return
}

// collectCPU takes two snapshots one interval apart; a single snapshot only
// gives the average since boot.
func (c *systemCollector) collectCPU(ctx context.Context) (float64, error) {
	idle1, kernel1, user1, err := c.getSystemTimes()
	if err != nil {
		return 0, err
	}

	select {
	case <-time.After(c.interval):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	idle2, kernel2, user2, err := c.getSystemTimes()
	if err != nil {
		return 0, err
	}

	deltaIdle := idle2 - idle1
	// kernel time includes idle time; total non-idle = (kernel+user) - idle
	deltaTotal := (kernel2 + user2) - (kernel1 + user1)
	if deltaTotal == 0 {
		return 0, nil
	}

	percent := float64(deltaTotal-deltaIdle) / float64(deltaTotal) * 100
	return percent, nil
}

func (c *systemCollector) collectMemory() (MemoryMetrics, error) {
	var memStatus memoryStatusEx
	memStatus.dwLength = uint32(unsafe.Sizeof(memStatus))
	r1, _, err := procGlobalMemoryStatusEx.Call(uintptr(unsafe.Pointer(&memStatus)))
	if r1 == 0 {
		return MemoryMetrics{}, err
	}

	total := memStatus.ullTotalPhys
	available := memStatus.ullAvailPhys
	used := total - available
	return MemoryMetrics{
		Used:      used,
		Total:     total,
		Available: available,
		Percent:   percentOf(used, total),
	}, nil
}

// DiskUsage reports the volume containing path.
func DiskUsage(path string) (DiskMetrics, error) {
	target, err := existingAncestor(path)
	if err != nil {
		return DiskMetrics{}, err
	}
	volRoot := filepath.VolumeName(target) + `\`

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	root, err := windows.UTF16PtrFromString(volRoot)
	if err != nil {
		return DiskMetrics{}, err
	}
	if err := windows.GetDiskFreeSpaceEx(root, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return DiskMetrics{}, err
	}

	used := totalBytes - totalFreeBytes
	return DiskMetrics{
		Path:    target,
		Used:    used,
		Total:   totalBytes,
		Free:    freeBytesAvailable,
		Percent: percentOf(used, totalBytes),
	}, nil
}
