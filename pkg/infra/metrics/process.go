package metrics

import "runtime"

func collectProcess() ProcessMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessMetrics{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
	}
}

func percentOf(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
