package pool

import (
	"runtime"
	"time"

	"github.com/prometheus/procfs"
)

// Resources is a process-level memory and CPU sample.
type Resources struct {
	HeapAllocBytes uint64
	SysBytes       uint64
	CPUSeconds     float64
}

// ResourceSampler reads the current process resources.
type ResourceSampler func() Resources

// SampleProcess reads heap figures from the runtime and cumulative CPU time
// from /proc. CPUSeconds stays zero where procfs is unavailable.
func SampleProcess() Resources {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	res := Resources{HeapAllocBytes: ms.HeapAlloc, SysBytes: ms.Sys}
	proc, err := procfs.Self()
	if err != nil {
		return res
	}
	stat, err := proc.Stat()
	if err != nil {
		return res
	}
	res.CPUSeconds = stat.CPUTime()
	return res
}

func (m *WorkerMetrics) refreshPerformance(res Resources, now time.Time) {
	duration := m.elapsed(now)
	var avg time.Duration
	if m.ProcessedURLs > 0 {
		avg = duration / time.Duration(m.ProcessedURLs)
	}
	m.Performance = Performance{
		Duration:       duration,
		AvgTimePerPage: avg,
		HeapAllocBytes: res.HeapAllocBytes,
		SysBytes:       res.SysBytes,
		CPUSeconds:     res.CPUSeconds,
	}
}
