package codec

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// workerMetrics tracks the per-call statistics spec.md §4.3 requires: processing
// time, frames/second, error count. Queue depth and CPU/memory are sampled at
// the pool level (they're process-wide, not per-worker).
type workerMetrics struct {
	mu          sync.Mutex
	totalCalls  int64
	totalErrors int64
	totalDur    time.Duration
	maxDur      time.Duration
	windowStart time.Time
}

func newWorkerMetrics() *workerMetrics {
	return &workerMetrics{windowStart: time.Now()}
}

func (m *workerMetrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	m.totalDur += d
	if d > m.maxDur {
		m.maxDur = d
	}
}

func (m *workerMetrics) recordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalErrors++
}

// snapshot returns (avgLatency, maxLatency, framesPerSecond, errorCount).
func (m *workerMetrics) snapshot() (avg, max time.Duration, fps float64, errs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalCalls > 0 {
		avg = m.totalDur / time.Duration(m.totalCalls)
	}
	max = m.maxDur
	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		fps = float64(m.totalCalls) / elapsed
	}
	errs = m.totalErrors
	return
}

// poolMetrics samples process-wide CPU% and memory (RSS + Go heap), used by
// the auto-scale monitor and by shouldDowngrade. Grounded on
// github.com/shirou/gopsutil/v3, as used in LanternOps-breeze/agent for its
// own resource-aware scheduling.
type poolMetrics struct {
	proc *process.Process
}

func newPoolMetrics() (*poolMetrics, error) {
	proc, err := process.NewProcess(int32(processPID()))
	if err != nil {
		return nil, err
	}
	return &poolMetrics{proc: proc}, nil
}

// sample returns (cpuPercent, rssBytes, heapBytes). Errors from gopsutil are
// swallowed to zero values: a metrics sampling failure must never block the
// scale decision loop.
func (m *poolMetrics) sample() (cpuPercent float64, rssBytes, heapBytes uint64) {
	if pct, err := m.proc.CPUPercent(); err == nil {
		cpuPercent = pct
	}
	if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
		rssBytes = mi.RSS
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapBytes = ms.HeapAlloc
	return
}
