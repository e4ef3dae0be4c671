// Package codec implements CodecWorkerPool: an auto-scaled pool of isolated
// Opus codec workers so a codec call can never block control-plane progress.
// Grounded on the teacher's Opus usage in retell/retell.go (gopkg.in/hraban/opus.v2)
// and its goroutine + mutex concurrency idiom; worker isolation here uses one
// goroutine per worker (spec.md §9's "coroutine-per-worker pinned to its
// encoder/decoder" option), each fed by its own buffered channel.
package codec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// MinWorkers is the floor the pool never scales below.
	MinWorkers = 4
	// MaxWorkers is the ceiling the pool never scales above.
	MaxWorkers = 8

	// DefaultRequestTimeout is applied to Encode/Decode calls whose context
	// carries no deadline of its own.
	DefaultRequestTimeout = 150 * time.Millisecond
	// InitTimeout is the deadline used for the pool's own startup.
	InitTimeout = 500 * time.Millisecond

	monitorInterval   = 10 * time.Second
	scaleUpCooldown   = 30 * time.Second
	scaleDownCooldown = 60 * time.Second

	scaleUpLoadUnit    = 5.0 // 5 in-flight == 1.0 load unit
	scaleUpLoadRatio   = 0.7
	scaleUpCPUPercent  = 60.0
	scaleUpMaxLatency  = 50 * time.Millisecond
	scaleDownLoadRatio = 0.3
	scaleDownCPU       = 30.0
	scaleDownMaxLat    = 10 * time.Millisecond

	downgradeMaxLatency = 10 * time.Millisecond
	downgradeMaxCPU     = 80.0
	downgradeMaxHeap    = 500 * 1024 * 1024
)

// Pool is the auto-scaled CodecWorkerPool described in spec.md §4.3.
type Pool struct {
	mu      sync.RWMutex
	workers []*worker

	nextJobID atomic.Uint64

	lastScaleUp   time.Time
	lastScaleDown time.Time

	metrics *poolMetrics
	log     *zap.SugaredLogger

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewPool constructs a pool at MinWorkers and starts its auto-scale monitor.
func NewPool(log *zap.SugaredLogger) (*Pool, error) {
	pm, err := newPoolMetrics()
	if err != nil {
		return nil, err
	}

	p := &Pool{
		metrics: pm,
		log:     log.Named("codec"),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < MinWorkers; i++ {
		p.workers = append(p.workers, newWorker(i, p.log))
	}
	for i := range p.workers {
		p.superviseSlot(i)
	}

	p.wg.Add(1)
	go p.monitorLoop()

	return p, nil
}

// superviseSlot watches a worker slot's done channel and respawns a fresh
// worker in its place after a crash, without touching any other slot.
func (p *Pool) superviseSlot(index int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.mu.RLock()
			w := p.workers[index]
			p.mu.RUnlock()

			<-w.done
			if p.stopped.Load() {
				return
			}
			p.log.Warnw("codec worker crashed, respawning slot", "worker", index)

			fresh := newWorker(index, p.log)
			p.mu.Lock()
			p.workers[index] = fresh
			p.mu.Unlock()
		}
	}()
}

// Encode offloads Opus encoding (PCM24k -> Opus) to the least-loaded worker.
func (p *Pool) Encode(ctx context.Context, pcm []byte) ([]byte, error) {
	return p.dispatch(ctx, jobEncode, pcm)
}

// Decode offloads Opus decoding (Opus16k -> PCM) to the least-loaded worker.
func (p *Pool) Decode(ctx context.Context, opusData []byte) ([]byte, error) {
	return p.dispatch(ctx, jobDecode, opusData)
}

func (p *Pool) dispatch(ctx context.Context, kind jobKind, input []byte) ([]byte, error) {
	if p.stopped.Load() {
		return nil, ErrPoolClosed
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	w := p.leastLoaded()
	if w == nil {
		return nil, ErrPoolClosed
	}

	id := p.nextJobID.Add(1)
	resultCh := make(chan jobResult, 1)
	j := job{id: id, kind: kind, input: input, resultCh: resultCh}

	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return nil, ErrWorkerCancelled
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, ErrWorkerTimeout
	}
}

// leastLoaded returns the worker with the fewest in-flight jobs, ties broken
// by lowest index (spec.md §4.3).
func (p *Pool) leastLoaded() *worker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *worker
	var bestLoad int64 = -1
	for _, w := range p.workers {
		l := w.load()
		if best == nil || l < bestLoad {
			best = w
			bestLoad = l
		}
	}
	return best
}

func (p *Pool) workerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Size reports the current worker count, always within [MinWorkers, MaxWorkers].
func (p *Pool) Size() int {
	return p.workerCount()
}

// Close stops the monitor and every worker, cancelling any queued jobs.
func (p *Pool) Close() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)

	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	p.wg.Wait()
}

// ShouldDowngrade reports whether codec quality/volume should be reduced:
// true when avg latency > 10ms, avg CPU > 80%, or avg heap > 500MB.
func (p *Pool) ShouldDowngrade() bool {
	avgLatency := p.avgLatencyAcrossWorkers()
	cpuPct, _, heap := p.metrics.sample()
	return avgLatency > downgradeMaxLatency || cpuPct > downgradeMaxCPU || heap > downgradeMaxHeap
}

func (p *Pool) avgLatencyAcrossWorkers() time.Duration {
	p.mu.RLock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.RUnlock()

	var total time.Duration
	var n int
	for _, w := range workers {
		avg, _, _, _ := w.metrics.snapshot()
		if avg > 0 {
			total += avg
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}
