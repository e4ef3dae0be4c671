package codec

import (
	"time"
)

// monitorLoop samples load/CPU/latency/pending every 10s and scales the pool
// within [MinWorkers, MaxWorkers] per spec.md §4.3's thresholds and cooldowns.
func (p *Pool) monitorLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluateScale()
		}
	}
}

func (p *Pool) evaluateScale() {
	p.mu.RLock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.RUnlock()

	n := len(workers)
	if n == 0 {
		return
	}

	var totalLoad int64
	var totalPending int
	var maxLatency time.Duration
	for _, w := range workers {
		totalLoad += w.load()
		totalPending += len(w.jobs)
		_, max, _, _ := w.metrics.snapshot()
		if max > maxLatency {
			maxLatency = max
		}
	}
	avgLoadRatio := (float64(totalLoad) / float64(n)) / scaleUpLoadUnit
	cpuPct, _, _ := p.metrics.sample()

	now := time.Now()

	scaleUp := avgLoadRatio > scaleUpLoadRatio ||
		cpuPct > scaleUpCPUPercent ||
		maxLatency > scaleUpMaxLatency ||
		totalPending > 3*n

	scaleDown := avgLoadRatio < scaleDownLoadRatio &&
		cpuPct < scaleDownCPU &&
		maxLatency < scaleDownMaxLat &&
		totalPending == 0

	if scaleUp && n < MaxWorkers && now.Sub(p.lastScaleUp) >= scaleUpCooldown {
		p.scaleUp()
		p.lastScaleUp = now
		return
	}

	if scaleDown && n > MinWorkers && now.Sub(p.lastScaleDown) >= scaleDownCooldown {
		p.scaleDown()
		p.lastScaleDown = now
	}
}

func (p *Pool) scaleUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) >= MaxWorkers {
		return
	}
	index := len(p.workers)
	w := newWorker(index, p.log)
	p.workers = append(p.workers, w)
	p.log.Infow("codec pool scaled up", "workers", len(p.workers))
	go p.watchNewSlot(index)
}

// watchNewSlot mirrors superviseSlot for a worker added after pool
// construction (the initial slots are supervised in NewPool).
func (p *Pool) watchNewSlot(index int) {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		p.mu.RLock()
		if index >= len(p.workers) {
			p.mu.RUnlock()
			return
		}
		w := p.workers[index]
		p.mu.RUnlock()

		<-w.done
		if p.stopped.Load() {
			return
		}
		p.log.Warnw("codec worker crashed, respawning slot", "worker", index)

		fresh := newWorker(index, p.log)
		p.mu.Lock()
		if index < len(p.workers) {
			p.workers[index] = fresh
		}
		p.mu.Unlock()
	}
}

func (p *Pool) scaleDown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) <= MinWorkers {
		return
	}
	last := p.workers[len(p.workers)-1]
	p.workers = p.workers[:len(p.workers)-1]
	p.log.Infow("codec pool scaled down", "workers", len(p.workers))
	go last.stop()
}
