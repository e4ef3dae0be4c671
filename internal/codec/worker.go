package codec

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"

	"github.com/toybridge/gateway/internal/audioconst"
)

type jobKind int

const (
	jobEncode jobKind = iota
	jobDecode
)

// job is a single unit of codec work dispatched to a worker. The id is
// echoed back on result so the pool can route replies to the right waiter
// even though, in this goroutine-based isolation model, replies travel over
// the job's own resultCh rather than a shared reply queue.
type job struct {
	id       uint64
	kind     jobKind
	input    []byte
	resultCh chan jobResult
}

type jobResult struct {
	id    uint64
	data  []byte
	err   error
	dur   time.Duration
}

// worker owns exactly one Opus encoder and one Opus decoder for its entire
// lifetime, matching spec.md §4.3's "each worker owns one encoder and one
// decoder" contract. It drains jobs off a buffered channel on a single
// goroutine, so encoder/decoder state is never touched concurrently.
type worker struct {
	index   int
	jobs    chan job
	quit    chan struct{}
	done    chan struct{}
	inFlight atomic.Int64

	metrics *workerMetrics

	log *zap.SugaredLogger
}

func newWorker(index int, log *zap.SugaredLogger) *worker {
	w := &worker{
		index:   index,
		jobs:    make(chan job, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		metrics: newWorkerMetrics(),
		log:     log.With("worker", index),
	}
	go w.run()
	return w
}

// run is the worker's single processing goroutine. A panic from the Opus
// bindings (malformed frame, library-internal assertion) is recovered here
// so it never takes down the pool; the in-flight job is failed with
// ErrWorkerCrashed and the caller (pool) respawns this slot.
func (w *worker) run() {
	defer close(w.done)

	encoder, err := opus.NewEncoder(audioconst.OutboundSampleRate, audioconst.OutboundChannels, opus.AppVoIP)
	if err != nil {
		w.log.Errorw("failed to create opus encoder", "error", err)
		return
	}
	encoder.SetBitrate(64000)
	encoder.SetComplexity(5)
	encoder.SetDTX(false)
	_ = encoder.SetInBandFEC(true)

	decoder, err := opus.NewDecoder(audioconst.InboundSampleRate, audioconst.InboundChannels)
	if err != nil {
		w.log.Errorw("failed to create opus decoder", "error", err)
		return
	}

	for {
		select {
		case <-w.quit:
			w.failQueued(ErrWorkerCancelled)
			return
		case j := <-w.jobs:
			if crashed := w.process(j, encoder, decoder); crashed {
				w.failQueued(ErrWorkerCrashed)
				return
			}
		}
	}
}

// process runs one job and reports whether the worker survived it. A panic
// escaping the Opus bindings is treated as a worker crash: the job is failed
// with ErrWorkerCrashed and run() exits so the pool can respawn this slot
// with a fresh encoder/decoder pair, matching spec.md §4.3's crash contract.
func (w *worker) process(j job, encoder *opus.Encoder, decoder *opus.Decoder) (crashed bool) {
	start := time.Now()
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	var result jobResult
	result.id = j.id

	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = ErrWorkerCrashed
				crashed = true
				w.metrics.recordError()
			}
		}()

		switch j.kind {
		case jobEncode:
			result.data, result.err = w.encode(encoder, j.input)
		case jobDecode:
			result.data, result.err = w.decode(decoder, j.input)
		}
	}()

	result.dur = time.Since(start)
	if result.err != nil && !crashed {
		w.metrics.recordError()
	}
	w.metrics.recordLatency(result.dur)

	select {
	case j.resultCh <- result:
	default:
		// caller already gave up (timeout); drop the reply.
	}
	return crashed
}

// failQueued drains any jobs still sitting in the channel after a crash or a
// stop, rejecting each with err (ErrWorkerCrashed or ErrWorkerCancelled) so
// no waiter blocks forever.
func (w *worker) failQueued(err error) {
	for {
		select {
		case j := <-w.jobs:
			select {
			case j.resultCh <- jobResult{id: j.id, err: err}:
			default:
			}
		default:
			return
		}
	}
}

func (w *worker) encode(encoder *opus.Encoder, pcm []byte) ([]byte, error) {
	samples := pcmToInt16(pcm)
	out := make([]byte, 4000)
	n, err := encoder.Encode(samples, out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func (w *worker) decode(decoder *opus.Decoder, opusData []byte) ([]byte, error) {
	pcm := make([]int16, audioconst.InboundFrameSamples)
	n, err := decoder.Decode(opusData, pcm)
	if err != nil {
		return nil, err
	}
	return int16ToPCM(pcm[:n*audioconst.InboundChannels]), nil
}

// load returns the worker's current in-flight job count, used for
// least-loaded worker selection.
func (w *worker) load() int64 {
	return w.inFlight.Load()
}

func (w *worker) stop() {
	close(w.quit)
	<-w.done
}
