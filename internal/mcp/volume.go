package mcp

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// VolumeAction is the direction of a debounced volume adjustment.
type VolumeAction string

const (
	VolumeUp   VolumeAction = "up"
	VolumeDown VolumeAction = "down"
)

const (
	defaultDebounce = 300 * time.Millisecond
	volumeMin       = 0
	volumeMax       = 100
	adjustTimeout   = 2 * time.Second
)

// VolumeController implements debouncedAdjustVolume: repeated up/down
// requests within the debounce window accumulate into a single device call,
// and at most one adjust is ever in flight.
type VolumeController struct {
	coordinator *Coordinator
	nowUnixMs   func() int64

	mu          sync.Mutex
	accumulator *volumeAccumulator

	adjustMu        sync.Mutex
	lastKnownVolume *int
}

type volumeAccumulator struct {
	action      VolumeAction
	accumulated int
	waiters     []chan *int
	timer       *time.Timer
}

// NewVolumeController builds a controller bound to coordinator; nowUnixMs
// supplies wall-clock timestamps for outbound mcp envelopes (the caller owns
// time so the package stays testable without a real clock).
func NewVolumeController(coordinator *Coordinator, nowUnixMs func() int64) *VolumeController {
	return &VolumeController{coordinator: coordinator, nowUnixMs: nowUnixMs}
}

// DebouncedAdjustVolume registers step against action's in-flight
// accumulator (starting one if none exists), re-arming its debounce timer,
// and returns a channel that receives the resolved volume (nil on error)
// once the adjust completes.
func (v *VolumeController) DebouncedAdjustVolume(action VolumeAction, step int, debounce time.Duration) <-chan *int {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	waiter := make(chan *int, 1)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.accumulator != nil && v.accumulator.action != action {
		// A different direction pre-empts the pending accumulator: fire it
		// now rather than let two directions mix into one delta.
		v.fireLocked()
	}

	if v.accumulator == nil {
		v.accumulator = &volumeAccumulator{action: action}
	}
	acc := v.accumulator
	acc.accumulated += step
	acc.waiters = append(acc.waiters, waiter)

	if acc.timer != nil {
		acc.timer.Stop()
	}
	acc.timer = time.AfterFunc(debounce, v.onTimerFired)

	return waiter
}

func (v *VolumeController) onTimerFired() {
	v.mu.Lock()
	acc := v.accumulator
	v.accumulator = nil
	v.mu.Unlock()
	if acc != nil {
		v.runAdjust(acc)
	}
}

// fireLocked cancels the pending timer and runs the accumulator immediately.
// Caller must hold v.mu; it releases and re-acquires it since runAdjust
// blocks on the device round trip.
func (v *VolumeController) fireLocked() {
	acc := v.accumulator
	v.accumulator = nil
	if acc.timer != nil {
		acc.timer.Stop()
	}
	v.mu.Unlock()
	v.runAdjust(acc)
	v.mu.Lock()
}

// runAdjust is the serial queue: at most one call executes at a time across
// the whole controller.
func (v *VolumeController) runAdjust(acc *volumeAccumulator) {
	v.adjustMu.Lock()
	defer v.adjustMu.Unlock()

	resolved := v.adjust(acc.action, acc.accumulated)
	for _, w := range acc.waiters {
		w <- resolved
		close(w)
	}
}

func (v *VolumeController) adjust(action VolumeAction, step int) *int {
	ctx, cancel := context.WithTimeout(context.Background(), adjustTimeout)
	defer cancel()

	cur := v.lastKnownVolume
	if cur == nil {
		got, err := v.queryVolume(ctx)
		if err != nil {
			v.lastKnownVolume = nil
			return nil
		}
		cur = got
	}

	delta := step
	if action == VolumeDown {
		delta = -step
	}
	next := clamp(*cur+delta, volumeMin, volumeMax)

	_, err := v.coordinator.SendAndWait(ctx, FunctionToTool["self_set_volume"], map[string]int{"volume": next}, v.nowUnixMs())
	if err != nil {
		v.lastKnownVolume = nil
		return nil
	}

	v.lastKnownVolume = &next
	result := next
	return &result
}

func (v *VolumeController) queryVolume(ctx context.Context) (*int, error) {
	raw, err := v.coordinator.SendAndWait(ctx, FunctionToTool["self_get_volume"], nil, v.nowUnixMs())
	if err != nil {
		return nil, err
	}
	vol, err := parseVolumeResult(raw)
	if err != nil {
		return nil, err
	}
	return &vol, nil
}

// parseVolumeResult accepts either a bare JSON number or the text-unwrapped
// string form SendAndWait produces when the device replies with
// content[0].text.
func parseVolumeResult(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
