// Package frame implements FrameAssembler: it buffers the variable-length,
// resampled PCM coming off the room's 48kHz track into exact
// audioconst.OutboundFrameBytes chunks for the outbound Opus encoder,
// dropping silent frames and any trailing partial frame. Grounded on the
// teacher's buffer-and-slice idiom in system_audio.go's inputBuffer handling.
package frame

import (
	"github.com/toybridge/gateway/internal/audioconst"
)

// Assembler owns a single rolling byte buffer. Per spec.md §5, exactly one
// executor owns an Assembler's state — callers must not share one across
// goroutines without external synchronization.
type Assembler struct {
	buf []byte
}

// New constructs an empty Assembler.
func New() *Assembler {
	return &Assembler{buf: make([]byte, 0, audioconst.OutboundFrameBytes*2)}
}

// Push appends newly resampled PCM and returns every complete, non-silent
// frame it can slice off the buffer. Silent frames (all-zero, or peak
// |sample| < audioconst.SilenceMaxAmplitude) are dropped before reaching the
// caller. A trailing partial frame is retained for the next Push call.
func (a *Assembler) Push(pcm []byte) [][]byte {
	a.buf = append(a.buf, pcm...)

	var frames [][]byte
	for len(a.buf) >= audioconst.OutboundFrameBytes {
		frame := make([]byte, audioconst.OutboundFrameBytes)
		copy(frame, a.buf[:audioconst.OutboundFrameBytes])
		a.buf = a.buf[audioconst.OutboundFrameBytes:]

		if !isSilent(frame) {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Flush discards any partial trailing bytes remaining at stream end — per
// spec.md §4.4, a partial frame would crash the encoder, so it is never
// emitted.
func (a *Assembler) Flush() {
	a.buf = a.buf[:0]
}

// Pending reports the number of buffered bytes not yet forming a full frame.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

func isSilent(frame []byte) bool {
	var peak int32
	for i := 0; i+1 < len(frame); i += 2 {
		s := int32(int16(uint16(frame[i]) | uint16(frame[i+1])<<8))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak < audioconst.SilenceMaxAmplitude
}
