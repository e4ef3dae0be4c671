// Package audioconst holds the canonical, compile-time audio parameters shared
// by every stage of the pipeline: device-facing Opus framing, the room-internal
// PCM format, and the derived byte sizes used by FrameAssembler and the
// datagram codec.
package audioconst

import "time"

const (
	// FrameDuration is the fixed Opus frame duration used on both wire legs.
	FrameDuration = 60 * time.Millisecond

	// OutboundSampleRate is the sample rate the gateway sends to the device
	// (gateway -> device), mono.
	OutboundSampleRate = 24000
	// OutboundChannels is always 1 (mono) on the outbound leg.
	OutboundChannels = 1
	// OutboundFrameSamples is 60ms @ 24kHz mono.
	OutboundFrameSamples = 1440
	// OutboundFrameBytes is OutboundFrameSamples 16-bit samples.
	OutboundFrameBytes = OutboundFrameSamples * 2 // 2880

	// InboundSampleRate is the sample rate the gateway expects from devices
	// (device -> gateway), mono.
	InboundSampleRate = 16000
	// InboundChannels is always 1 (mono) on the inbound leg.
	InboundChannels = 1
	// InboundFrameSamples is 60ms @ 16kHz mono.
	InboundFrameSamples = 960
	// InboundFrameBytes is InboundFrameSamples 16-bit samples.
	InboundFrameBytes = InboundFrameSamples * 2 // 1920

	// RoomSampleRate is the sample rate of PCM exchanged with the LiveKit
	// room (both directions), mono. The outbound leg must resample
	// RoomSampleRate -> OutboundSampleRate before framing.
	RoomSampleRate = 48000
	// RoomChannels is always 1 (mono) for room-internal PCM.
	RoomChannels = 1

	// SilenceMaxAmplitude is the peak |sample| threshold below which an
	// outbound frame is considered silent and dropped before encoding.
	SilenceMaxAmplitude = 10
)
