package media

import (
	"context"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"

	"github.com/toybridge/gateway/internal/audioconst"
	"github.com/toybridge/gateway/internal/resample"
)

const rtpReadBufferSize = 1600

// opusFramesPerBuffer bounds the float32 PCM buffer a single Opus packet
// decodes into; room audio runs at 48kHz so a 60ms frame caps at 2880
// samples — this leaves comfortable headroom for smaller RTP packets too.
const opusFramesPerBuffer = 2880

func (b *Bridge) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, participant *lksdk.RemoteParticipant) {
	if pub.Kind() != lksdk.TrackKindAudio {
		return
	}
	go b.processRemoteAudioTrack(track, participant.Identity())
}

func (b *Bridge) processRemoteAudioTrack(track *webrtc.TrackRemote, identity string) {
	decoder, err := opus.NewDecoder(audioconst.RoomSampleRate, audioconst.RoomChannels)
	if err != nil {
		b.log.Errorw("create remote decoder failed", "participant", identity, "error", err)
		return
	}

	buf := make([]byte, rtpReadBufferSize)
	for {
		if b.closed.Load() {
			return
		}
		n, _, err := track.Read(buf)
		if err != nil {
			b.log.Debugw("remote audio track ended", "participant", identity, "error", err)
			return
		}
		if n == 0 {
			continue
		}

		pcmFloat := make([]float32, opusFramesPerBuffer*audioconst.RoomChannels)
		decoded, err := decoder.DecodeFloat32(buf[:n], pcmFloat)
		if err != nil {
			b.log.Debugw("remote audio decode failed", "participant", identity, "error", err)
			continue
		}
		if decoded <= 0 {
			continue
		}

		b.playRoomAudio(pcmFloat[:decoded*audioconst.RoomChannels])
	}
}

// playRoomAudio converts the room's mono float32 PCM (the remote decoder is
// constructed with audioconst.RoomChannels, always 1) to 16-bit PCM, resamples
// 48kHz to the device's 24kHz outbound rate, and hands the result to the
// FrameAssembler/CodecWorkerPool/DatagramTransport pipeline.
func (b *Bridge) playRoomAudio(samples []float32) {
	pcm48 := float32ToPCM16(samples)
	pcm24 := resample.PCM16(pcm48, audioconst.RoomSampleRate, audioconst.OutboundSampleRate)

	b.mu.Lock()
	frames := b.assembler.Push(pcm24)
	b.mu.Unlock()

	for _, f := range frames {
		b.encodeAndSendToDevice(f)
	}
}

func (b *Bridge) encodeAndSendToDevice(pcmFrame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), codecDispatchTimeout)
	defer cancel()

	opusFrame, err := b.pool.Encode(ctx, pcmFrame)
	if err != nil {
		b.log.Debugw("dropping outbound frame: encode failed", "error", err)
		return
	}

	dst := b.endpoint.Addr()
	if dst == nil {
		return
	}
	seq := b.endpoint.NextOutboundSequence()
	err = b.sender.Send(dst, b.endpoint.ConnectionID(), b.endpoint.TimestampMs(), seq,
		b.endpoint.Algorithm(), b.endpoint.Key(), opusFrame)
	if err != nil {
		b.log.Debugw("dropping outbound frame: send failed", "error", err)
	}
}

func float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		v := int16(s * 32767.0)
		out[i*2] = byte(uint16(v) & 0xFF)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}
