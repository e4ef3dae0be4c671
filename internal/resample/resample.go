// Package resample converts 16-bit PCM between sample rates by linear
// interpolation. The gateway only ever needs the room's 48kHz mono track
// resampled down to the device's 24kHz outbound rate, but the function is
// written generically the way the pack's provider-facing audio adapters
// (e.g. the telephony/webrtc streamers in iamprashant-voice-ai) isolate
// resampling behind a small, reusable function rather than inlining it at
// every call site. No third-party resampler appears anywhere in the
// retrieval pack, so this is a deliberate stdlib-only component — see
// DESIGN.md.
package resample

// PCM16 resamples little-endian 16-bit mono PCM from inRate to outRate using
// linear interpolation between adjacent samples.
func PCM16(pcm []byte, inRate, outRate int) []byte {
	if inRate == outRate || len(pcm) < 2 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	samples := bytesToSamples(pcm)
	ratio := float64(inRate) / float64(outRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen < 1 {
		return nil
	}

	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		if idx+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}

	return samplesToBytes(out)
}

func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

func samplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[i*2] = byte(uint16(v) & 0xFF)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}
