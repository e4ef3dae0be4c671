package codec

// pcmToInt16 converts little-endian 16-bit PCM bytes to samples, the same
// byte order the teacher's RealTimeAudioPlayer used when converting decoded
// Opus samples back to bytes.
func pcmToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

// int16ToPCM converts samples back to little-endian 16-bit PCM bytes.
func int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(uint16(s) & 0xFF)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
