package audio

import "encoding/binary"

// PCM16ToSamples decodes little-endian 16-bit PCM. A trailing odd byte is
// dropped.
func PCM16ToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToPCM16 encodes samples as little-endian 16-bit PCM.
func SamplesToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
