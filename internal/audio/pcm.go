package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// WireSampleRate is the fixed sample rate of the session channel's audio
// frames. All captured audio is resampled to this rate before encoding.
const WireSampleRate = 24000

// DecodePCM converts 16-bit little-endian signed PCM bytes to float32
// samples normalized to [-1, 1].
func DecodePCM(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// EncodePCM converts float32 samples to 16-bit little-endian signed PCM
// bytes. Input is clamped to [-1, 1]; full scale maps symmetrically to
// ±32767 so a round trip stays within quantization error.
func EncodePCM(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		val := int16(clamped * math.MaxInt16)
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// EncodeFrame packs samples into one base64 PCM16 wire frame.
func EncodeFrame(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM(samples))
}

// DecodeFrame unpacks a base64 PCM16 wire frame into samples.
// A frame with an odd byte count is rejected rather than truncated.
func DecodeFrame(frame string) ([]float32, error) {
	data, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("decode audio frame: %w", err)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio frame has odd length %d", len(data))
	}
	return DecodePCM(data), nil
}
