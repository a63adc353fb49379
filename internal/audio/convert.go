package audio

import (
	"encoding/binary"
	"math"
)

// FloatToInt16 converts one normalized sample to 16-bit PCM.
// Input is clamped to [-1, 1] and scaled by 32767, so both ends saturate
// symmetrically at ±32767.
func FloatToInt16(v float32) int16 {
	switch {
	case math.IsNaN(float64(v)):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(v * math.MaxInt16)
}

// Float32ToInt16 converts a slice of normalized samples.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = FloatToInt16(s)
	}
	return out
}

// Int16ToBytes encodes samples as little-endian bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes little-endian 16-bit samples. A trailing odd byte is ignored.
func BytesToInt16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func float32FromBits(b uint32) float32 {
	return math.Float32frombits(b)
}
