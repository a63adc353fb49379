// Package audio provides PCM frame primitives, sample conversion and
// WAV container helpers shared by the recorder and both transcription engines.
package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// SampleFormat is the in-memory sample representation of a Frame.
type SampleFormat int

const (
	// Float32 samples are normalized to [-1, 1].
	Float32 SampleFormat = iota
	// Int16 samples are signed 16-bit PCM.
	Int16
)

// String returns the wire name of the format.
func (f SampleFormat) String() string {
	switch f {
	case Float32:
		return "f32le"
	case Int16:
		return "s16le"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(f))
	}
}

// BytesPerSample returns the encoded width of one sample.
func (f SampleFormat) BytesPerSample() int {
	if f == Float32 {
		return 4
	}
	return 2
}

// ParseSampleFormat maps a wire name to a SampleFormat.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToLower(s) {
	case "f32le", "float32", "f32":
		return Float32, nil
	case "s16le", "int16", "pcm_s16le", "linear16":
		return Int16, nil
	default:
		return 0, fmt.Errorf("unsupported sample format %q", s)
	}
}

// Frame is an immutable buffer of interleaved PCM samples.
// Constructors copy their input; accessors never expose internal storage.
type Frame struct {
	format     SampleFormat
	sampleRate int
	channels   int
	f32        []float32
	i16        []int16
	timestamp  time.Time
}

// NewFloat32Frame builds a frame from normalized float samples.
func NewFloat32Frame(samples []float32, sampleRate, channels int) (Frame, error) {
	if err := checkLayout(len(samples), sampleRate, channels); err != nil {
		return Frame{}, err
	}
	return Frame{
		format:     Float32,
		sampleRate: sampleRate,
		channels:   channels,
		f32:        append([]float32(nil), samples...),
		timestamp:  time.Now(),
	}, nil
}

// NewInt16Frame builds a frame from 16-bit PCM samples.
func NewInt16Frame(samples []int16, sampleRate, channels int) (Frame, error) {
	if err := checkLayout(len(samples), sampleRate, channels); err != nil {
		return Frame{}, err
	}
	return Frame{
		format:     Int16,
		sampleRate: sampleRate,
		channels:   channels,
		i16:        append([]int16(nil), samples...),
		timestamp:  time.Now(),
	}, nil
}

// FrameFromBytes decodes little-endian PCM bytes in the given format.
func FrameFromBytes(format SampleFormat, data []byte, sampleRate, channels int) (Frame, error) {
	width := format.BytesPerSample()
	if len(data)%width != 0 {
		return Frame{}, fmt.Errorf("payload of %d bytes is not a multiple of %d", len(data), width)
	}
	n := len(data) / width
	switch format {
	case Float32:
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = float32FromBits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return NewFloat32Frame(samples, sampleRate, channels)
	case Int16:
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
		return NewInt16Frame(samples, sampleRate, channels)
	default:
		return Frame{}, fmt.Errorf("unsupported sample format %v", format)
	}
}

func checkLayout(n, sampleRate, channels int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", channels)
	}
	if n%channels != 0 {
		return fmt.Errorf("%d samples do not divide into %d channels", n, channels)
	}
	return nil
}

// Format returns the sample format.
func (f Frame) Format() SampleFormat { return f.format }

// SampleRate returns the sample rate in Hz.
func (f Frame) SampleRate() int { return f.sampleRate }

// Channels returns the channel count.
func (f Frame) Channels() int { return f.channels }

// Timestamp returns the time the frame was created.
func (f Frame) Timestamp() time.Time { return f.timestamp }

// WithTimestamp returns a copy of f stamped with t.
func (f Frame) WithTimestamp(t time.Time) Frame {
	f.timestamp = t
	return f
}

// Samples returns the total number of interleaved samples.
func (f Frame) Samples() int {
	if f.format == Float32 {
		return len(f.f32)
	}
	return len(f.i16)
}

// FrameCount returns the number of sample frames (samples per channel).
func (f Frame) FrameCount() int {
	if f.channels == 0 {
		return 0
	}
	return f.Samples() / f.channels
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.sampleRate == 0 {
		return 0
	}
	return time.Duration(f.FrameCount()) * time.Second / time.Duration(f.sampleRate)
}

// Empty reports whether the frame carries no samples.
func (f Frame) Empty() bool { return f.Samples() == 0 }

// PCM16 returns the samples converted to signed 16-bit PCM.
// Int16 frames are copied unchanged.
func (f Frame) PCM16() []int16 {
	if f.format == Int16 {
		return append([]int16(nil), f.i16...)
	}
	return Float32ToInt16(f.f32)
}

// PCM16Bytes returns the samples as little-endian 16-bit PCM bytes.
func (f Frame) PCM16Bytes() []byte {
	if f.format == Int16 {
		return Int16ToBytes(f.i16)
	}
	return Int16ToBytes(Float32ToInt16(f.f32))
}

// PCM16Size returns the byte length of PCM16Bytes without allocating.
func (f Frame) PCM16Size() int { return f.Samples() * 2 }
