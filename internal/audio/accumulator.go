package audio

import "time"

// Accumulator batches frames into fixed-duration 16-bit chunks.
// It is not safe for concurrent use.
type Accumulator struct {
	chunk      time.Duration
	sampleRate int
	channels   int
	buf        []int16
	start      time.Time
}

// NewAccumulator returns an accumulator emitting chunks of the given duration.
func NewAccumulator(chunk time.Duration) *Accumulator {
	if chunk <= 0 {
		chunk = 3 * time.Second
	}
	return &Accumulator{chunk: chunk}
}

func (a *Accumulator) target() int {
	return int(int64(a.sampleRate) * int64(a.chunk) / int64(time.Second) * int64(a.channels))
}

// Add appends f and returns any chunks that became complete.
// A change of sample rate or channel count flushes the pending buffer first.
func (a *Accumulator) Add(f Frame) []Frame {
	if f.Empty() {
		return nil
	}
	var out []Frame
	if a.sampleRate != 0 && (f.SampleRate() != a.sampleRate || f.Channels() != a.channels) {
		if c, ok := a.Flush(); ok {
			out = append(out, c)
		}
	}
	if len(a.buf) == 0 {
		a.sampleRate = f.SampleRate()
		a.channels = f.Channels()
		a.start = f.Timestamp()
	}
	a.buf = append(a.buf, f.PCM16()...)

	target := a.target()
	for target > 0 && len(a.buf) >= target {
		c, _ := NewInt16Frame(a.buf[:target], a.sampleRate, a.channels)
		out = append(out, c.WithTimestamp(a.start))
		a.buf = append(a.buf[:0], a.buf[target:]...)
		a.start = a.start.Add(a.chunk)
	}
	return out
}

// Pending returns the buffered duration not yet emitted.
func (a *Accumulator) Pending() time.Duration {
	if a.sampleRate == 0 || a.channels == 0 {
		return 0
	}
	return time.Duration(len(a.buf)/a.channels) * time.Second / time.Duration(a.sampleRate)
}

// Flush returns the partial chunk, if any, and resets the buffer.
func (a *Accumulator) Flush() (Frame, bool) {
	if len(a.buf) == 0 {
		return Frame{}, false
	}
	c, err := NewInt16Frame(a.buf, a.sampleRate, a.channels)
	a.buf = a.buf[:0]
	if err != nil {
		return Frame{}, false
	}
	return c.WithTimestamp(a.start), true
}
