// Package recording persists a live frame stream to a WAV file without
// buffering the recording in memory.
package recording

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcription-service/internal/audio"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
)

// TempSuffix marks a recording that has not been finalized.
const TempSuffix = "_temp.wav"

type writerState int

const (
	stateWritable writerState = iota
	stateFinalized
	stateFailed
)

// ProgressFunc receives periodic snapshots while a recording grows.
type ProgressFunc func(models.RecordingInfo)

// Option configures a Writer.
type Option func(*Writer)

// WithProgress delivers a snapshot every interval of appended audio.
// Delivery happens on a separate goroutine; snapshots are dropped if the
// consumer falls behind.
func WithProgress(interval time.Duration, fn ProgressFunc) Option {
	return func(w *Writer) {
		w.progressEvery = interval
		w.onProgress = fn
	}
}

// Writer appends PCM frames to a growing WAV file and patches the header
// size fields on Finalize.
type Writer struct {
	mu         sync.Mutex
	path       string
	tempPath   string
	f          *os.File
	sampleRate int
	channels   int
	bitDepth   int
	state      writerState
	dataBytes  int64
	samples    int64
	startedAt  time.Time

	progressEvery time.Duration
	onProgress    ProgressFunc
	nextProgress  int64
	progress      chan models.RecordingInfo

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// TempPath returns the in-progress name for a final recording path.
func TempPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + TempSuffix
}

// Open creates the temp file for path and writes a placeholder header.
// Only 16-bit output is supported.
func Open(path string, sampleRate, channels, bitDepth int, opts ...Option) (*Writer, error) {
	if bitDepth != 16 {
		return nil, fmt.Errorf("%w: bit depth %d (only 16-bit PCM is written)", models.ErrUnsupportedFormat, bitDepth)
	}
	if sampleRate <= 0 || (channels != 1 && channels != 2) {
		return nil, fmt.Errorf("%w: invalid layout rate=%d channels=%d", models.ErrConfiguration, sampleRate, channels)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create recording dir: %v", models.ErrIO, err)
	}

	w := &Writer{
		path:       path,
		tempPath:   TempPath(path),
		sampleRate: sampleRate,
		channels:   channels,
		bitDepth:   bitDepth,
		startedAt:  time.Now(),
		metrics:    metrics.DefaultMetrics,
		log:        logging.WithComponent("recording"),
	}
	for _, opt := range opts {
		opt(w)
	}

	f, err := os.OpenFile(w.tempPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrIO, w.tempPath, err)
	}
	if _, err := f.Write(audio.NewHeader(sampleRate, channels, bitDepth, 0).Bytes()); err != nil {
		f.Close()
		os.Remove(w.tempPath)
		return nil, fmt.Errorf("%w: write placeholder header: %v", models.ErrIO, err)
	}
	w.f = f

	if w.onProgress != nil && w.progressEvery > 0 {
		w.nextProgress = w.bytesPer(w.progressEvery)
		w.progress = make(chan models.RecordingInfo, 4)
		go w.deliverProgress(w.progress)
	}

	w.log.Info().
		Str("path", path).
		Int("sampleRate", sampleRate).
		Int("channels", channels).
		Msg("Recording opened")
	return w, nil
}

func (w *Writer) bytesPer(d time.Duration) int64 {
	perSecond := int64(w.sampleRate * w.channels * w.bitDepth / 8)
	return perSecond * int64(d) / int64(time.Second)
}

func (w *Writer) deliverProgress(ch <-chan models.RecordingInfo) {
	for info := range ch {
		w.onProgress(info)
	}
}

// Append converts f to 16-bit PCM and writes it. It returns false without
// error when the writer is no longer writable.
func (w *Writer) Append(f audio.Frame) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateWritable {
		return false, nil
	}
	if f.Empty() {
		return true, nil
	}
	if f.Channels() != w.channels || f.SampleRate() != w.sampleRate {
		return false, fmt.Errorf("%w: frame %dHz/%dch does not match recording %dHz/%dch",
			models.ErrInvalidState, f.SampleRate(), f.Channels(), w.sampleRate, w.channels)
	}

	buf := f.PCM16Bytes()
	n, err := w.f.Write(buf)
	w.dataBytes += int64(n)
	w.samples += int64(n / 2)
	if err != nil {
		return false, fmt.Errorf("%w: append: %v", models.ErrIO, err)
	}
	w.metrics.RecordRecordingBytes(n)

	if w.progress != nil && w.dataBytes >= w.nextProgress {
		w.nextProgress += w.bytesPer(w.progressEvery)
		select {
		case w.progress <- w.infoLocked():
		default:
		}
	}
	return true, nil
}

// Finalize patches the RIFF and data sizes from the running counter, closes
// the file and renames it to its final name.
func (w *Writer) Finalize() (models.RecordingInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateWritable {
		return models.RecordingInfo{}, fmt.Errorf("%w: recording already closed", models.ErrInvalidState)
	}
	w.stopProgressLocked()

	err := w.patchLocked()
	if cerr := w.f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: close: %v", models.ErrIO, cerr)
	}
	if err == nil {
		if rerr := os.Rename(w.tempPath, w.path); rerr != nil {
			err = fmt.Errorf("%w: rename: %v", models.ErrIO, rerr)
		}
	}
	w.metrics.RecordRecordingFinalized(err)
	if err != nil {
		w.state = stateFailed
		w.log.Error().Err(err).Str("path", w.tempPath).Msg("Recording finalize failed")
		return w.infoLocked(), err
	}

	w.state = stateFinalized
	info := w.infoLocked()
	w.log.Info().
		Str("path", w.path).
		Int64("dataBytes", w.dataBytes).
		Float64("durationSec", info.DurationSec).
		Msg("Recording finalized")
	return info, nil
}

func (w *Writer) patchLocked() error {
	if w.dataBytes > int64(^uint32(0))-36 {
		return fmt.Errorf("%w: recording exceeds 4GiB WAV limit", models.ErrIO)
	}
	var field [4]byte
	binary.LittleEndian.PutUint32(field[:], uint32(36+w.dataBytes))
	if _, err := w.f.WriteAt(field[:], audio.RIFFSizeOffset); err != nil {
		return fmt.Errorf("%w: patch RIFF size: %v", models.ErrIO, err)
	}
	binary.LittleEndian.PutUint32(field[:], uint32(w.dataBytes))
	if _, err := w.f.WriteAt(field[:], audio.DataSizeOffset); err != nil {
		return fmt.Errorf("%w: patch data size: %v", models.ErrIO, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", models.ErrIO, err)
	}
	return nil
}

// Abort closes the writer and removes the temp file.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateWritable {
		return nil
	}
	w.stopProgressLocked()
	w.state = stateFailed
	w.f.Close()
	if err := os.Remove(w.tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", models.ErrIO, w.tempPath, err)
	}
	return nil
}

func (w *Writer) stopProgressLocked() {
	if w.progress == nil {
		return
	}
	close(w.progress)
	w.progress = nil
}

// Writable reports whether Append will accept frames.
func (w *Writer) Writable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateWritable
}

// Path returns the final path of the recording.
func (w *Writer) Path() string { return w.path }

// Info returns a snapshot of the recording so far.
func (w *Writer) Info() models.RecordingInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.infoLocked()
}

func (w *Writer) infoLocked() models.RecordingInfo {
	path := w.tempPath
	if w.state == stateFinalized {
		path = w.path
	}
	var duration float64
	if w.sampleRate > 0 && w.channels > 0 {
		duration = float64(w.samples/int64(w.channels)) / float64(w.sampleRate)
	}
	return models.RecordingInfo{
		Path:          path,
		SampleRate:    w.sampleRate,
		Channels:      w.channels,
		BitDepth:      w.bitDepth,
		Samples:       w.samples,
		DataBytes:     w.dataBytes,
		FileBytes:     audio.HeaderSize + w.dataBytes,
		DurationSec:   duration,
		Finalized:     w.state == stateFinalized,
		StartedAtUnix: w.startedAt.UnixMilli(),
	}
}
