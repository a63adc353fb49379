package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"live-transcription-service/internal/audio"
	"live-transcription-service/internal/models"
)

// ListRecordings returns finalized recordings in dir, newest first.
// In-progress temp files are skipped; unreadable headers are reported with zero sizes.
func ListRecordings(dir string) ([]models.RecordingInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.RecordingInfo{}, nil
		}
		return nil, fmt.Errorf("%w: list recordings: %v", models.ErrIO, err)
	}

	type item struct {
		info  models.RecordingInfo
		mtime int64
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".wav") || strings.HasSuffix(name, TempSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, name)
		info := models.RecordingInfo{Path: path, FileBytes: fi.Size(), Finalized: true}
		if wi, err := audio.ReadInfoFile(path); err == nil {
			info.SampleRate = int(wi.SampleRate)
			info.Channels = int(wi.Channels)
			info.BitDepth = int(wi.BitsPerSample)
			info.Samples = int64(wi.NumSamples)
			info.DataBytes = int64(wi.DataSize)
			info.DurationSec = wi.Duration
		}
		items = append(items, item{info: info, mtime: fi.ModTime().UnixNano()})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].mtime > items[j].mtime })
	out := make([]models.RecordingInfo, len(items))
	for i, it := range items {
		out[i] = it.info
	}
	return out, nil
}

// DeleteRecording removes a recording by file name.
func DeleteRecording(dir, name string) error {
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".wav") {
		return fmt.Errorf("%w: invalid recording name %q", models.ErrNotFound, name)
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: recording %s", models.ErrNotFound, name)
		}
		return fmt.Errorf("%w: delete recording: %v", models.ErrIO, err)
	}
	return nil
}
