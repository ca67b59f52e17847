// Package archive implements the disk flusher: it drains a feed's ring
// buffer into rotating gzip JSONL files, tracks a per-date manifest of
// completed files and detected sequence gaps, and exposes an archive
// consumer that finds gaps in the sequence numbers of the envelopes it
// receives.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileEntry describes one completed archive file. RawBytes,
// CompressionRatio, and RecordsByType are optional supplemental fields
// beyond the minimal shape; Writer does not fill them, so they are omitted
// from the JSON unless a caller sets them.
type FileEntry struct {
	Name             string            `json:"name"`
	Start            time.Time         `json:"start"`
	End              time.Time         `json:"end"`
	Records          uint64            `json:"records"`
	Bytes            uint64            `json:"bytes"`
	RawBytes         *uint64           `json:"raw_bytes,omitempty"`
	CompressionRatio *float64          `json:"compression_ratio,omitempty"`
	StartSeq         uint64            `json:"nats_start_seq"`
	EndSeq           uint64            `json:"nats_end_seq"`
	RecordsByType    map[string]uint64 `json:"records_by_type,omitempty"`
}

// Gap records a detected hole in the bus sequence space.
type Gap struct {
	AfterSeq     uint64    `json:"after_seq"`
	MissingCount uint64    `json:"missing_count"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Manifest is the per-feed, per-date record of completed archive files and
// any sequence gaps observed while writing them.
type Manifest struct {
	Feed             string      `json:"feed"`
	Date             string      `json:"date"`
	Format           string      `json:"format"`
	RotationInterval string      `json:"rotation_interval"`
	Files            []FileEntry `json:"files"`
	Gaps             []Gap       `json:"gaps"`
	Tickers          []string    `json:"tickers"`
	MessageTypes     []string    `json:"message_types"`
	HasGaps          bool        `json:"has_gaps"`
}

func newManifest(feed, date, rotationInterval string) Manifest {
	return Manifest{
		Feed:             feed,
		Date:             date,
		Format:           "jsonl",
		RotationInterval: rotationInterval,
	}
}

func manifestPath(basePath, feed, stream, date string) string {
	return filepath.Join(basePath, feed, stream, date, "manifest.json")
}

// UpdateManifest builds a fresh manifest from the given state and writes it
// atomically: serialize to a temp file beside the destination, then rename
// over it, so a reader never observes a partially written manifest.
func UpdateManifest(basePath, feed, stream, date, rotationInterval string, tickers, messageTypes []string, gaps []Gap, completedFiles []FileEntry) error {
	m := newManifest(feed, date, rotationInterval)
	m.Files = completedFiles
	m.Tickers = append([]string(nil), tickers...)
	sort.Strings(m.Tickers)
	m.MessageTypes = append([]string(nil), messageTypes...)
	sort.Strings(m.MessageTypes)
	m.Gaps = gaps
	m.HasGaps = len(gaps) > 0

	path := manifestPath(basePath, feed, stream, date)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: creating manifest directory: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("archive: marshaling manifest: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("archive: writing temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("archive: renaming manifest into place: %w", err)
	}
	return nil
}

// WriteManifest closes w's current file (if any), appends its FileEntry to
// completedFiles, and writes the final manifest in one step.
func WriteManifest(basePath, feed, stream, date, rotationInterval string, w *Writer, tickers, messageTypes []string, gaps []Gap, completedFiles *[]FileEntry) error {
	entry, err := w.Close()
	if err != nil {
		return err
	}
	if entry != nil {
		*completedFiles = append(*completedFiles, *entry)
	}

	return UpdateManifest(basePath, feed, stream, date, rotationInterval, tickers, messageTypes, gaps, *completedFiles)
}
