package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/pgzip"
)

// currentFile tracks the file presently being written.
type currentFile struct {
	path      string
	file      *os.File
	encoder   *pgzip.Writer
	startTime time.Time
	records   uint64
	bytes     uint64
	firstSeq  uint64
	lastSeq   uint64
	haveSeq   bool
}

// archiveLine is the on-disk envelope wrapping each raw record, so a reader
// replaying an archive file can recover capture time and feed without
// parsing the venue-specific payload.
type archiveLine struct {
	TS   time.Time       `json:"ts"`
	Feed string          `json:"feed"`
	Data json.RawMessage `json:"data"`
}

// Writer writes JSONL.gz archive files under {basePath}/{feed}/{YYYY-MM-DD}/,
// rotating to a new file once the current one has been open for
// rotationMinutes. Each raw record is wrapped in an archiveLine envelope
// before being written.
type Writer struct {
	basePath        string
	feed            string
	rotationMinutes int
	bytesPerSec     int64
	current         *currentFile
}

// NewWriter creates an archive writer. rotationMinutes matches the feed's
// configured archive.rotate_every.
func NewWriter(basePath, feed string, rotationMinutes int) *Writer {
	return &Writer{basePath: basePath, feed: feed, rotationMinutes: rotationMinutes}
}

// SetThroughputLimit caps the writer's disk write rate to bytesPerSec,
// so a burst of archived market data cannot starve other processes
// sharing the same disk. A non-positive value disables the cap.
func (w *Writer) SetThroughputLimit(bytesPerSec int64) {
	w.bytesPerSec = bytesPerSec
}

// Write appends one record, tagged with its bus sequence number, rotating
// the current file first if its rotation window has elapsed.
func (w *Writer) Write(data []byte, seq uint64, now time.Time) error {
	if w.shouldRotate(now) {
		if _, err := w.rotate(now); err != nil {
			return err
		}
	}
	if w.current == nil {
		if err := w.openNewFile(now); err != nil {
			return err
		}
	}

	cf := w.current
	if !cf.haveSeq {
		cf.firstSeq = seq
		cf.haveSeq = true
	}
	cf.lastSeq = seq

	line, err := json.Marshal(archiveLine{TS: now, Feed: w.feed, Data: json.RawMessage(data)})
	if err != nil {
		return fmt.Errorf("archive: encoding record envelope: %w", err)
	}

	if _, err := cf.encoder.Write(line); err != nil {
		return fmt.Errorf("archive: writing record: %w", err)
	}
	if _, err := cf.encoder.Write([]byte("\n")); err != nil {
		return fmt.Errorf("archive: writing record newline: %w", err)
	}
	cf.records++
	cf.bytes += uint64(len(line)) + 1
	return nil
}

// Close flushes and closes the current file, returning its FileEntry, or
// nil if no file is open.
func (w *Writer) Close() (*FileEntry, error) {
	if w.current == nil {
		return nil, nil
	}
	cf := w.current
	w.current = nil
	return w.finishFile(cf)
}

func (w *Writer) shouldRotate(now time.Time) bool {
	if w.current == nil {
		return false
	}
	return now.Sub(w.current.startTime) >= time.Duration(w.rotationMinutes)*time.Minute
}

func (w *Writer) rotate(now time.Time) (*FileEntry, error) {
	if w.current == nil {
		return nil, nil
	}
	cf := w.current
	w.current = nil
	entry, err := w.finishFile(cf)
	if err != nil {
		return nil, err
	}
	if err := w.openNewFile(now); err != nil {
		return nil, err
	}
	return entry, nil
}

func (w *Writer) openNewFile(now time.Time) error {
	dateStr := now.Format("2006-01-02")
	timeStr := now.Format("1504")

	dir := filepath.Join(w.basePath, w.feed, dateStr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: creating archive directory: %w", err)
	}

	path := filepath.Join(dir, timeStr+".jsonl.gz")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: creating archive file: %w", err)
	}

	out := newThrottledWriter(context.Background(), f, w.bytesPerSec)

	w.current = &currentFile{
		path:      path,
		file:      f,
		encoder:   pgzip.NewWriter(out),
		startTime: now,
	}
	return nil
}

func (w *Writer) finishFile(cf *currentFile) (*FileEntry, error) {
	if err := cf.encoder.Close(); err != nil {
		return nil, fmt.Errorf("archive: closing gzip encoder: %w", err)
	}
	if err := cf.file.Close(); err != nil {
		return nil, fmt.Errorf("archive: closing archive file: %w", err)
	}

	return &FileEntry{
		Name:     filepath.Base(cf.path),
		Start:    cf.startTime,
		End:      time.Now(),
		Records:  cf.records,
		Bytes:    cf.bytes,
		StartSeq: cf.firstSeq,
		EndSeq:   cf.lastSeq,
	}, nil
}
