package archive

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/marketpulse/ingestcore/internal/bus"
	"github.com/marketpulse/ingestcore/internal/ring"
)

// envelopeFor wraps a raw ring record in a bus.Envelope carrying seq as its
// sequence number, so records drained off the ring pass through the same
// Consumer as bus envelopes. The flusher's seq is its own running count of
// records read, so it is always contiguous: records lost to a full ring do
// not show up as gaps.
func envelopeFor(record []byte, seq uint64) bus.Envelope {
	return bus.Envelope{Payload: record, Sequence: seq}
}

// Flusher drains a feed's ring buffer in batches onto disk, rotating files
// and maintaining the manifest as it goes. It is designed to run on its own
// goroutine, locked to a dedicated OS thread, so a slow gzip flush never
// steals a scheduler slot from the worker goroutines feeding the ring.
type Flusher struct {
	log    *slog.Logger
	ring   *ring.Buffer
	writer *Writer
	basePath, feed, stream, date, rotationInterval string

	batchSize  int
	emptySleep time.Duration

	tickers      map[string]struct{}
	messageTypes map[string]struct{}
	completed    []FileEntry
	gaps         []Gap
}

// NewFlusher creates a disk flusher for one feed/stream pair. batchSize
// bounds how many ring records are drained per loop iteration before the
// manifest is refreshed; emptySleep is how long the flusher waits before
// retrying when the ring has nothing to read.
func NewFlusher(log *slog.Logger, rb *ring.Buffer, basePath, feed, stream, date, rotationInterval string, rotationMinutes, batchSize int, emptySleep time.Duration) *Flusher {
	return &Flusher{
		log:              log,
		ring:             rb,
		writer:           NewWriter(basePath, feed, rotationMinutes),
		basePath:         basePath,
		feed:             feed,
		stream:           stream,
		date:             date,
		rotationInterval: rotationInterval,
		batchSize:        batchSize,
		emptySleep:       emptySleep,
		tickers:          make(map[string]struct{}),
		messageTypes:     make(map[string]struct{}),
	}
}

// Run drains the ring buffer until ctx is canceled, writing each record to
// the rotating archive file and refreshing the manifest after every batch.
// Call this from its own goroutine.
func (f *Flusher) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	consumer := NewConsumer(f.log)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			f.drainAndClose(consumer, &seq)
			return
		default:
		}

		drained := 0
		for drained < f.batchSize {
			record, ok := f.ring.TryRead()
			if !ok {
				break
			}
			now := time.Now()
			msg, gap := consumer.Receive(envelopeFor(record, seq), now)
			if gap != nil {
				f.gaps = append(f.gaps, *gap)
			}
			if err := f.writer.Write(msg.Data, msg.Seq, now); err != nil {
				f.log.Error("archive write failed", "error", err)
			}
			seq++
			drained++
		}

		if drained > 0 {
			if err := f.refreshManifest(); err != nil {
				f.log.Error("manifest refresh failed", "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			f.drainAndClose(consumer, &seq)
			return
		case <-time.After(f.emptySleep):
		}
	}
}

func (f *Flusher) drainAndClose(consumer *Consumer, seq *uint64) {
	for {
		record, ok := f.ring.TryRead()
		if !ok {
			break
		}
		now := time.Now()
		msg, gap := consumer.Receive(envelopeFor(record, *seq), now)
		if gap != nil {
			f.gaps = append(f.gaps, *gap)
		}
		if err := f.writer.Write(msg.Data, msg.Seq, now); err != nil {
			f.log.Error("archive write failed", "error", err)
		}
		*seq++
	}

	if err := WriteManifest(f.basePath, f.feed, f.stream, f.date, f.rotationInterval, f.writer,
		keys(f.tickers), keys(f.messageTypes), f.gaps, &f.completed); err != nil {
		f.log.Error("final manifest write failed", "error", err)
	}
}

func (f *Flusher) refreshManifest() error {
	return UpdateManifest(f.basePath, f.feed, f.stream, f.date, f.rotationInterval,
		keys(f.tickers), keys(f.messageTypes), f.gaps, f.completed)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
