package archive

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/marketpulse/ingestcore/internal/bus"
)

func TestConsumer_NoGapOnContiguousSequence(t *testing.T) {
	c := NewConsumer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now()

	for seq := uint64(0); seq < 5; seq++ {
		_, gap := c.Receive(bus.Envelope{Sequence: seq}, now)
		if gap != nil {
			t.Fatalf("unexpected gap at seq %d: %+v", seq, gap)
		}
	}
}

func TestConsumer_DetectsGap(t *testing.T) {
	c := NewConsumer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now()

	if _, gap := c.Receive(bus.Envelope{Sequence: 5}, now); gap != nil {
		t.Fatalf("unexpected gap on first message: %+v", gap)
	}

	_, gap := c.Receive(bus.Envelope{Sequence: 8}, now)
	if gap == nil {
		t.Fatal("expected a gap to be detected")
	}
	if gap.AfterSeq != 5 || gap.MissingCount != 2 {
		t.Fatalf("expected AfterSeq=5 MissingCount=2, got %+v", gap)
	}
}
