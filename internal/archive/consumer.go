package archive

import (
	"log/slog"
	"time"

	"github.com/marketpulse/ingestcore/internal/bus"
)

// ReceivedMessage is one envelope's payload handed to the archive writer,
// tagged with its sequence number. Any gap is returned separately by Receive.
type ReceivedMessage struct {
	Data []byte
	Seq  uint64
}

// Consumer tracks the archive's expected next bus sequence number and
// reports a Gap whenever a received sequence skips ahead of it, mirroring
// the semantics of a durable pull-consumer replaying a sequenced stream.
type Consumer struct {
	log         *slog.Logger
	expectedSeq uint64
	haveExpected bool
}

// NewConsumer creates an archive consumer with no expectation yet; the
// first received message seeds expectedSeq without reporting a gap.
func NewConsumer(log *slog.Logger) *Consumer {
	return &Consumer{log: log}
}

// Receive records env as the next message seen and returns the resulting
// ReceivedMessage plus, if a gap was detected, the Gap to record in the
// manifest.
func (c *Consumer) Receive(env bus.Envelope, now time.Time) (ReceivedMessage, *Gap) {
	msg := ReceivedMessage{Data: env.Payload, Seq: env.Sequence}

	var gap *Gap
	if g, ok := c.checkGap(env.Sequence); ok {
		gap = &Gap{AfterSeq: g.afterSeq, MissingCount: g.missingCount, DetectedAt: now}
		c.log.Warn("gap detected in sequence", "expected", c.expectedSeq, "actual", env.Sequence, "gap", g.missingCount)
	}
	c.expectedSeq = env.Sequence + 1
	c.haveExpected = true

	return msg, gap
}

type seqGap struct {
	afterSeq     uint64
	missingCount uint64
}

// checkGap reports whether seq arrived ahead of the tracked expectation,
// and if so the (afterSeq, missingCount) pair for the manifest's Gap entry.
func (c *Consumer) checkGap(seq uint64) (seqGap, bool) {
	if !c.haveExpected {
		return seqGap{}, false
	}
	if seq > c.expectedSeq {
		return seqGap{afterSeq: c.expectedSeq - 1, missingCount: seq - c.expectedSeq}, true
	}
	return seqGap{}, false
}
