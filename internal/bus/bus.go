// Package bus implements the subject-addressed in-process publish/subscribe
// fabric: broadcast delivery with drop-on-full-consumer-slot semantics, a
// bus-assigned strictly increasing sequence number per envelope, and a
// syscall-free publish-timestamp clock.
package bus

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// Envelope is the immutable unit of pub/sub delivery.
type Envelope struct {
	Subject   string
	Payload   []byte
	Headers   map[string]string
	Tick      int64 // cycle-counter publish timestamp, see Clock
	Sequence  uint64
}

var tokenSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeToken strips any character outside [A-Za-z0-9_-] from a subject
// token before it is used to build a subject string.
func SanitizeToken(token string) string {
	return tokenSanitizer.ReplaceAllString(token, "")
}

// Subject joins sanitized tokens with '.' following the
// {env}.{feed}.{class}.{ticker} convention.
func Subject(tokens ...string) string {
	sanitized := make([]string, len(tokens))
	for i, t := range tokens {
		sanitized[i] = SanitizeToken(t)
	}
	return strings.Join(sanitized, ".")
}

// subscription is one consumer's broadcast channel for a subject.
type subscription struct {
	ch      chan Envelope
	dropped atomic.Int64
}

// Bus is the in-process pub/sub fabric. Publish never blocks on a slow
// subscriber; a full channel is treated as a drop, counted but not retried.
type Bus struct {
	clock *Clock
	seq   atomic.Uint64

	mu   sync.RWMutex
	subs map[string][]*subscription
}

// New creates an empty bus with its own cycle-counter clock.
func New() *Bus {
	return &Bus{
		clock: NewClock(),
		subs:  make(map[string][]*subscription),
	}
}

// Publish enqueues an envelope into every active subscriber of subject and
// returns once all enqueue attempts (successful or dropped) have completed.
// It assigns the envelope's Tick and Sequence.
func (b *Bus) Publish(subject string, payload []byte, headers map[string]string) Envelope {
	env := Envelope{
		Subject:  subject,
		Payload:  payload,
		Headers:  headers,
		Tick:     b.clock.Tick(),
		Sequence: b.seq.Add(1) - 1,
	}

	b.mu.RLock()
	subs := b.subs[subject]
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		default:
			s.dropped.Add(1)
		}
	}

	return env
}

// Subscribe registers a new receiver for subject with the given channel
// buffer depth and returns a channel yielding envelopes in publish order.
// The returned unsubscribe function must be called when the consumer stops
// reading, or the subscription slot leaks.
func (b *Bus) Subscribe(subject string, bufferDepth int) (<-chan Envelope, func()) {
	if bufferDepth <= 0 {
		bufferDepth = 1
	}
	s := &subscription{ch: make(chan Envelope, bufferDepth)}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[subject]
		for i, cand := range list {
			if cand == s {
				b.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	return s.ch, unsubscribe
}

// Clock exposes the bus's publish clock, e.g. so a disk flusher can log
// when the process was anchored.
func (b *Bus) Clock() *Clock {
	return b.clock
}
