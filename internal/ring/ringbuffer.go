// Package ring implements the single-producer single-consumer byte channel
// that hands raw venue frames off from a stream worker to the disk flusher
// without blocking. Every TryWrite and TryRead takes a short mutex, and
// TryRead allocates a copy of the record it returns.
package ring

import (
	"encoding/binary"
	"errors"
	"sync"
)

// FullPolicy controls what TryWrite does when the buffer has no room for a
// new record. It is a per-feed constant fixed at construction, never a
// runtime decision.
type FullPolicy int

const (
	// DropNew rejects the incoming record and leaves the buffer untouched.
	DropNew FullPolicy = iota
	// OverwriteOldest discards as many of the oldest complete records as
	// necessary to make room for the incoming one.
	OverwriteOldest
)

const headerSize = 4 // uint32 length prefix per record

// ErrRecordTooLarge names the condition of a single record that can never
// fit even in an empty buffer. TryWrite does not return it; it reports such
// a record by returning false.
var ErrRecordTooLarge = errors.New("ring: record larger than buffer capacity")

// Stats is a point-in-time snapshot of ring buffer counters.
type Stats struct {
	CapacityBytes  int64
	InFlightBytes  int64
	RecordsWritten int64
	RecordsRead    int64
	RecordsDropped int64
	Overwrites     int64
}

// Buffer is a bounded circular byte buffer holding length-prefixed records.
// Exactly one goroutine may call TryWrite; exactly one (possibly different)
// goroutine may call TryRead. Any other access pattern is a bug.
type Buffer struct {
	buf    []byte
	size   int64
	policy FullPolicy

	mu   sync.Mutex
	head int64 // absolute next-write offset
	tail int64 // absolute oldest-unread offset

	written  int64
	read     int64
	dropped  int64
	overwrites int64
}

// New creates a heap-allocated ring buffer of the given capacity in bytes.
// File-backed persistence (surviving a process crash with in-flight records
// intact) is a conforming alternative the specification allows but this
// implementation does not provide; see DESIGN.md for the reasoning.
func New(sizeBytes int64, policy FullPolicy) *Buffer {
	if sizeBytes <= 0 {
		sizeBytes = 1
	}
	return &Buffer{
		buf:    make([]byte, sizeBytes),
		size:   sizeBytes,
		policy: policy,
	}
}

// TryWrite attempts to enqueue one record without blocking. It returns false
// when the record was rejected (DropNew policy with the buffer full, or a
// record larger than the buffer's capacity under either policy) and true
// otherwise, including when OverwriteOldest discarded older records to make
// room.
func (b *Buffer) TryWrite(p []byte) bool {
	need := int64(headerSize + len(p))
	if need > b.size {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.available() < need {
		if b.policy == DropNew {
			b.dropped++
			return false
		}
		if !b.dropOldestLocked() {
			// Buffer empty but still not enough room: impossible given the
			// need <= b.size check above, but guard against infinite loop.
			b.dropped++
			return false
		}
		b.overwrites++
	}

	b.writeRecordLocked(p)
	b.written++
	return true
}

// TryRead returns the oldest complete record, or ok=false if the buffer is
// empty. The returned slice is a copy and safe to retain.
func (b *Buffer) TryRead() (record []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.head == b.tail {
		return nil, false
	}

	rec := b.peekRecordLocked(b.tail)
	b.tail += int64(headerSize + len(rec))
	b.read++
	return rec, true
}

// Stats returns a snapshot of current counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		CapacityBytes:  b.size,
		InFlightBytes:  b.head - b.tail,
		RecordsWritten: b.written,
		RecordsRead:    b.read,
		RecordsDropped: b.dropped,
		Overwrites:     b.overwrites,
	}
}

// available returns free bytes for writing. Caller must hold b.mu.
func (b *Buffer) available() int64 {
	used := b.head - b.tail
	return b.size - used
}

// dropOldestLocked discards the oldest complete record to free space.
// Returns false if the buffer is already empty. Caller must hold b.mu.
func (b *Buffer) dropOldestLocked() bool {
	if b.head == b.tail {
		return false
	}
	rec := b.peekRecordLocked(b.tail)
	b.tail += int64(headerSize + len(rec))
	return true
}

// peekRecordLocked reads the record length-prefixed at the absolute offset
// without advancing any index. Caller must hold b.mu.
func (b *Buffer) peekRecordLocked(offset int64) []byte {
	var lenBuf [headerSize]byte
	b.readAtLocked(offset, lenBuf[:])
	n := binary.BigEndian.Uint32(lenBuf[:])

	rec := make([]byte, n)
	b.readAtLocked(offset+headerSize, rec)
	return rec
}

// readAtLocked copies len(p) bytes starting at the absolute offset, handling
// wraparound. Caller must hold b.mu.
func (b *Buffer) readAtLocked(offset int64, p []byte) {
	start := offset % b.size
	n := int64(len(p))
	if start+n <= b.size {
		copy(p, b.buf[start:start+n])
		return
	}
	firstPart := b.size - start
	copy(p, b.buf[start:])
	copy(p[firstPart:], b.buf[:n-firstPart])
}

// writeRecordLocked writes the length prefix and payload at b.head, handling
// wraparound, and advances b.head. Caller must hold b.mu and have already
// verified there is enough available space.
func (b *Buffer) writeRecordLocked(p []byte) {
	var lenBuf [headerSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))

	b.writeAtLocked(b.head, lenBuf[:])
	b.head += headerSize
	b.writeAtLocked(b.head, p)
	b.head += int64(len(p))
}

// writeAtLocked copies p into the circular buffer starting at the absolute
// offset, handling wraparound. Caller must hold b.mu.
func (b *Buffer) writeAtLocked(offset int64, p []byte) {
	start := offset % b.size
	n := int64(len(p))
	if start+n <= b.size {
		copy(b.buf[start:], p)
		return
	}
	firstPart := b.size - start
	copy(b.buf[start:], p[:firstPart])
	copy(b.buf[0:], p[firstPart:])
}
