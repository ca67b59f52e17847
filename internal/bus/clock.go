package bus

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic, syscall-free publication clock. It hands out a
// strictly increasing counter on every Tick, so the hot publish path never
// makes a wall-clock syscall; wall-clock time is read only at I/O
// boundaries (the disk flusher, the archive consumer) through NowForIO, not
// derived from a Tick value.
type Clock struct {
	counter atomic.Int64
	epoch   time.Time
}

// NewClock creates a cycle-counter clock anchored to the current wall-clock
// time. The anchor is read once; no further wall-clock syscalls occur.
func NewClock() *Clock {
	return &Clock{epoch: time.Now()}
}

// Tick returns the next strictly increasing counter value. This is the only
// call on the hot publish path; it never touches the wall clock.
func (c *Clock) Tick() int64 {
	return c.counter.Add(1)
}

// StartedAt returns the wall-clock time the process anchored this clock at,
// for diagnostic logging only.
func (c *Clock) StartedAt() time.Time {
	return c.epoch
}

// NowForIO returns the current wall-clock time. Callers at an I/O boundary
// (disk flusher, archive consumer) call this explicitly instead of deriving
// a timestamp from a Tick value, since Tick values are not time-comparable
// across process restarts.
func NowForIO() time.Time {
	return time.Now()
}
