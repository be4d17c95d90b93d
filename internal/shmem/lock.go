package shmem

import (
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrWaitTimeout is returned by Wait when the timeout elapses.
var ErrWaitTimeout = errors.New("shmem: wait timed out")

// Backoff describes how a polling loop waits between attempts: the first
// Spins attempts only yield the processor, later attempts sleep, doubling
// from Initial up to Max. Max bounds how late a poller observes a change.
type Backoff struct {
	Spins   int
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff keeps the worst-case observation delay at one millisecond.
var DefaultBackoff = Backoff{
	Spins:   32,
	Initial: 10 * time.Microsecond,
	Max:     time.Millisecond,
}

// Delay returns the sleep for attempt (0-indexed); zero means yield only.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < b.Spins || b.Initial <= 0 {
		return 0
	}
	shift := attempt - b.Spins
	if shift > 20 {
		shift = 20
	}
	d := b.Initial << shift
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Wait pauses for attempt and returns the time slept.
func (b Backoff) Wait(attempt int) time.Duration {
	d := b.Delay(attempt)
	if d == 0 {
		runtime.Gosched()
		return 0
	}
	time.Sleep(d)
	return d
}

// Lock is a cross-process mutual exclusion lock over one shared uint32.
// The word holds 0 when free, or the pid of the holder. A holder that dies
// with the lock held is detected and the lock is taken over.
type Lock struct {
	word *uint32
	pid  uint32
}

// lockBackoff is tighter than DefaultBackoff: critical sections are a scan
// over a few hundred words at most.
var lockBackoff = Backoff{
	Spins:   64,
	Initial: time.Microsecond,
	Max:     100 * time.Microsecond,
}

// stealCheckEvery controls how often a waiter checks the holder is alive.
const stealCheckEvery = 1024

// NewLock wraps word, which must live in shared memory and start at zero.
func NewLock(word *uint32) *Lock {
	return &Lock{word: word, pid: uint32(os.Getpid())}
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return atomic.CompareAndSwapUint32(l.word, 0, l.pid)
}

// Lock blocks until the lock is held.
func (l *Lock) Lock() {
	for attempt := 0; ; attempt++ {
		if l.TryLock() {
			return
		}
		if attempt > 0 && attempt%stealCheckEvery == 0 {
			if owner := atomic.LoadUint32(l.word); owner != 0 && !ProcessAlive(int(owner)) {
				if atomic.CompareAndSwapUint32(l.word, owner, l.pid) {
					log.Warn("Recovered shared lock from dead holder", "holder_pid", owner)
					return
				}
			}
		}
		lockBackoff.Wait(attempt)
	}
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	atomic.StoreUint32(l.word, 0)
}

// Holder returns the pid currently holding the lock, or 0.
func (l *Lock) Holder() int {
	return int(atomic.LoadUint32(l.word))
}
