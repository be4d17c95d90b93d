// ============================================================================
// concurrent-buffer Work Queue - bounded cross-process FIFO
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Carries work descriptors from the dispatcher to the workers. Any
//          number of processes push and pop; each record is delivered to
//          exactly one popper.
//
// Shared layout:
//   [0, 64)          header
//     0  lock        uint32   cross-process lock (holder pid)
//     4  head        uint32   next record to pop
//     8  tail        uint32   next record to push
//     12 len         uint32   records queued
//     16 dataSeq     uint32   bumped on every push, futex word for poppers
//     20 spaceSeq    uint32   bumped on every pop, futex word for pushers
//     24 capacity    uint32
//     28 recordSize  uint32
//     32 magic       uint32
//     36 closed      uint32
//   [64, ...)        capacity × stride bytes of records
//   record:          uint32 length + payload, stride rounded up to 8
//
// Blocking:
//   A blocked caller reads the sequence word while holding the lock and
//   waits on it after unlocking. A push or pop in between changes the word,
//   so the futex wait returns immediately and no wakeup is lost.
//
// ============================================================================

package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once a closed
	// queue has drained.
	ErrClosed = errors.New("queue: closed")
	// ErrRecordTooLarge is returned when a record exceeds the record size.
	ErrRecordTooLarge = errors.New("queue: record too large")
	// ErrBadMagic is returned when attaching to a region that holds no queue.
	ErrBadMagic = errors.New("queue: region is not a work queue")
)

// DefaultRecordSize bounds one encoded descriptor.
const DefaultRecordSize = 4096

const (
	magic      = 0x43425155 // "CBQU"
	headerSize = 64

	offLock       = 0
	offHead       = 4
	offTail       = 8
	offLen        = 12
	offDataSeq    = 16
	offSpaceSeq   = 20
	offCapacity   = 24
	offRecordSize = 28
	offMagic      = 32
	offClosed     = 36
)

// waitSlice bounds a single futex wait so ctx is re-checked regularly.
const waitSlice = 50 * time.Millisecond

func stride(recordSize int) int {
	return (4 + recordSize + 7) &^ 7
}

// RegionSize returns the bytes needed for a queue.
func RegionSize(capacity, recordSize int) int {
	return headerSize + capacity*stride(recordSize)
}

// Queue is a bounded FIFO of byte records in a shared region.
type Queue struct {
	region     *shmem.Region
	lock       *shmem.Lock
	capacity   uint32
	recordSize int
	stride     int
}

// New initializes a queue in region.
func New(region *shmem.Region, capacity, recordSize int) (*Queue, error) {
	if capacity <= 0 || recordSize <= 0 {
		return nil, fmt.Errorf("queue: invalid capacity %d or record size %d", capacity, recordSize)
	}
	if region.Size() < RegionSize(capacity, recordSize) {
		return nil, fmt.Errorf("queue: region has %d bytes, need %d", region.Size(), RegionSize(capacity, recordSize))
	}

	for _, off := range []int{offLock, offHead, offTail, offLen, offDataSeq, offSpaceSeq, offClosed} {
		region.Store32(off, 0)
	}
	region.Store32(offCapacity, uint32(capacity))
	region.Store32(offRecordSize, uint32(recordSize))
	region.Store32(offMagic, magic)

	return bind(region), nil
}

// Attach opens a queue initialized by New in another process.
func Attach(region *shmem.Region) (*Queue, error) {
	if region.Size() < headerSize || region.Load32(offMagic) != magic {
		return nil, ErrBadMagic
	}
	q := bind(region)
	if region.Size() < RegionSize(int(q.capacity), q.recordSize) {
		return nil, fmt.Errorf("queue: region truncated")
	}
	return q, nil
}

func bind(region *shmem.Region) *Queue {
	recordSize := int(region.Load32(offRecordSize))
	return &Queue{
		region:     region,
		lock:       shmem.NewLock(region.Uint32(offLock)),
		capacity:   region.Load32(offCapacity),
		recordSize: recordSize,
		stride:     stride(recordSize),
	}
}

// Capacity returns the maximum number of queued records.
func (q *Queue) Capacity() int {
	return int(q.capacity)
}

// RecordSize returns the maximum record length.
func (q *Queue) RecordSize() int {
	return q.recordSize
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	return int(q.region.Load32(offLen))
}

func (q *Queue) record(idx uint32) []byte {
	start := headerSize + int(idx)*q.stride
	return q.region.Mem[start : start+q.stride]
}

// TryPush appends rec without blocking and reports whether it fit.
func (q *Queue) TryPush(rec []byte) (bool, error) {
	if len(rec) > q.recordSize {
		return false, fmt.Errorf("%w: %d > %d bytes", ErrRecordTooLarge, len(rec), q.recordSize)
	}
	ok, _, err := q.tryPush(rec)
	return ok, err
}

// tryPush returns the space sequence observed under the lock when full.
func (q *Queue) tryPush(rec []byte) (bool, uint32, error) {
	q.lock.Lock()

	if q.region.Load32(offClosed) != 0 {
		q.lock.Unlock()
		return false, 0, ErrClosed
	}
	n := q.region.Load32(offLen)
	if n >= q.capacity {
		seq := q.region.Load32(offSpaceSeq)
		q.lock.Unlock()
		return false, seq, nil
	}

	tail := q.region.Load32(offTail)
	slot := q.record(tail)
	binary.LittleEndian.PutUint32(slot, uint32(len(rec)))
	copy(slot[4:], rec)

	q.region.Store32(offTail, (tail+1)%q.capacity)
	q.region.Store32(offLen, n+1)
	atomic.AddUint32(q.region.Uint32(offDataSeq), 1)
	q.lock.Unlock()

	shmem.Wake(q.region.Uint32(offDataSeq), 1)
	return true, 0, nil
}

// Push appends rec, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, rec []byte) error {
	if len(rec) > q.recordSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrRecordTooLarge, len(rec), q.recordSize)
	}
	for {
		ok, seq, err := q.tryPush(rec)
		if err != nil || ok {
			return err
		}
		if err := q.wait(ctx, offSpaceSeq, seq); err != nil {
			return err
		}
	}
}

// TryPop removes the oldest record without blocking.
func (q *Queue) TryPop() ([]byte, bool, error) {
	rec, ok, _, err := q.tryPop()
	return rec, ok, err
}

func (q *Queue) tryPop() ([]byte, bool, uint32, error) {
	q.lock.Lock()

	n := q.region.Load32(offLen)
	if n == 0 {
		closed := q.region.Load32(offClosed) != 0
		seq := q.region.Load32(offDataSeq)
		q.lock.Unlock()
		if closed {
			return nil, false, 0, ErrClosed
		}
		return nil, false, seq, nil
	}

	head := q.region.Load32(offHead)
	slot := q.record(head)
	size := binary.LittleEndian.Uint32(slot)
	rec := make([]byte, size)
	copy(rec, slot[4:4+size])

	q.region.Store32(offHead, (head+1)%q.capacity)
	q.region.Store32(offLen, n-1)
	atomic.AddUint32(q.region.Uint32(offSpaceSeq), 1)
	q.lock.Unlock()

	shmem.Wake(q.region.Uint32(offSpaceSeq), 1)
	return rec, true, 0, nil
}

// Pop removes the oldest record, blocking while the queue is empty.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		rec, ok, seq, err := q.tryPop()
		if err != nil {
			return nil, err
		}
		if ok {
			return rec, nil
		}
		if err := q.wait(ctx, offDataSeq, seq); err != nil {
			return nil, err
		}
	}
}

func (q *Queue) wait(ctx context.Context, off int, seq uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := waitSlice
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		timeout = min(timeout, remaining)
	}
	err := shmem.Wait(q.region.Uint32(off), seq, timeout)
	if err != nil && !errors.Is(err, shmem.ErrWaitTimeout) {
		return err
	}
	return nil
}

// Close marks the queue closed and wakes every blocked caller. Queued
// records can still be popped.
func (q *Queue) Close() {
	q.lock.Lock()
	q.region.Store32(offClosed, 1)
	atomic.AddUint32(q.region.Uint32(offDataSeq), 1)
	atomic.AddUint32(q.region.Uint32(offSpaceSeq), 1)
	q.lock.Unlock()

	shmem.Wake(q.region.Uint32(offDataSeq), 1<<30)
	shmem.Wake(q.region.Uint32(offSpaceSeq), 1<<30)
}
