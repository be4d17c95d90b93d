//go:build !linux

package shmem

import (
	"sync/atomic"
	"time"
)

// pollInterval bounds how late a waiter notices a change without futexes.
const pollInterval = 200 * time.Microsecond

// Wait polls *addr until it differs from val or timeout elapses.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for atomic.LoadUint32(addr) == val {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// Wake is a no-op; waiters poll.
func Wake(addr *uint32, n int) (int, error) {
	return 0, nil
}
