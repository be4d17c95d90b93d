//go:build linux

package shmem

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex ops: waiters live in different processes that
// map the same file, so the kernel must key the futex on the inode.
const (
	futexWait = 0
	futexWake = 1
)

// Wait blocks while *addr == val, until woken, interrupted or timeout
// elapses. timeout <= 0 waits without a deadline. Callers must re-check
// their condition afterwards; spurious wakeups are normal.
func Wait(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWait,
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0,
		0,
	)

	switch {
	case errno == 0, errno == unix.EAGAIN, errno == unix.EINTR:
		return nil
	case errno == unix.ETIMEDOUT:
		return ErrWaitTimeout
	default:
		return fmt.Errorf("shmem: futex wait: %w", errno)
	}
}

// Wake wakes up to n waiters blocked on addr.
func Wake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWake,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("shmem: futex wake: %w", errno)
	}
	return int(r1), nil
}
