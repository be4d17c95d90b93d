package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// Channel is a one-way pipe of slot ids in production order. The
// dispatcher writes, the consumer reads. Each id is one 4-byte little
// endian write, below PIPE_BUF, so concurrent writes never interleave.
type Channel struct {
	r *os.File
	w *os.File

	mu     sync.Mutex
	closed bool
}

// NewChannel creates a pipe with both ends open in this process.
func NewChannel() (*Channel, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("queue: create channel: %w", err)
	}
	return &Channel{r: r, w: w}, nil
}

// ChannelFromFiles wraps inherited pipe ends; either may be nil.
func ChannelFromFiles(r, w *os.File) *Channel {
	return &Channel{r: r, w: w}
}

// Reader returns the read end, for handing to a child process.
func (c *Channel) Reader() *os.File { return c.r }

// Writer returns the write end, for handing to a child process.
func (c *Channel) Writer() *os.File { return c.w }

// Send writes id.
func (c *Channel) Send(id types.SlotID) error {
	if c.w == nil {
		return fmt.Errorf("queue: channel has no write end")
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(id))
	if _, err := c.w.Write(buf[:]); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("queue: channel send: %w", err)
	}
	return nil
}

// Recv blocks for the next id. It returns ctx.Err() when ctx ends first and
// ErrClosed once every write end is closed.
func (c *Channel) Recv(ctx context.Context) (types.SlotID, error) {
	if c.r == nil {
		return -1, fmt.Errorf("queue: channel has no read end")
	}

	stop := context.AfterFunc(ctx, func() {
		c.r.SetReadDeadline(time.Now())
	})
	defer stop()

	var buf [4]byte
	_, err := io.ReadFull(c.r, buf[:])
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.r.SetReadDeadline(time.Time{})
			return -1, ctxErr
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
			return -1, ErrClosed
		}
		return -1, fmt.Errorf("queue: channel recv: %w", err)
	}
	return types.SlotID(binary.LittleEndian.Uint32(buf[:])), nil
}

// CloseWriter closes this process's write end.
func (c *Channel) CloseWriter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return nil
	}
	err := c.w.Close()
	c.w = nil
	return err
}

// Close closes both ends. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, f := range []*os.File{c.w, c.r} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
