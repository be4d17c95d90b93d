// ============================================================================
// concurrent-buffer Worker - slot filling loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: The loop each worker child process runs
//
// How it works:
//   1. Pop a descriptor from the work queue (blocking wait)
//   2. A stop sentinel ends the loop
//   3. ComputePayload(descriptor) builds the slot data
//   4. Write the data into the slot, then mark it Available
//   5. Repeat
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Process                          │
//   │  ┌───────────────────────────────────┐   │
//   │  │ for desc := queue.Pop()           │   │
//   │  │   ├─ desc is stop? → return       │   │
//   │  │   ├─ ComputePayload(desc)         │   │
//   │  │   ├─ store.Write(id, arrays)      │   │
//   │  │   └─ table.ReleaseToAvailable(id) │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// Compute failures:
//   - Non-deterministic: the slot returns to Free and the item is dropped
//   - Deterministic: the id is already on the order channel, so the slot is
//     zero-filled and marked Available; the consumer never waits forever
//
// Termination:
//   The parent enqueues one sentinel per worker and then terminates the
//   process. Work in flight when ctx ends is abandoned.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/internal/memory"
	"github.com/martvanrijthoven/concurrent-buffer/internal/queue"
	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var log = slog.Default()

// ErrMissingSlotID is reported when a descriptor carries no slot id.
var ErrMissingSlotID = errors.New("worker: descriptor has no slot id")

// Worker represents one slot filling loop
type Worker struct {
	id            int // Worker index, used for logging
	computer      Computer
	queue         *queue.Queue
	table         *state.Table
	store         *memory.Store
	deterministic bool

	// OnResult, when set, observes every processed descriptor.
	OnResult func(Result)
}

// NewWorker creates a new Worker instance
func NewWorker(id int, computer Computer, q *queue.Queue, table *state.Table, store *memory.Store, deterministic bool) *Worker {
	return &Worker{
		id:            id,
		computer:      computer,
		queue:         q,
		table:         table,
		store:         store,
		deterministic: deterministic,
	}
}

// Run is the main loop of Worker. It returns nil on a stop sentinel, a
// closed queue or ctx cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if b, ok := w.computer.(Builder); ok {
		if err := b.Build(); err != nil {
			return fmt.Errorf("worker %d: build: %w", w.id, err)
		}
	}

	for {
		desc, err := w.queue.PopDescriptor(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		if desc.IsStop() {
			log.Debug("Worker received stop", "worker", w.id)
			return nil
		}

		result := w.process(ctx, desc)
		if w.OnResult != nil {
			w.OnResult(result)
		}
	}
}

// process computes and stores one descriptor
func (w *Worker) process(ctx context.Context, desc types.Descriptor) Result {
	start := time.Now()

	id, ok := desc.SlotID()
	if !ok {
		log.Error("Descriptor without slot id dropped", "worker", w.id)
		return Result{Slot: -1, Error: ErrMissingSlotID, Duration: time.Since(start)}
	}

	arrays, err := w.computer.ComputePayload(desc)
	if ctx.Err() != nil {
		// terminated mid-compute: abandon the slot
		return Result{Slot: id, Error: ctx.Err(), Duration: time.Since(start)}
	}
	if err == nil {
		err = w.store.Write(id, arrays)
	}

	if err != nil {
		w.fail(id, err)
		return Result{Slot: id, Error: err, Duration: time.Since(start)}
	}

	w.table.ReleaseToAvailable(id)
	return Result{Slot: id, Success: true, Duration: time.Since(start)}
}

// fail applies the compute failure policy to slot id
func (w *Worker) fail(id types.SlotID, err error) {
	if w.deterministic {
		log.Error("Compute failed, publishing zeroed slot", "worker", w.id, "slot", id, "error", err)
		w.store.Zero(id)
		w.table.ReleaseToAvailable(id)
		return
	}
	log.Error("Compute failed, slot released", "worker", w.id, "slot", id, "error", err)
	w.table.ReleaseToFree(id)
}
