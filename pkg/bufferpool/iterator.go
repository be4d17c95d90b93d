package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/internal/controller"
	"github.com/martvanrijthoven/concurrent-buffer/internal/metrics"
	"github.com/martvanrijthoven/concurrent-buffer/internal/queue"
	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/internal/worker"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

var log = slog.Default()

var (
	// ErrStopped is returned by Next after Stop.
	ErrStopped = errors.New("bufferpool: stopped")
	// ErrNotStarted is returned by Next before Start.
	ErrNotStarted = shmem.ErrManagerNotStarted
	// ErrDispatcherGone is returned in deterministic mode when the
	// dispatcher process exited and no more ids will arrive.
	ErrDispatcherGone = errors.New("bufferpool: dispatcher exited")
)

// Stats describes a running pool.
type Stats = controller.Stats

// Item is one filled slot. Data points into shared memory and stays valid
// until the slot is released.
type Item struct {
	Slot types.SlotID
	Data []types.Array
}

type options struct {
	name            string
	logLevel        string
	sentinelTimeout time.Duration
	grace           time.Duration
	manualRelease   bool
	metrics         bool
	metricsInterval time.Duration
	backoff         shmem.Backoff
}

// Option configures an Iterator.
type Option func(*options)

// WithName fixes the pool name, which prefixes every shared region.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogLevel sets the slog level of the child processes.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

// WithShutdown bounds how long Stop waits for the stop sentinels to be
// queued and how long children get between SIGTERM and SIGKILL.
func WithShutdown(sentinelTimeout, grace time.Duration) Option {
	return func(o *options) {
		o.sentinelTimeout = sentinelTimeout
		o.grace = grace
	}
}

// WithManualRelease turns off auto-release; every item must be given back
// with Release.
func WithManualRelease() Option {
	return func(o *options) { o.manualRelease = true }
}

// WithMetrics registers a prometheus collector for the pool on the default
// registerer and samples the pool every interval.
func WithMetrics(interval time.Duration) Option {
	return func(o *options) {
		o.metrics = true
		o.metricsInterval = interval
	}
}

// Iterator consumes filled slots of one pool. It is the pool's only
// consumer and is not safe for concurrent Next calls; Stop may be called
// from any goroutine.
type Iterator struct {
	opts options
	ctrl *controller.Controller

	// life is read-held by Next while it touches shared memory and
	// write-held by Stop while it tears the pool down.
	life     sync.RWMutex
	started  bool
	stopped  bool
	handles  controller.Handles
	ctx      context.Context
	cancel   context.CancelFunc
	prev     types.SlotID
	hasPrev  bool
	consumed atomic.Int64

	// pending is an id received from the order channel whose claim was
	// interrupted; the next Next resumes with it.
	pending    types.SlotID
	hasPending bool

	collector *metrics.Collector
	stopOnce  sync.Once
	stopErr   error
}

// NewIterator validates the pool description and resolves dispatcher and
// worker to their registered names. Nothing is allocated until Start.
func NewIterator(info types.Info, d Dispatcher, w Worker, opts ...Option) (*Iterator, error) {
	o := options{
		sentinelTimeout: worker.DefaultStopOptions.SentinelTimeout,
		grace:           worker.DefaultStopOptions.Grace,
		metricsInterval: time.Second,
		backoff:         shmem.DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}

	dname, dconfig, err := callback(dispatchers, d)
	if err != nil {
		return nil, err
	}
	wname, wconfig, err := callback(workers, w)
	if err != nil {
		return nil, err
	}

	ctrl, err := controller.NewController(controller.Config{
		Info:       info,
		Dispatcher: controller.Callback{Name: dname, Config: dconfig},
		Worker:     controller.Callback{Name: wname, Config: wconfig},
		Name:       o.name,
		LogLevel:   o.logLevel,
		Stop:       worker.StopOptions{SentinelTimeout: o.sentinelTimeout, Grace: o.grace},
		Grace:      o.grace,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Iterator{opts: o, ctrl: ctrl, ctx: ctx, cancel: cancel}, nil
}

// New creates and starts a pool.
func New(info types.Info, d Dispatcher, w Worker, opts ...Option) (*Iterator, error) {
	it, err := NewIterator(info, d, w, opts...)
	if err != nil {
		return nil, err
	}
	if err := it.Start(); err != nil {
		return nil, err
	}
	return it, nil
}

// Start allocates the shared regions and starts the dispatcher and worker
// processes. A failed Start leaves nothing behind.
func (it *Iterator) Start() error {
	it.life.Lock()
	defer it.life.Unlock()

	if it.stopped {
		return ErrStopped
	}
	if err := it.ctrl.Start(); err != nil {
		return err
	}
	handles, err := it.ctrl.Handles()
	if err != nil {
		it.ctrl.Stop()
		return err
	}
	it.handles = handles
	it.started = true

	if it.opts.metrics {
		it.collector = metrics.NewCollector(it.ctrl.Name())
		go it.collector.Watch(it.ctx, metrics.SourceFunc(it.snapshot), it.opts.metricsInterval)
	}
	return nil
}

func (it *Iterator) snapshot() (metrics.Snapshot, error) {
	s, err := it.ctrl.Stats()
	if err != nil {
		return metrics.Snapshot{}, err
	}
	return metrics.Snapshot{Slots: s.Slots, QueueLen: s.QueueLen}, nil
}

// Name returns the pool name.
func (it *Iterator) Name() string {
	return it.ctrl.Name()
}

// Info returns the pool description.
func (it *Iterator) Info() types.Info {
	return it.ctrl.Info()
}

// Stats returns slot counts and transition counters.
func (it *Iterator) Stats() (Stats, error) {
	return it.ctrl.Stats()
}

// Consumed returns how many items Next has returned.
func (it *Iterator) Consumed() int {
	return int(it.consumed.Load())
}

// Next blocks until the next filled slot is available and returns it. In
// deterministic mode slots come in the order they were dispatched,
// otherwise in completion order. Unless WithManualRelease was given, the
// previous item is released first.
func (it *Iterator) Next(ctx context.Context) (Item, error) {
	it.life.RLock()
	defer it.life.RUnlock()

	if it.stopped {
		return Item{}, ErrStopped
	}
	if !it.started {
		return Item{}, fmt.Errorf("bufferpool: %w", ErrNotStarted)
	}

	if !it.opts.manualRelease && it.hasPrev {
		it.handles.Table.ReleaseToFree(it.prev)
		it.hasPrev = false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(it.ctx, cancel)
	defer stop()

	start := time.Now()
	id, err := it.claim(ctx)
	if err != nil {
		if it.ctx.Err() != nil {
			return Item{}, ErrStopped
		}
		return Item{}, err
	}

	it.prev, it.hasPrev = id, true
	it.consumed.Add(1)
	if it.collector != nil {
		it.collector.RecordConsumed(time.Since(start))
	}
	return Item{Slot: id, Data: it.handles.Store.Read(id)}, nil
}

func (it *Iterator) claim(ctx context.Context) (types.SlotID, error) {
	table := it.handles.Table
	if it.handles.Order == nil {
		return state.Poll(ctx, "consumer", it.opts.backoff, table.ClaimAvailable)
	}

	if !it.hasPending {
		id, err := it.handles.Order.Recv(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return 0, ErrDispatcherGone
			}
			return 0, err
		}
		it.pending, it.hasPending = id, true
	}
	id, err := state.Poll(ctx, "consumer", it.opts.backoff, func() (types.SlotID, bool) {
		return table.ClaimAvailableAt(it.pending)
	})
	if err != nil {
		return 0, err
	}
	it.hasPending = false
	return id, nil
}

// Release gives a consumed slot back to the dispatcher. With auto-release
// it is only needed to free the last item early.
func (it *Iterator) Release(id types.SlotID) error {
	it.life.RLock()
	defer it.life.RUnlock()

	if it.stopped {
		return ErrStopped
	}
	if !it.started {
		return fmt.Errorf("bufferpool: %w", ErrNotStarted)
	}
	if it.hasPrev && it.prev == id {
		it.hasPrev = false
	}
	it.handles.Table.ReleaseToFree(id)
	return nil
}

// All yields items until ctx ends, the iterator stops or an error occurs.
// The error, except ErrStopped, is yielded once as the last pair.
func (it *Iterator) All(ctx context.Context) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for {
			item, err := it.Next(ctx)
			if errors.Is(err, ErrStopped) {
				return
			}
			if err != nil {
				yield(Item{}, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Stop shuts the pool down: workers get a stop sentinel and are
// terminated, then the dispatcher, then every shared region is released.
// Items being computed are lost. Stop is idempotent.
func (it *Iterator) Stop() error {
	it.stopOnce.Do(func() {
		it.cancel()

		it.life.Lock()
		defer it.life.Unlock()
		it.stopped = true
		it.hasPrev = false
		it.hasPending = false
		it.stopErr = it.ctrl.Stop()
		if it.collector != nil {
			it.collector.Unregister()
		}
		log.Debug("Iterator stopped", "name", it.ctrl.Name(), "consumed", it.consumed.Load())
	})
	return it.stopErr
}

// With runs fn with a started iterator and always stops it, also when fn
// panics.
func With(info types.Info, d Dispatcher, w Worker, fn func(*Iterator) error, opts ...Option) (err error) {
	it, err := New(info, d, w, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := it.Stop(); err == nil {
			err = stopErr
		}
	}()
	return fn(it)
}
