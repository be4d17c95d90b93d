package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martvanrijthoven/concurrent-buffer/internal/shmem"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestQueue(t *testing.T, capacity, recordSize int) *Queue {
	t.Helper()
	m := shmem.NewManager("cbuf-queue-" + uuid.NewString()[:8])
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown() })

	region, err := m.Create("queue", RegionSize(capacity, recordSize))
	require.NoError(t, err)

	q, err := New(region, capacity, recordSize)
	require.NoError(t, err)
	return q
}

// ============================================================================
// Queue Tests
// ============================================================================

func TestQueueFIFO(t *testing.T) {
	q := newTestQueue(t, 4, 32)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(ctx, []byte(fmt.Sprintf("rec-%d", i))))
	}
	assert.Equal(t, 4, q.Len())

	ok, err := q.TryPush([]byte("overflow"))
	require.NoError(t, err)
	assert.False(t, ok, "queue is full")

	for i := 0; i < 4; i++ {
		rec, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("rec-%d", i), string(rec))
	}

	_, ok, err = q.TryPop()
	require.NoError(t, err)
	assert.False(t, ok, "queue is empty")
}

func TestQueueWrapAround(t *testing.T) {
	q := newTestQueue(t, 3, 8)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		require.NoError(t, q.Push(ctx, []byte{byte(round)}))
		require.NoError(t, q.Push(ctx, []byte{byte(round), 1}))
		a, err := q.Pop(ctx)
		require.NoError(t, err)
		b, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(round)}, a)
		assert.Equal(t, []byte{byte(round), 1}, b)
	}
}

func TestQueueRecordTooLarge(t *testing.T) {
	q := newTestQueue(t, 2, 8)

	err := q.Push(context.Background(), make([]byte, 9))
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	_, err = q.TryPush(make([]byte, 9))
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	assert.NoError(t, q.Push(context.Background(), make([]byte, 8)))
}

func TestQueueEmptyRecord(t *testing.T) {
	q := newTestQueue(t, 2, 8)
	require.NoError(t, q.Push(context.Background(), nil))

	rec, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newTestQueue(t, 2, 16)

	got := make(chan []byte, 1)
	go func() {
		rec, err := q.Pop(context.Background())
		if err == nil {
			got <- rec
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned before push")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, q.Push(context.Background(), []byte("hello")))
	select {
	case rec := <-got:
		assert.Equal(t, "hello", string(rec))
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestQueuePushBlocksWhenFull(t *testing.T) {
	q := newTestQueue(t, 1, 16)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, []byte("a")))

	done := make(chan error, 1)
	go func() { done <- q.Push(ctx, []byte("b")) }()

	select {
	case <-done:
		t.Fatal("push returned while full")
	case <-time.After(30 * time.Millisecond):
	}

	rec, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(rec))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("push did not wake")
	}
}

func TestQueueContextCancel(t *testing.T) {
	q := newTestQueue(t, 1, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Push(context.Background(), []byte("x")))
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	err = q.Push(ctx2, []byte("y"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueClose(t *testing.T) {
	q := newTestQueue(t, 2, 16)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, []byte("last")))

	blocked := make(chan error, 1)
	other := newTestQueue(t, 1, 16)
	go func() {
		_, err := other.Pop(ctx)
		blocked <- err
	}()
	time.Sleep(10 * time.Millisecond)
	other.Close()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake popper")
	}

	q.Close()
	assert.ErrorIs(t, q.Push(ctx, []byte("late")), ErrClosed)

	rec, err := q.Pop(ctx)
	require.NoError(t, err, "queued records drain after close")
	assert.Equal(t, "last", string(rec))

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueAttach(t *testing.T) {
	m := shmem.NewManager("cbuf-queue-" + uuid.NewString()[:8])
	require.NoError(t, m.Start())
	defer m.Shutdown()

	region, err := m.Create("queue", RegionSize(4, 64))
	require.NoError(t, err)
	q, err := New(region, 4, 64)
	require.NoError(t, err)

	other, err := shmem.Open(region.Path)
	require.NoError(t, err)
	defer other.Close()

	attached, err := Attach(other)
	require.NoError(t, err)
	assert.Equal(t, 4, attached.Capacity())
	assert.Equal(t, 64, attached.RecordSize())

	require.NoError(t, q.Push(context.Background(), []byte("shared")))
	rec, err := attached.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shared", string(rec))

	bad, err := m.Create("bad", 128)
	require.NoError(t, err)
	_, err = Attach(bad)
	assert.ErrorIs(t, err, ErrBadMagic)
}

// TestQueueConcurrent delivers every record exactly once across several
// producers and consumers.
func TestQueueConcurrent(t *testing.T) {
	const producers = 4
	const consumers = 4
	const perProducer = 250

	q := newTestQueue(t, 8, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Push(ctx, []byte(fmt.Sprintf("%d-%d", p, i))); err != nil {
					t.Errorf("push: %v", err)
					return
				}
			}
		}(p)
	}

	var mu sync.Mutex
	var seen []string
	var cwg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				rec, err := q.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen = append(seen, string(rec))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	q.Close()
	cwg.Wait()
	require.NoError(t, ctx.Err())

	var want []string
	for p := 0; p < producers; p++ {
		for i := 0; i < perProducer; i++ {
			want = append(want, fmt.Sprintf("%d-%d", p, i))
		}
	}
	sort.Strings(want)
	sort.Strings(seen)
	assert.Equal(t, want, seen)
}

// ============================================================================
// Codec Tests
// ============================================================================

func TestDescriptorRoundTrip(t *testing.T) {
	q := newTestQueue(t, 2, DefaultRecordSize)
	ctx := context.Background()

	desc := types.Descriptor{
		types.SlotIDKey: 7,
		"path":          "/data/a.tif",
		"level":         int64(2),
		"tags":          []any{"x", "y"},
	}
	require.NoError(t, q.PushDescriptor(ctx, desc))

	got, err := q.PopDescriptor(ctx)
	require.NoError(t, err)

	id, ok := got.SlotID()
	require.True(t, ok)
	assert.Equal(t, types.SlotID(7), id)
	assert.Equal(t, "/data/a.tif", got["path"])
	assert.Equal(t, float64(2), got["level"])
	assert.Equal(t, []any{"x", "y"}, got["tags"])
}

func TestDescriptorNormalization(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	rec, err := EncodeDescriptor(types.Descriptor{
		"point": point{X: 1, Y: 2},
		"ids":   []int{3, 4},
		"slot":  types.SlotID(5),
	})
	require.NoError(t, err)

	got, err := DecodeDescriptor(rec)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2)}, got["point"])
	assert.Equal(t, []any{float64(3), float64(4)}, got["ids"])
	assert.Equal(t, float64(5), got["slot"])
}

func TestStopDescriptor(t *testing.T) {
	rec, err := EncodeDescriptor(types.StopDescriptor())
	require.NoError(t, err)
	got, err := DecodeDescriptor(rec)
	require.NoError(t, err)
	assert.True(t, got.IsStop())
}

// ============================================================================
// Channel Tests
// ============================================================================

func TestChannelOrder(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	ids := []types.SlotID{3, 0, 17, 2}
	for _, id := range ids {
		require.NoError(t, ch.Send(id))
	}
	for _, want := range ids {
		got, err := ch.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestChannelRecvCancel(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ch.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// still usable after a cancelled receive
	require.NoError(t, ch.Send(9))
	id, err := ch.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SlotID(9), id)
}

func TestChannelClosedWriter(t *testing.T) {
	ch, err := NewChannel()
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(1))
	require.NoError(t, ch.CloseWriter())

	id, err := ch.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SlotID(1), id)

	_, err = ch.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Error(t, ch.Send(2))
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}
