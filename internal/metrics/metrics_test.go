package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martvanrijthoven/concurrent-buffer/internal/state"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// newTestCollector resets the default registry to avoid duplicate registration
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	return NewCollector("test"), reg
}

// value returns the sample of name whose labels include want
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			switch {
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, want)
	return 0
}

func snapshot(free, avail, reserved, processing int, transitions uint64) Snapshot {
	return Snapshot{
		Slots: state.Stats{
			Counts: map[types.SlotState]int{
				types.StateFree:       free,
				types.StateAvailable:  avail,
				types.StateReserved:   reserved,
				types.StateProcessing: processing,
			},
			Reservations:   transitions,
			Availabilities: transitions,
			Claims:         transitions,
			Releases:       transitions,
		},
		QueueLen: reserved,
	}
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.slots, "slots gauge should be initialized")
	assert.NotNil(t, collector.queueDepth, "queueDepth gauge should be initialized")
	assert.NotNil(t, collector.transitions, "transitions counter should be initialized")
	assert.NotNil(t, collector.consumed, "consumed counter should be initialized")
	assert.NotNil(t, collector.wait, "wait histogram should be initialized")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	newTestCollector(t)
	assert.Panics(t, func() { NewCollector("test") }, "same pool registered twice")
}

func TestUnregister(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.Unregister()

	assert.NotPanics(t, func() { NewCollector("test") }, "names are free again")
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecordConsumed(t *testing.T) {
	collector, reg := newTestCollector(t)

	for i := 0; i < 5; i++ {
		collector.RecordConsumed(time.Duration(i) * time.Millisecond)
	}

	assert.Equal(t, 5.0, value(t, reg, "cbuffer_items_consumed_total", nil))
	assert.Equal(t, 5.0, value(t, reg, "cbuffer_consumer_wait_seconds", nil))
}

func TestUpdate(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.Update(snapshot(3, 2, 1, 0, 10))

	tests := []struct {
		state types.SlotState
		want  float64
	}{
		{types.StateFree, 3},
		{types.StateAvailable, 2},
		{types.StateReserved, 1},
		{types.StateProcessing, 0},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			got := value(t, reg, "cbuffer_slots", map[string]string{"state": tt.state.String(), "pool": "test"})
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, 1.0, value(t, reg, "cbuffer_queue_depth", nil))
	assert.Equal(t, 10.0, value(t, reg, "cbuffer_slot_transitions_total", map[string]string{"kind": "claim"}))
}

func TestUpdateAddsDeltas(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.Update(snapshot(6, 0, 0, 0, 4))
	collector.Update(snapshot(6, 0, 0, 0, 9))
	collector.Update(snapshot(6, 0, 0, 0, 9))

	assert.Equal(t, 9.0, value(t, reg, "cbuffer_slot_transitions_total", map[string]string{"kind": "reserve"}))
	assert.Equal(t, 9.0, value(t, reg, "cbuffer_slot_transitions_total", map[string]string{"kind": "release"}))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, reg := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.RecordConsumed(time.Microsecond)
				collector.Update(snapshot(6, 0, 0, 0, uint64(i*100+j)))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000.0, value(t, reg, "cbuffer_items_consumed_total", nil))
	assert.Equal(t, 999.0, value(t, reg, "cbuffer_slot_transitions_total", map[string]string{"kind": "claim"}),
		"counter follows the highest shared value")
}

func TestWatch(t *testing.T) {
	collector, reg := newTestCollector(t)

	var (
		mu    sync.Mutex
		calls int
	)
	src := SourceFunc(func() (Snapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls > 3 {
			return Snapshot{}, errors.New("pool stopped")
		}
		return snapshot(6-calls, calls, 0, 0, uint64(calls)), nil
	})

	done := make(chan struct{})
	go func() {
		collector.Watch(context.Background(), src, time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop on source error")
	}
	assert.Equal(t, 3.0, value(t, reg, "cbuffer_slots", map[string]string{"state": "available"}))
}

func TestWatchCancelled(t *testing.T) {
	collector, _ := newTestCollector(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		collector.Watch(ctx, SourceFunc(func() (Snapshot, error) { return snapshot(6, 0, 0, 0, 0), nil }), time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch ignored cancellation")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
