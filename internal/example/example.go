// Package example holds the dispatcher and worker used by the cbuffer CLI,
// the demo program and the end-to-end tests.
//
// TimesDispatcher cycles through a list of numbers. FillWorker sleeps for
// the number times a time unit and fills every sub-buffer with it, so each
// consumed slot shows which descriptor produced it.
package example

import (
	"fmt"
	"time"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/bufferpool"
	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// Registered names.
const (
	TimesName = "times"
	FillName  = "fill"
)

// DefaultTimes is the sequence used throughout the tests.
var DefaultTimes = []float64{1, 5, 1, 4, 1, 1, 2, 4, 2, 4}

func init() {
	bufferpool.RegisterDispatcher[TimesDispatcher](TimesName)
	bufferpool.RegisterWorker[FillWorker](FillName)
}

// TimesDispatcher emits {"value": t, "time": t} for each t of Times in a
// cycle.
type TimesDispatcher struct {
	Times []float64 `json:"times"`

	index int
}

// ProduceDescriptor implements bufferpool.Dispatcher.
func (d *TimesDispatcher) ProduceDescriptor() types.Descriptor {
	t := d.Times[d.index]
	d.index = (d.index + 1) % len(d.Times)
	return types.Descriptor{"value": t, "time": t}
}

// Build implements bufferpool.Builder.
func (d *TimesDispatcher) Build() error {
	if len(d.Times) == 0 {
		return fmt.Errorf("example: times dispatcher needs at least one time")
	}
	return nil
}

// Expected returns the value of the n-th dispatched descriptor.
func (d *TimesDispatcher) Expected(n int) float64 {
	return d.Times[n%len(d.Times)]
}

// FillWorker sleeps "time" x TimeUnit and returns one array per shape
// filled with "value". A "values" list overrides the value per sub-buffer.
type FillWorker struct {
	Shapes   [][]int       `json:"shapes"`
	DType    types.DType   `json:"dtype"`
	TimeUnit time.Duration `json:"time_unit"`
}

// NewFillWorker returns a worker matching info.
func NewFillWorker(info types.Info, unit time.Duration) *FillWorker {
	return &FillWorker{Shapes: info.Shapes, DType: info.DType, TimeUnit: unit}
}

// ComputePayload implements bufferpool.Worker.
func (w *FillWorker) ComputePayload(desc types.Descriptor) ([]types.Array, error) {
	value, ok := number(desc["value"])
	if !ok {
		return nil, fmt.Errorf("example: descriptor has no numeric value: %v", desc["value"])
	}
	if t, ok := number(desc["time"]); ok && t > 0 {
		time.Sleep(time.Duration(t * float64(w.TimeUnit)))
	}
	values, _ := desc["values"].([]any)

	out := make([]types.Array, len(w.Shapes))
	for k, shape := range w.Shapes {
		v := value
		if k < len(values) {
			if vk, ok := number(values[k]); ok {
				v = vk
			}
		}
		out[k] = types.NewArray(w.DType, shape...)
		out[k].Fill(v)
	}
	return out, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
