package bufferpool

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

type constDispatcher struct {
	Value float64 `json:"value"`
	calls int
}

func (d *constDispatcher) ProduceDescriptor() types.Descriptor {
	d.calls++
	return types.Descriptor{"value": d.Value}
}

type nopWorker struct{}

func (nopWorker) ComputePayload(types.Descriptor) ([]types.Array, error) { return nil, nil }

type unregistered struct{}

func (*unregistered) ProduceDescriptor() types.Descriptor { return nil }

func TestRegistryRoundTrip(t *testing.T) {
	r := newRegistry[Dispatcher]("dispatcher")
	r.add("const", reflect.TypeFor[*constDispatcher](), func(config []byte) (Dispatcher, error) {
		v, err := decode[constDispatcher](config)
		return v, err
	})

	name, config, err := callback[Dispatcher](r, &constDispatcher{Value: 3, calls: 7})
	require.NoError(t, err)
	assert.Equal(t, "const", name)
	assert.JSONEq(t, `{"value":3}`, string(config), "only exported fields travel")

	d, err := r.build(name, config)
	require.NoError(t, err)
	rebuilt := d.(*constDispatcher)
	assert.Equal(t, 3.0, rebuilt.Value)
	assert.Zero(t, rebuilt.calls)
}

func TestRegistryErrors(t *testing.T) {
	r := newRegistry[Dispatcher]("dispatcher")
	r.add("const", reflect.TypeFor[*constDispatcher](), func([]byte) (Dispatcher, error) { return &constDispatcher{}, nil })

	_, err := r.build("missing", nil)
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, _, err = callback[Dispatcher](r, &unregistered{})
	assert.ErrorIs(t, err, ErrNotRegistered)

	assert.Panics(t, func() {
		r.add("const", reflect.TypeFor[*unregistered](), nil)
	}, "duplicate name")
	assert.Panics(t, func() {
		r.add("other", reflect.TypeFor[*constDispatcher](), nil)
	}, "duplicate type")
	assert.Panics(t, func() {
		r.add("", reflect.TypeFor[*unregistered](), nil)
	}, "empty name")
}

func TestDecodeBadConfig(t *testing.T) {
	_, err := decode[constDispatcher]([]byte(`{"value":"x"}`))
	assert.Error(t, err)
}

func init() {
	RegisterWorker[nopWorker]("registry-test-nop")
}

func TestRegisterGeneric(t *testing.T) {
	name, config, err := callback(workers, Worker(&nopWorker{}))
	require.NoError(t, err)
	assert.Equal(t, "registry-test-nop", name)

	w, err := workers.build(name, config)
	require.NoError(t, err)
	assert.IsType(t, &nopWorker{}, w)

	_, _, err = callback(workers, Worker(nopWorker{}))
	assert.ErrorIs(t, err, ErrNotRegistered, "value and pointer types differ")
}
