package bufferpool

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/martvanrijthoven/concurrent-buffer/pkg/types"
)

// ErrNotRegistered is returned for a dispatcher or worker type, or a name,
// that was never registered.
var ErrNotRegistered = errors.New("bufferpool: not registered")

// Dispatcher produces one work descriptor per reserved slot. It runs in the
// dispatcher process.
type Dispatcher interface {
	ProduceDescriptor() types.Descriptor
}

// Worker computes the arrays of one slot from its descriptor. It runs in
// every worker process.
type Worker interface {
	ComputePayload(desc types.Descriptor) ([]types.Array, error)
}

// Builder is implemented by dispatchers and workers that need a one-time
// setup inside their own process, before the first item.
type Builder interface {
	Build() error
}

type entry[V any] struct {
	name string
	typ  reflect.Type
	ctor func(config []byte) (V, error)
}

type registry[V any] struct {
	mu     sync.RWMutex
	kind   string
	byName map[string]entry[V]
	byType map[reflect.Type]string
}

func newRegistry[V any](kind string) *registry[V] {
	return &registry[V]{
		kind:   kind,
		byName: make(map[string]entry[V]),
		byType: make(map[reflect.Type]string),
	}
}

var (
	dispatchers = newRegistry[Dispatcher]("dispatcher")
	workers     = newRegistry[Worker]("worker")
)

func (r *registry[V]) add(name string, typ reflect.Type, ctor func([]byte) (V, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		panic(fmt.Sprintf("bufferpool: empty %s name", r.kind))
	}
	if _, dup := r.byName[name]; dup {
		panic(fmt.Sprintf("bufferpool: %s %q registered twice", r.kind, name))
	}
	if prev, dup := r.byType[typ]; dup {
		panic(fmt.Sprintf("bufferpool: %s type %s already registered as %q", r.kind, typ, prev))
	}
	r.byName[name] = entry[V]{name: name, typ: typ, ctor: ctor}
	r.byType[typ] = name
}

// lookup returns the registered name of v's dynamic type.
func (r *registry[V]) lookup(v V) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	typ := reflect.TypeOf(v)
	name, ok := r.byType[typ]
	if !ok {
		return "", fmt.Errorf("%w: %s type %v", ErrNotRegistered, r.kind, typ)
	}
	return name, nil
}

func (r *registry[V]) build(name string, config []byte) (V, error) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %s %q", ErrNotRegistered, r.kind, name)
	}
	return e.ctor(config)
}

// decode builds a fresh *T from its exported-field JSON.
func decode[T any](config []byte) (*T, error) {
	v := new(T)
	if len(config) > 0 {
		if err := json.Unmarshal(config, v); err != nil {
			return nil, fmt.Errorf("bufferpool: decode %T: %w", v, err)
		}
	}
	return v, nil
}

// RegisterDispatcher makes *T constructible in child processes under name.
// Child processes rebuild the dispatcher from the JSON of its exported
// fields, so unexported state starts from zero there. Call it from init.
func RegisterDispatcher[T any, PT interface {
	*T
	Dispatcher
}](name string) {
	dispatchers.add(name, reflect.TypeFor[PT](), func(config []byte) (Dispatcher, error) {
		v, err := decode[T](config)
		if err != nil {
			return nil, err
		}
		return PT(v), nil
	})
}

// RegisterWorker makes *T constructible in child processes under name.
func RegisterWorker[T any, PT interface {
	*T
	Worker
}](name string) {
	workers.add(name, reflect.TypeFor[PT](), func(config []byte) (Worker, error) {
		v, err := decode[T](config)
		if err != nil {
			return nil, err
		}
		return PT(v), nil
	})
}

// NewDispatcher builds the dispatcher registered as name from its JSON
// config.
func NewDispatcher(name string, config []byte) (Dispatcher, error) {
	return dispatchers.build(name, config)
}

// NewWorker builds the worker registered as name from its JSON config.
func NewWorker(name string, config []byte) (Worker, error) {
	return workers.build(name, config)
}

// callback resolves v to its registered name and JSON config.
func callback[V any](r *registry[V], v V) (string, []byte, error) {
	name, err := r.lookup(v)
	if err != nil {
		return "", nil, err
	}
	config, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("bufferpool: encode %s %q: %w", r.kind, name, err)
	}
	return name, config, nil
}
