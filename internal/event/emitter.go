// Package event provides typed listener registries.
//
// Each event of a component is an Emitter[T]. Listeners run in subscription
// order on the emitting goroutine, outside of the registry lock, and a
// panicking listener is logged without affecting the other listeners.
package event

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Listener receives the events of an Emitter
type Listener[T any] func(T)

// Emitter is a registry of listeners for one event
type Emitter[T any] struct {
	name   string
	logger *logrus.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners *orderedmap.OrderedMap[uint64, Listener[T]]

	onFirst func()
	onLast  func()
}

// Option configures an Emitter
type Option func(*options)

type options struct {
	logger  *logrus.Logger
	onFirst func()
	onLast  func()
}

// WithLogger sets the logger used to report listener panics.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHooks sets functions called when the first listener subscribes and
// when the last one unsubscribes. They run outside of the registry lock.
func WithHooks(onFirst, onLast func()) Option {
	return func(o *options) {
		o.onFirst = onFirst
		o.onLast = onLast
	}
}

// NewEmitter creates an Emitter; name is used in log messages.
func NewEmitter[T any](name string, opts ...Option) *Emitter[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	return &Emitter[T]{
		name:      name,
		logger:    o.logger,
		listeners: orderedmap.New[uint64, Listener[T]](),
		onFirst:   o.onFirst,
		onLast:    o.onLast,
	}
}

// Subscribe adds fn and returns the function removing it.
// The returned function is idempotent.
func (e *Emitter[T]) Subscribe(fn Listener[T]) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners.Set(id, fn)
	first := e.listeners.Len() == 1
	e.mu.Unlock()

	if first && e.onFirst != nil {
		e.onFirst()
	}

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	_, present := e.listeners.Delete(id)
	last := present && e.listeners.Len() == 0
	e.mu.Unlock()

	if last && e.onLast != nil {
		e.onLast()
	}
}

// Len returns the number of listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners.Len()
}

// Emit calls every listener with v.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	if e.listeners.Len() == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := make([]Listener[T], 0, e.listeners.Len())
	for pair := e.listeners.Oldest(); pair != nil; pair = pair.Next() {
		snapshot = append(snapshot, pair.Value)
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		e.call(fn, v)
	}
}

func (e *Emitter[T]) call(fn Listener[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"event": e.name,
				"panic": r,
			}).Errorf("Uncaught error in event listener\n%s", debug.Stack())
		}
	}()
	fn(v)
}
