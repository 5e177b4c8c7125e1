package event

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/groutine"
)

// Dispatcher runs posted functions one at a time, in posting order, on its
// own goroutine. Components use it to deliver events raised while their
// caller may hold a lock.
type Dispatcher struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   groutine.Group
}

// NewDispatcher starts the dispatching goroutine.
func NewDispatcher(name string, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Dispatcher{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.wg.Go(context.Background(), name, d.run)
	return d
}

// Post queues fn. It never blocks and is ignored after Close.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops the goroutine once the queued functions ran.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.mu.Unlock()

		d.call(fn)
	}
}

func (d *Dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logrus.Fields{
				"dispatcher": d.name,
				"panic":      r,
			}).Error("Uncaught error in dispatched event")
		}
	}()
	fn()
}
