// Package radio reports whether the Bluetooth adapter can be used.
package radio

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/event"
)

// Watcher follows the adapter availability
type Watcher interface {
	IsReady() bool
	// Subscribe registers fn for readiness changes. Events are delivered on
	// a goroutine owned by the watcher.
	Subscribe(fn func(ready bool)) (unsubscribe func())
	Close() error
}

// Static is a Watcher whose readiness only changes through Set. It serves
// platforms without an adapter power signal.
type Static struct {
	mu         sync.Mutex
	ready      bool
	events     *event.Emitter[bool]
	dispatcher *event.Dispatcher
}

func NewStatic(ready bool, logger *logrus.Logger) *Static {
	return &Static{
		ready:      ready,
		events:     event.NewEmitter[bool]("radioReady", event.WithLogger(logger)),
		dispatcher: event.NewDispatcher("radio", logger),
	}
}

func (s *Static) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Set changes the readiness, notifying subscribers on change.
func (s *Static) Set(ready bool) {
	s.mu.Lock()
	changed := s.ready != ready
	s.ready = ready
	s.mu.Unlock()
	if changed {
		s.dispatcher.Post(func() { s.events.Emit(ready) })
	}
}

func (s *Static) Subscribe(fn func(bool)) func() {
	return s.events.Subscribe(fn)
}

func (s *Static) Close() error {
	s.dispatcher.Close()
	return nil
}
