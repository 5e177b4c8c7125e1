package testutils

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/event"
	"github.com/srg/pixels/internal/scan"
)

// FakeScanner is a scan.Scanner driven by the test. Start and Stop only
// record the call; notifications are sent by the test on its own goroutine.
type FakeScanner struct {
	mu       sync.Mutex
	status   scan.Status
	ready    bool
	startErr error
	starts   int
	stops    int

	statusEvents *event.Emitter[scan.StatusEvent]
	readyEvents  *event.Emitter[bool]
	listEvents   *event.Emitter[[]scan.ListOp]
}

// NewFakeScanner creates an idle scanner.
func NewFakeScanner(ready bool) *FakeScanner {
	logger := logrus.New()
	return &FakeScanner{
		status:       scan.StatusIdle,
		ready:        ready,
		statusEvents: event.NewEmitter[scan.StatusEvent]("status", event.WithLogger(logger)),
		readyEvents:  event.NewEmitter[bool]("isReady", event.WithLogger(logger)),
		listEvents:   event.NewEmitter[[]scan.ListOp]("scanList", event.WithLogger(logger)),
	}
}

func (s *FakeScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return s.startErr
	}
	s.status = scan.StatusScanning
	return nil
}

func (s *FakeScanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.status = scan.StatusStopped
	return nil
}

func (s *FakeScanner) Status() scan.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *FakeScanner) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *FakeScanner) SubscribeStatus(fn func(scan.StatusEvent)) func() {
	return s.statusEvents.Subscribe(fn)
}

func (s *FakeScanner) SubscribeReady(fn func(bool)) func() {
	return s.readyEvents.Subscribe(fn)
}

func (s *FakeScanner) SubscribeScanList(fn func([]scan.ListOp)) func() {
	return s.listEvents.Subscribe(fn)
}

// Starts returns the number of Start calls.
func (s *FakeScanner) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Stops returns the number of Stop calls.
func (s *FakeScanner) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// IsScanning reports whether the last call was a successful Start.
func (s *FakeScanner) IsScanning() bool {
	return s.Status() == scan.StatusScanning
}

// SetStartError makes later Start calls fail with err.
func (s *FakeScanner) SetStartError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

// SetReady changes the radio readiness and notifies listeners.
func (s *FakeScanner) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
	s.readyEvents.Emit(ready)
}

// StopWith stops the scanner with the given reason and notifies listeners.
func (s *FakeScanner) StopWith(reason scan.StopReason, startErr scan.StartError) {
	s.mu.Lock()
	s.status = scan.StatusStopped
	s.mu.Unlock()
	s.statusEvents.Emit(scan.StatusEvent{Status: scan.StatusStopped, StopReason: reason, StartError: startErr})
}

// Scanned reports advertisements.
func (s *FakeScanner) Scanned(pixels ...scan.ScannedPixel) {
	ops := make([]scan.ListOp, len(pixels))
	for i, p := range pixels {
		ops[i] = scan.ListOp{Status: scan.Scanned, Pixel: p}
	}
	s.listEvents.Emit(ops)
}

// Lost reports dice that stopped advertising.
func (s *FakeScanner) Lost(pixels ...scan.ScannedPixel) {
	ops := make([]scan.ListOp, len(pixels))
	for i, p := range pixels {
		ops[i] = scan.ListOp{Status: scan.Lost, Pixel: p}
	}
	s.listEvents.Emit(ops)
}
