package goble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/event"
	"github.com/srg/pixels/internal/groutine"
	"github.com/srg/pixels/internal/radio"
	"github.com/srg/pixels/internal/scan"
)

// DefaultLostTimeout is how long a die may stay silent before it is reported lost
const DefaultLostTimeout = 5 * time.Second

// ScanFunc runs a scan until ctx is done, calling handler for every advertisement.
type ScanFunc func(ctx context.Context, handler func(Advertisement)) error

// DeviceScan adapts ble.Device.Scan to a ScanFunc. Duplicates are kept so
// that RSSI and battery updates flow.
func DeviceScan(dev ble.Device) ScanFunc {
	return func(ctx context.Context, handler func(Advertisement)) error {
		return dev.Scan(ctx, true, func(a ble.Advertisement) { handler(a) })
	}
}

// ScannerOptions configures a Scanner
type ScannerOptions struct {
	LostTimeout time.Duration
	Clock       clock.Clock
	Logger      *logrus.Logger
}

// Scanner implements scan.Scanner on top of a go-ble device.
type Scanner struct {
	scanFn      ScanFunc
	watcher     radio.Watcher
	lostTimeout time.Duration
	clock       clock.Clock
	logger      *logrus.Logger

	mu     sync.Mutex
	status scan.Status
	gen    uint64
	cancel context.CancelFunc

	// seen holds the last advertisement per pixel id
	seen *hashmap.Map[uint32, scan.ScannedPixel]

	dispatcher   *event.Dispatcher
	statusEvents *event.Emitter[scan.StatusEvent]
	listEvents   *event.Emitter[[]scan.ListOp]
	unsubRadio   func()
}

// NewScanner creates an idle scanner. Readiness follows watcher.
func NewScanner(scanFn ScanFunc, watcher radio.Watcher, opts ScannerOptions) *Scanner {
	if opts.LostTimeout <= 0 {
		opts.LostTimeout = DefaultLostTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Scanner{
		scanFn:       scanFn,
		watcher:      watcher,
		lostTimeout:  opts.LostTimeout,
		clock:        opts.Clock,
		logger:       opts.Logger,
		status:       scan.StatusIdle,
		seen:         hashmap.New[uint32, scan.ScannedPixel](),
		dispatcher:   event.NewDispatcher("goble-scanner", opts.Logger),
		statusEvents: event.NewEmitter[scan.StatusEvent]("scanStatus", event.WithLogger(opts.Logger)),
		listEvents:   event.NewEmitter[[]scan.ListOp]("scanList", event.WithLogger(opts.Logger)),
	}
	s.unsubRadio = watcher.Subscribe(s.onReady)
	return s
}

// Start begins scanning. When the radio is not ready the scanner reports a
// stop with reason poweredOff instead.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == scan.StatusScanning {
		s.mu.Unlock()
		return nil
	}
	if !s.watcher.IsReady() {
		s.status = scan.StatusStopped
		s.mu.Unlock()
		s.logger.Warn("Bluetooth is not ready, cannot scan")
		s.postStatus(scan.StatusEvent{Status: scan.StatusStopped, StopReason: scan.StopPoweredOff})
		return nil
	}
	scanCtx, cancel := context.WithCancel(context.Background())
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.status = scan.StatusScanning
	s.mu.Unlock()

	s.logger.Debug("Starting BLE scan")
	s.postStatus(scan.StatusEvent{Status: scan.StatusScanning})

	groutine.Go(scanCtx, "pixels-scan", func(ctx context.Context) {
		err := s.scanFn(ctx, s.onAdvertisement)
		s.onScanEnded(gen, err)
	})
	groutine.Go(scanCtx, "pixels-scan-sweep", func(ctx context.Context) {
		s.sweepLoop(ctx)
	})
	return nil
}

// Stop ends the running scan.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status != scan.StatusScanning {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	s.cancel()
	s.cancel = nil
	s.status = scan.StatusStopped
	s.mu.Unlock()

	s.logger.Debug("Stopped BLE scan")
	s.postStatus(scan.StatusEvent{Status: scan.StatusStopped, StopReason: scan.StopSuccess})
	return nil
}

func (s *Scanner) Status() scan.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scanner) IsReady() bool { return s.watcher.IsReady() }

func (s *Scanner) SubscribeStatus(fn func(scan.StatusEvent)) func() {
	return s.statusEvents.Subscribe(fn)
}

func (s *Scanner) SubscribeReady(fn func(bool)) func() {
	return s.watcher.Subscribe(fn)
}

func (s *Scanner) SubscribeScanList(fn func([]scan.ListOp)) func() {
	return s.listEvents.Subscribe(fn)
}

// Close stops scanning and releases the event goroutine.
func (s *Scanner) Close() error {
	_ = s.Stop(context.Background())
	s.unsubRadio()
	s.dispatcher.Close()
	return nil
}

func (s *Scanner) onAdvertisement(adv Advertisement) {
	sp, ok := ParseAdvertisement(adv, s.clock.Now())
	if !ok {
		return
	}
	s.seen.Set(uint32(sp.ID), sp)
	ops := []scan.ListOp{{Status: scan.Scanned, Pixel: sp}}
	s.dispatcher.Post(func() { s.listEvents.Emit(ops) })
}

func (s *Scanner) onScanEnded(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || s.status != scan.StatusScanning {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancel()
	s.cancel = nil
	s.status = scan.StatusStopped
	s.mu.Unlock()

	ev := scan.StatusEvent{Status: scan.StatusStopped, StopReason: scan.StopSuccess}
	if err != nil && !errors.Is(err, context.Canceled) {
		err = NormalizeError(err)
		s.logger.WithError(err).Warn("BLE scan ended with error")
		if errors.Is(err, ErrBluetoothOff) {
			ev.StopReason = scan.StopPoweredOff
		} else {
			ev.StopReason = scan.StopFailedToStart
			ev.StartError = scan.StartErrorInternal
		}
	}
	s.postStatus(ev)
}

func (s *Scanner) onReady(ready bool) {
	if ready {
		return
	}
	s.mu.Lock()
	if s.status != scan.StatusScanning {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancel()
	s.cancel = nil
	s.status = scan.StatusStopped
	s.mu.Unlock()

	s.logger.Warn("Bluetooth powered off, scan stopped")
	s.postStatus(scan.StatusEvent{Status: scan.StatusStopped, StopReason: scan.StopPoweredOff})
}

func (s *Scanner) sweepLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.lostTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep reports the dice that stopped advertising.
func (s *Scanner) sweep() {
	now := s.clock.Now()
	var lost []scan.ListOp
	s.seen.Range(func(id uint32, sp scan.ScannedPixel) bool {
		if now.Sub(sp.Timestamp) > s.lostTimeout {
			lost = append(lost, scan.ListOp{Status: scan.Lost, Pixel: sp})
		}
		return true
	})
	if len(lost) == 0 {
		return
	}
	for _, op := range lost {
		s.seen.Del(uint32(op.Pixel.ID))
	}
	s.dispatcher.Post(func() { s.listEvents.Emit(lost) })
}

func (s *Scanner) postStatus(ev scan.StatusEvent) {
	s.dispatcher.Post(func() { s.statusEvents.Emit(ev) })
}
