package scan

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/event"
	"github.com/srg/pixels/internal/groutine"
)

// RequesterOptions configures a Requester
type RequesterOptions struct {
	// StopDelay defers the scanner stop after the last release.
	// Radios only accept a few scan starts per minute.
	StopDelay time.Duration
	// ReleaseConnection is asked to free a radio link when the scanner
	// failed to register. It reports whether a link was released.
	ReleaseConnection func(ctx context.Context) bool

	Clock  clock.Clock
	Logger *logrus.Logger
}

// Requester shares one scanner between many callers. Each RequestScan
// call takes a token; the scanner runs while tokens are held.
type Requester struct {
	scanner           Scanner
	stopDelay         time.Duration
	releaseConnection func(ctx context.Context) bool
	clock             clock.Clock
	logger            *logrus.Logger
	dispatcher        *event.Dispatcher

	mu         sync.Mutex
	tokens     map[uint64]struct{}
	nextToken  uint64
	requested  bool
	unsubReady func()
	stopTimer  *clock.Timer
	stopGen    uint64

	statusMu    sync.Mutex
	unsubStatus func()

	// OnScanRequested fires when the session starts or ends
	OnScanRequested *event.Emitter[bool]
	// OnScanError reports start and stop failures. The scanner status is
	// only watched while this event has listeners.
	OnScanError *event.Emitter[error]
}

// NewRequester wraps scanner.
func NewRequester(scanner Scanner, opts RequesterOptions) *Requester {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	r := &Requester{
		scanner:           scanner,
		stopDelay:         opts.StopDelay,
		releaseConnection: opts.ReleaseConnection,
		clock:             opts.Clock,
		logger:            opts.Logger,
		dispatcher:        event.NewDispatcher("scan-requester-events", opts.Logger),
		tokens:            make(map[uint64]struct{}),
	}
	r.OnScanRequested = event.NewEmitter[bool]("isScanRequested", event.WithLogger(opts.Logger))
	r.OnScanError = event.NewEmitter[error]("onScanError",
		event.WithLogger(opts.Logger),
		event.WithHooks(r.watchStatus, r.unwatchStatus))
	return r
}

// RequestScan takes a scan token and (re)starts the scanner. The returned
// release function is idempotent.
func (r *Requester) RequestScan() (release func()) {
	r.mu.Lock()
	if !r.requested {
		r.logger.Debug("Scanner taken")
		r.unsubReady = r.scanner.SubscribeReady(r.onReady)
		r.setRequestedLocked(true)
	}
	r.nextToken++
	token := r.nextToken
	r.tokens[token] = struct{}{}
	r.cancelStopLocked()
	r.mu.Unlock()

	// Always try to start, the scanner may have been stopped externally
	r.startScan()

	var once sync.Once
	return func() {
		once.Do(func() { r.release(token) })
	}
}

// IsScanRequested reports whether a scan session is active.
func (r *Requester) IsScanRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested
}

// IsTaken reports whether any token is held.
func (r *Requester) IsTaken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens) > 0
}

func (r *Requester) IsReady() bool { return r.scanner.IsReady() }

func (r *Requester) Status() Status { return r.scanner.Status() }

func (r *Requester) SubscribeScanList(fn func([]ListOp)) func() {
	return r.scanner.SubscribeScanList(fn)
}

func (r *Requester) SubscribeReady(fn func(bool)) func() {
	return r.scanner.SubscribeReady(fn)
}

func (r *Requester) SubscribeStatus(fn func(StatusEvent)) func() {
	return r.scanner.SubscribeStatus(fn)
}

// Close cancels a pending stop and stops delivering events.
func (r *Requester) Close() {
	r.mu.Lock()
	r.cancelStopLocked()
	if r.unsubReady != nil {
		r.unsubReady()
		r.unsubReady = nil
	}
	r.mu.Unlock()
	r.unwatchStatus()
	r.dispatcher.Close()
}

func (r *Requester) release(token uint64) {
	r.mu.Lock()
	if _, ok := r.tokens[token]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.tokens, token)
	if len(r.tokens) > 0 {
		r.mu.Unlock()
		return
	}

	r.cancelStopLocked()
	if r.stopDelay <= 0 {
		r.endSessionLocked()
		r.mu.Unlock()
		r.stopScan()
		return
	}

	r.logger.WithField("delay", r.stopDelay).Debug("Scanner released, waiting before stopping")
	gen := r.stopGen
	r.stopTimer = r.clock.AfterFunc(r.stopDelay, func() { r.delayedStop(gen) })
	r.mu.Unlock()
}

func (r *Requester) delayedStop(gen uint64) {
	r.mu.Lock()
	if gen != r.stopGen || len(r.tokens) > 0 {
		// Retaken in the meantime
		r.mu.Unlock()
		return
	}
	r.stopTimer = nil
	r.endSessionLocked()
	r.mu.Unlock()
	r.stopScan()
}

func (r *Requester) cancelStopLocked() {
	r.stopGen++
	if r.stopTimer != nil {
		r.stopTimer.Stop()
		r.stopTimer = nil
	}
}

func (r *Requester) endSessionLocked() {
	if r.unsubReady != nil {
		r.unsubReady()
		r.unsubReady = nil
	}
	r.setRequestedLocked(false)
}

func (r *Requester) setRequestedLocked(requested bool) {
	if r.requested == requested {
		return
	}
	r.requested = requested
	r.dispatcher.Post(func() { r.OnScanRequested.Emit(requested) })
}

func (r *Requester) onReady(ready bool) {
	r.mu.Lock()
	taken := len(r.tokens) > 0
	switch {
	case ready && taken:
		r.mu.Unlock()
		r.startScan()
		return
	case !ready && !taken && r.requested:
		// Radio went away during the stop delay
		r.cancelStopLocked()
		r.endSessionLocked()
	}
	r.mu.Unlock()
}

func (r *Requester) startScan() {
	if err := r.scanner.Start(context.Background()); err != nil {
		r.logger.WithError(err).Warn("Failed to start scanning")
		r.reportError(err)
	}
}

func (r *Requester) stopScan() {
	if err := r.scanner.Stop(context.Background()); err != nil {
		r.logger.WithError(err).Error("Error stopping scan")
	}
}

func (r *Requester) reportError(err error) {
	r.dispatcher.Post(func() { r.OnScanError.Emit(err) })
}

func (r *Requester) watchStatus() {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if r.unsubStatus == nil {
		r.unsubStatus = r.scanner.SubscribeStatus(r.onStatus)
	}
}

func (r *Requester) unwatchStatus() {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if r.unsubStatus != nil {
		r.unsubStatus()
		r.unsubStatus = nil
	}
}

func (r *Requester) onStatus(ev StatusEvent) {
	if ev.Status != StatusStopped || ev.StopReason == "" || ev.StopReason == StopSuccess {
		return
	}

	if ev.StartError == StartErrorRegistrationFailed && r.releaseConnection != nil {
		// Some stacks refuse to scan while too many links are up
		r.logger.Warn("Releasing connection to restart scan after registration failure")
		groutine.Go(context.Background(), "scan-release-connection", func(ctx context.Context) {
			retry := r.releaseConnection(ctx)
			shouldRetry := r.scanner.Status() == StatusStopped && r.IsTaken() && r.scanner.IsReady()
			switch {
			case retry && shouldRetry:
				r.logger.Warn("Restarting scan after releasing connection")
				r.startScan()
			case shouldRetry:
				r.logger.WithField("retry", retry).Warn("Not restarting scan")
				r.reportError(&StartFailedError{
					BluetoothState: bluetoothState(r.scanner.IsReady()),
					StartError:     ev.StartError,
				})
			}
		})
		return
	}

	r.reportError(stopError(ev, r.scanner.IsReady()))
}
