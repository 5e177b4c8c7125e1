// Package central orchestrates a fleet of dice: registration, connection
// admission under the radio connection limit, reconnection and firmware
// updates.
package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/pixels/internal/dfu"
	"github.com/srg/pixels/internal/event"
	"github.com/srg/pixels/internal/groutine"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/queue"
	"github.com/srg/pixels/internal/scan"
	"github.com/srg/pixels/internal/scheduler"
	"github.com/srg/pixels/pkg/config"
)

// PixelFactory creates the driver object of a registered die the first
// time it is scanned.
type PixelFactory func(sp scan.ScannedPixel) (pixel.Pixel, error)

// Options configures a Central
type Options struct {
	Config  *config.Config
	Scanner scan.Scanner
	Factory PixelFactory
	Updater dfu.Updater
	// IsConnectionLimitError tells whether a connect failure is a symptom
	// of the radio connection limit. Defaults to pixel.IsGattFailure.
	IsConnectionLimitError func(error) bool

	Clock  clock.Clock
	Logger *logrus.Logger
}

// AvailabilityStatus tags an availability event
type AvailabilityStatus string

const (
	// Available is reported for scanned dice that are not registered
	Available AvailabilityStatus = "available"
	// Registered is reported when a previously scanned die gets registered
	Registered AvailabilityStatus = "registered"
)

type Availability struct {
	Status AvailabilityStatus
	Pixel  scan.ScannedPixel
}

// ScanEvent is a scan list change of a registered die
type ScanEvent struct {
	Status scan.ListStatus
	Pixel  scan.ScannedPixel
}

// ConnectionLimitEvent is emitted when a die was found stalled by the radio
// connection limit. DisconnectedID is valid only when Released is set.
type ConnectionLimitEvent struct {
	Pixel          pixel.Pixel
	DisconnectedID pixel.ID
	Released       bool
}

// ConnectQueue is a snapshot of the dice the central tries to keep connected
type ConnectQueue struct {
	High []pixel.ID
	Low  []pixel.ID
}

type DFUTarget struct {
	ID     pixel.ID
	Active bool
}

// SchedulerListeners are the per-die scheduler events a caller may follow.
// Nil fields are not subscribed.
type SchedulerListeners struct {
	OnOperationStatus  func(scheduler.OperationStatus)
	OnCurrentOperation func(scheduler.Operation)
	OnDfuState         func(dfu.State)
	OnDfuProgress      func(int)
}

type connectFailure struct {
	at  time.Time
	err error
}

// registration is the per-die bookkeeping, guarded by Central.mu
type registration struct {
	lastScanTime      time.Time
	nextReleaseTime   time.Time
	scanWindowEnd     time.Time
	lastConnectError  *connectFailure
	cancelScan        func()
	cancelNextConnect func()
	unhook            func()
	// resetSettings clears the die settings on its next ready
	resetSettings bool
}

// Central manages the registered dice.
//
// One mutex guards the registry, the connect queue and the per-die timings.
// Events are delivered in order on a dispatcher goroutine, never while the
// mutex is held.
type Central struct {
	cfg        *config.Config
	clock      clock.Clock
	logger     *logrus.Logger
	factory    PixelFactory
	updater    dfu.Updater
	isLimitErr func(error) bool

	requester  *scan.Requester
	dispatcher *event.Dispatcher
	unsubs     []func()

	mu         sync.Mutex
	registry   *orderedmap.OrderedMap[pixel.ID, *registration]
	queue      *queue.PriorityQueue
	dfuTarget  DFUTarget
	blinkColor pixel.Color
	closed     bool

	// die objects live as long as the process, keyed by pixel id
	dice       *hashmap.Map[uint32, pixel.Pixel]
	schedulers *hashmap.Map[uint32, *scheduler.Scheduler]
	scanned    *hashmap.Map[uint32, scan.ScannedPixel]

	OnRegisterPixel          *event.Emitter[pixel.ID]
	OnUnregisterPixel        *event.Emitter[pixel.ID]
	OnPixelFound             *event.Emitter[pixel.Pixel]
	OnPixelScanned           *event.Emitter[ScanEvent]
	OnAvailability           *event.Emitter[Availability]
	OnConnectionLimitReached *event.Emitter[ConnectionLimitEvent]
	OnPixelsChanged          *event.Emitter[[]pixel.Pixel]
	OnConnectQueueChanged    *event.Emitter[ConnectQueue]
	OnPixelInDFUChanged      *event.Emitter[DFUTarget]
}

// New creates a central over opts.Scanner.
func New(opts Options) *Central {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.IsConnectionLimitError == nil {
		opts.IsConnectionLimitError = pixel.IsGattFailure
	}
	logOpt := event.WithLogger(opts.Logger)

	c := &Central{
		cfg:        opts.Config,
		clock:      opts.Clock,
		logger:     opts.Logger,
		factory:    opts.Factory,
		updater:    opts.Updater,
		isLimitErr: opts.IsConnectionLimitError,
		dispatcher: event.NewDispatcher("central", opts.Logger),
		registry:   orderedmap.New[pixel.ID, *registration](),
		queue:      queue.New(opts.Logger),
		blinkColor: pixel.White,
		dice:       hashmap.New[uint32, pixel.Pixel](),
		schedulers: hashmap.New[uint32, *scheduler.Scheduler](),
		scanned:    hashmap.New[uint32, scan.ScannedPixel](),

		OnRegisterPixel:          event.NewEmitter[pixel.ID]("onRegisterPixel", logOpt),
		OnUnregisterPixel:        event.NewEmitter[pixel.ID]("onUnregisterPixel", logOpt),
		OnPixelFound:             event.NewEmitter[pixel.Pixel]("onPixelFound", logOpt),
		OnPixelScanned:           event.NewEmitter[ScanEvent]("onPixelScanned", logOpt),
		OnAvailability:           event.NewEmitter[Availability]("onAvailability", logOpt),
		OnConnectionLimitReached: event.NewEmitter[ConnectionLimitEvent]("onConnectionLimitReached", logOpt),
		OnPixelsChanged:          event.NewEmitter[[]pixel.Pixel]("pixels", logOpt),
		OnConnectQueueChanged:    event.NewEmitter[ConnectQueue]("connectQueue", logOpt),
		OnPixelInDFUChanged:      event.NewEmitter[DFUTarget]("pixelInDFU", logOpt),
	}
	c.requester = scan.NewRequester(opts.Scanner, scan.RequesterOptions{
		StopDelay:         c.cfg.StopScanDelay,
		ReleaseConnection: c.releaseForScan,
		Clock:             c.clock,
		Logger:            c.logger,
	})

	// Queue events fire under c.mu
	c.queue.OnQueued.Subscribe(c.onQueued)
	c.queue.OnRequeued.Subscribe(c.onQueued)
	c.queue.OnDequeued.Subscribe(c.onDequeued)

	c.unsubs = append(c.unsubs,
		c.requester.SubscribeScanList(c.onScanList),
		c.requester.SubscribeReady(c.onReady),
	)
	return c
}

// Close cancels every timer and stops the schedulers. Pending scheduler
// operations still run.
func (c *Central) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for pair := c.registry.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.cancelTimers()
		if pair.Value.unhook != nil {
			pair.Value.unhook()
			pair.Value.unhook = nil
		}
	}
	c.mu.Unlock()

	for _, unsub := range c.unsubs {
		unsub()
	}
	c.schedulers.Range(func(_ uint32, s *scheduler.Scheduler) bool {
		s.Close()
		return true
	})
	c.requester.Close()
	c.dispatcher.Close()
}

// IsReady reports whether the radio is available
func (c *Central) IsReady() bool { return c.requester.IsReady() }

func (c *Central) ScanStatus() scan.Status { return c.requester.Status() }

// Pixels returns the registered dice that have a driver object, in
// registration order.
func (c *Central) Pixels() []pixel.Pixel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pixelsLocked()
}

func (c *Central) ConnectQueue() ConnectQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectQueueLocked()
}

// PixelInDFU returns the die being updated, if any.
func (c *Central) PixelInDFU() (pixel.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dfuTarget.ID, c.dfuTarget.Active
}

func (c *Central) IsRegistered(id pixel.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.registry.Get(id)
	return ok
}

func (c *Central) RegisteredIDs() []pixel.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]pixel.ID, 0, c.registry.Len())
	for pair := c.registry.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// GetPixel returns the driver object of a die, once it was scanned.
func (c *Central) GetPixel(id pixel.ID) (pixel.Pixel, bool) {
	return c.dice.Get(uint32(id))
}

// LastScan returns the last advertisement received from a die.
func (c *Central) LastScan(id pixel.ID) (scan.ScannedPixel, bool) {
	return c.scanned.Get(uint32(id))
}

// SubscribeReady follows the radio readiness.
func (c *Central) SubscribeReady(fn func(bool)) func() {
	return c.requester.SubscribeReady(fn)
}

func (c *Central) SubscribeScanStatus(fn func(scan.StatusEvent)) func() {
	return c.requester.SubscribeStatus(fn)
}

// SubscribeScanError follows scanner failures. The scanner status is only
// watched while at least one listener is subscribed.
func (c *Central) SubscribeScanError(fn func(error)) func() {
	return c.requester.OnScanError.Subscribe(fn)
}

// Register adds a die to the fleet. Registering twice is a no-op.
func (c *Central) Register(id pixel.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry.Get(id); ok || c.closed {
		return
	}
	c.logger.WithField("pixel_id", id.String()).Info("Registering pixel")
	c.registry.Set(id, &registration{})
	if sched, ok := c.schedulers.Get(uint32(id)); ok {
		// The worker of a previous registration may still be draining
		sched.Unschedule(scheduler.TypeDisconnect)
		sched.Reopen()
	} else {
		c.schedulerLocked(id)
	}

	c.post(func() { c.OnRegisterPixel.Emit(id) })
	if sp, ok := c.scanned.Get(uint32(id)); ok {
		c.post(func() { c.OnAvailability.Emit(Availability{Status: Registered, Pixel: sp}) })
	}
	c.onPixelFoundLocked(id)
}

// Unregister removes a die. Its timers, subscriptions and any pending
// firmware update are cancelled and it leaves the connect queue. The die
// keeps its scheduler, closed, so a later Register reuses it.
func (c *Central) Unregister(id pixel.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registry.Delete(id)
	if !ok {
		return
	}
	c.logger.WithField("pixel_id", id.String()).Info("Unregistering pixel")

	c.queue.Dequeue(id)
	reg.cancelTimers()
	if reg.unhook != nil {
		reg.unhook()
		reg.unhook = nil
	}
	if sched, ok := c.schedulers.Get(uint32(id)); ok {
		sched.Unschedule(scheduler.TypeUpdateFirmware)
		sched.Close()
	}

	c.post(func() { c.OnUnregisterPixel.Emit(id) })
	if _, ok := c.dice.Get(uint32(id)); ok {
		pixels := c.pixelsLocked()
		c.post(func() { c.OnPixelsChanged.Emit(pixels) })
	}
}

// UnregisterAll unregisters every die.
func (c *Central) UnregisterAll() {
	for _, id := range c.RegisteredIDs() {
		c.Unregister(id)
	}
}

// ScanForPixels keeps the scanner running until release is called.
func (c *Central) ScanForPixels() (release func()) {
	return c.requester.RequestScan()
}

// WaitForScannedPixel scans until die id advertises, the configured timeout
// elapses or ctx is done.
func (c *Central) WaitForScannedPixel(ctx context.Context, id pixel.ID) (scan.ScannedPixel, bool) {
	found := make(chan scan.ScannedPixel, 1)
	unsub := c.requester.SubscribeScanList(func(ops []scan.ListOp) {
		for _, op := range ops {
			if op.Status == scan.Scanned && op.Pixel.ID == id {
				select {
				case found <- op.Pixel:
				default:
				}
				return
			}
		}
	})
	defer unsub()

	timeout := c.clock.After(c.cfg.WaitScanTimeout)
	release := c.ScanForPixels()
	defer release()

	select {
	case sp := <-found:
		return sp, true
	case <-timeout:
		c.logger.WithField("pixel_id", id.String()).Debug("Pixel not scanned before timeout")
	case <-ctx.Done():
	}
	return scan.ScannedPixel{}, false
}

// ConnectOption customizes TryConnect
type ConnectOption func(*connectOptions)

type connectOptions struct {
	priority *queue.Priority
}

// WithPriority sets the connect queue tier. Without it a queued die keeps
// its tier and a new one goes to the low tier.
func WithPriority(p queue.Priority) ConnectOption {
	return func(o *connectOptions) { o.priority = &p }
}

// TryConnect asks the central to keep die id connected.
func (c *Central) TryConnect(id pixel.ID, opts ...ConnectOption) {
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tryConnectLocked(id, o.priority)
}

// StopTryConnecting removes every die of the given tier from the connect
// queue. Connected dice get disconnected.
func (c *Central) StopTryConnecting(priority queue.Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.queue.LowPriorityIDs()
	if priority == queue.High {
		ids = c.queue.HighPriorityIDs()
	}
	for _, id := range ids {
		c.queue.Dequeue(id)
	}
}

// TryReconnectDice retries the connection of every queued die, keeping the
// release timings.
func (c *Central) TryReconnectDice() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.queue.AllIDs() {
		c.connectLocked(id, true)
	}
}

// ScheduleOperation queues op on the scheduler of die id. Connect,
// disconnect and firmware updates are run by the central itself.
func (c *Central) ScheduleOperation(id pixel.ID, op scheduler.Operation) error {
	switch op.Type() {
	case scheduler.TypeConnect, scheduler.TypeDisconnect, scheduler.TypeUpdateFirmware:
		return fmt.Errorf("%s: %w", op.Type(), ErrManagedOperation)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry.Get(id); !ok {
		return ErrNotRegistered
	}
	c.schedulerLocked(id).Schedule(op)
	return nil
}

// CurrentOperation returns the operation running on die id, nil when idle.
func (c *Central) CurrentOperation(id pixel.ID) scheduler.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry.Get(id); !ok {
		return nil
	}
	sched, ok := c.schedulers.Get(uint32(id))
	if !ok {
		return nil
	}
	return sched.CurrentOperation()
}

// SubscribeScheduler follows the scheduler of a registered die. Events are
// delivered on the central dispatcher.
func (c *Central) SubscribeScheduler(id pixel.ID, l SchedulerListeners) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry.Get(id); !ok {
		return nil, ErrNotRegistered
	}
	sched := c.schedulerLocked(id)

	var unsubs []func()
	if fn := l.OnOperationStatus; fn != nil {
		unsubs = append(unsubs, sched.OnOperationStatus.Subscribe(func(ev scheduler.OperationStatus) {
			c.post(func() { fn(ev) })
		}))
	}
	if fn := l.OnCurrentOperation; fn != nil {
		unsubs = append(unsubs, sched.OnCurrentOperation.Subscribe(func(op scheduler.Operation) {
			c.post(func() { fn(op) })
		}))
	}
	if fn := l.OnDfuState; fn != nil {
		unsubs = append(unsubs, sched.OnDfuState.Subscribe(func(st dfu.State) {
			c.post(func() { fn(st) })
		}))
	}
	if fn := l.OnDfuProgress; fn != nil {
		unsubs = append(unsubs, sched.OnDfuProgress.Subscribe(func(p int) {
			c.post(func() { fn(p) })
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}, nil
}

// SetBlinkColor sets the color of later Blink operations on every die.
func (c *Central) SetBlinkColor(color pixel.Color) {
	c.mu.Lock()
	c.blinkColor = color
	c.mu.Unlock()
	c.schedulers.Range(func(_ uint32, s *scheduler.Scheduler) bool {
		s.SetBlinkColor(color)
		return true
	})
}

func (c *Central) post(fn func()) {
	c.dispatcher.Post(fn)
}

// schedulerLocked returns the scheduler of id, creating it on first use.
func (c *Central) schedulerLocked(id pixel.ID) *scheduler.Scheduler {
	if sched, ok := c.schedulers.Get(uint32(id)); ok {
		return sched
	}
	sched := scheduler.New(id, scheduler.Options{
		Updater:              c.updater,
		FirmwareAttempts:     c.cfg.FirmwareAttempts,
		ResetSettingsTimeout: c.cfg.ResetSettingsTimeout,
		BrightnessTolerance:  c.cfg.BrightnessTolerance,
		BlinkColor:           c.blinkColor,
		Logger:               c.logger,
	})
	c.schedulers.Set(uint32(id), sched)
	if die, ok := c.dice.Get(uint32(id)); ok {
		c.attachLocked(id, die)
	}
	return sched
}

func (c *Central) attachLocked(id pixel.ID, die pixel.Pixel) {
	sched, ok := c.schedulers.Get(uint32(id))
	if !ok {
		return
	}
	if err := sched.Attach(die); err != nil {
		c.logger.WithError(err).WithField("pixel_id", id.String()).Error("Failed to attach pixel to its scheduler")
	}
}

func (c *Central) pixelsLocked() []pixel.Pixel {
	var pixels []pixel.Pixel
	for pair := c.registry.Oldest(); pair != nil; pair = pair.Next() {
		if die, ok := c.dice.Get(uint32(pair.Key)); ok {
			pixels = append(pixels, die)
		}
	}
	return pixels
}

func (c *Central) connectQueueLocked() ConnectQueue {
	return ConnectQueue{High: c.queue.HighPriorityIDs(), Low: c.queue.LowPriorityIDs()}
}

func (c *Central) isConnectedLocked(id pixel.ID) bool {
	die, ok := c.dice.Get(uint32(id))
	return ok && die.Status().IsConnected()
}

// afterFunc runs fn under c.mu after d. The returned cancel must be called
// with c.mu held; it is idempotent and safe after fn ran.
func (c *Central) afterFunc(d time.Duration, fn func()) (cancel func()) {
	done := false
	t := c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if done || c.closed {
			return
		}
		done = true
		fn()
	})
	return func() {
		done = true
		t.Stop()
	}
}

func (r *registration) cancelTimers() {
	if r.cancelNextConnect != nil {
		r.cancelNextConnect()
		r.cancelNextConnect = nil
	}
	if r.cancelScan != nil {
		r.cancelScan()
		r.cancelScan = nil
	}
}

// runAsync runs fn on a named goroutine with the central logger.
func (c *Central) runAsync(name string, fn func(ctx context.Context)) {
	groutine.Go(context.Background(), name, fn)
}
