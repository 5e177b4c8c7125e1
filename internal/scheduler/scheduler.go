// Package scheduler serializes the operations sent to one die.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/dfu"
	"github.com/srg/pixels/internal/event"
	"github.com/srg/pixels/internal/groutine"
	"github.com/srg/pixels/internal/pixel"
)

var (
	// ErrNoUpdater is returned by UpdateFirmware when no transport is configured
	ErrNoUpdater = errors.New("no firmware updater configured")
	// ErrAlreadyAttached is returned when attaching a second die object
	ErrAlreadyAttached = errors.New("another die is already attached to this scheduler")
)

const (
	blinkDuration = time.Second
	blinkCount    = 2
	blinkFade     = 0.5
)

// Options configures a Scheduler
type Options struct {
	Updater              dfu.Updater
	FirmwareAttempts     int
	ResetSettingsTimeout time.Duration
	BrightnessTolerance  float64
	BlinkColor           pixel.Color
	Logger               *logrus.Logger
}

// Scheduler holds at most one pending operation per type and runs them one
// at a time on a worker goroutine, in OperationType order.
//
// Events are emitted synchronously. Starting, succeeded, failed and dropped
// at dequeue come from the worker goroutine. Queued and the dropped reported
// by Schedule after Close, Unschedule and CancelConnecting come from the
// caller goroutine.
type Scheduler struct {
	id     pixel.ID
	opts   Options
	logger *logrus.Entry

	mu         sync.Mutex
	pixel      pixel.Pixel
	pending    [numTypes]Operation
	current    Operation
	blinkColor pixel.Color
	closed     bool
	running    bool

	wake chan struct{}

	OnOperationStatus  *event.Emitter[OperationStatus]
	OnCurrentOperation *event.Emitter[Operation]
	OnDfuState         *event.Emitter[dfu.State]
	OnDfuProgress      *event.Emitter[int]
}

// New creates the scheduler of die id and starts its worker.
func New(id pixel.ID, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.FirmwareAttempts < 1 {
		opts.FirmwareAttempts = 3
	}
	if opts.ResetSettingsTimeout <= 0 {
		opts.ResetSettingsTimeout = 5 * time.Second
	}
	if opts.BlinkColor == (pixel.Color{}) {
		opts.BlinkColor = pixel.White
	}
	logOpt := event.WithLogger(opts.Logger)
	s := &Scheduler{
		id:                 id,
		opts:               opts,
		logger:             opts.Logger.WithField("pixel_id", id.String()),
		blinkColor:         opts.BlinkColor,
		running:            true,
		wake:               make(chan struct{}, 1),
		OnOperationStatus:  event.NewEmitter[OperationStatus]("onOperationStatus", logOpt),
		OnCurrentOperation: event.NewEmitter[Operation]("currentOperation", logOpt),
		OnDfuState:         event.NewEmitter[dfu.State]("onDfuState", logOpt),
		OnDfuProgress:      event.NewEmitter[int]("onDfuProgress", logOpt),
	}
	s.start()
	return s
}

func (s *Scheduler) start() {
	groutine.Go(context.Background(), fmt.Sprintf("scheduler-%s", s.id), s.run)
}

func (s *Scheduler) ID() pixel.ID { return s.id }

// Pixel returns the attached die object, nil until Attach.
func (s *Scheduler) Pixel() pixel.Pixel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pixel
}

// CurrentOperation returns the operation being processed, nil when idle.
func (s *Scheduler) CurrentOperation() Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// HasPendingOperation reports whether any operation waits to be processed.
func (s *Scheduler) HasPendingOperation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.pending {
		if op != nil {
			return true
		}
	}
	return false
}

// IsScheduled reports whether an operation of type t is pending.
func (s *Scheduler) IsScheduled(t OperationType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[t] != nil
}

// SetBlinkColor sets the color used by later Blink operations.
func (s *Scheduler) SetBlinkColor(c pixel.Color) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blinkColor = c
}

// Attach sets the die object operations run against.
func (s *Scheduler) Attach(p pixel.Pixel) error {
	s.mu.Lock()
	if s.pixel != nil {
		same := s.pixel == p
		s.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadyAttached
	}
	s.pixel = p
	s.mu.Unlock()
	s.signal()
	return nil
}

// Schedule replaces the pending operation of the same type with op.
// Scheduling a connect also removes a pending disconnect.
func (s *Scheduler) Schedule(op Operation) {
	t := op.Type()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.emit(OperationStatus{Operation: op, Status: StatusDropped})
		return
	}
	s.pending[t] = op
	if t == TypeConnect {
		s.pending[TypeDisconnect] = nil
	}
	s.mu.Unlock()

	s.logger.WithField("operation", t.String()).Debug("Scheduling operation")
	s.emit(OperationStatus{Operation: op, Status: StatusQueued})
	s.signal()
}

// Unschedule removes the pending operation of type t, reporting it as
// dropped. An operation already started is not affected.
func (s *Scheduler) Unschedule(t OperationType) bool {
	s.mu.Lock()
	op := s.pending[t]
	s.pending[t] = nil
	s.mu.Unlock()

	if op == nil {
		return false
	}
	s.emit(OperationStatus{Operation: op, Status: StatusDropped})
	return true
}

// CancelConnecting aborts a connection attempt that has not reached
// identifying or ready: it drops the pending connect and issues a
// disconnect in the background. It reports whether it acted.
func (s *Scheduler) CancelConnecting() bool {
	s.mu.Lock()
	p := s.pixel
	if p == nil || p.Status().IsConnected() {
		s.mu.Unlock()
		return false
	}
	_, processing := s.current.(Connect)
	pendingConnect := s.pending[TypeConnect]
	if !processing && pendingConnect == nil {
		s.mu.Unlock()
		return false
	}
	s.pending[TypeConnect] = nil
	s.mu.Unlock()

	s.logger.Info("Cancelling connection attempt")
	if pendingConnect != nil {
		s.emit(OperationStatus{Operation: pendingConnect, Status: StatusDropped})
	}
	groutine.Go(context.Background(), fmt.Sprintf("cancel-connect-%s", s.id), func(ctx context.Context) {
		if err := p.Disconnect(ctx); err != nil {
			s.logger.WithError(err).Warn("Disconnect error while cancelling connection")
		}
	})
	return true
}

// ScheduleAndWait schedules op and blocks until an operation of the same
// type finishes. onStart, if set, runs on the worker goroutine when the
// operation starts.
func (s *Scheduler) ScheduleAndWait(ctx context.Context, op Operation, onStart func()) (Status, error) {
	t := op.Type()
	type result struct {
		status Status
		err    error
	}
	done := make(chan result, 1)
	var mu sync.Mutex
	started := false
	finished := false

	unsub := s.OnOperationStatus.Subscribe(func(ev OperationStatus) {
		if ev.Operation.Type() != t {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		switch {
		case ev.Status == StatusStarting && !started:
			started = true
			if onStart != nil {
				onStart()
			}
		case ev.Status == StatusDropped && !started,
			(ev.Status == StatusSucceeded || ev.Status == StatusFailed) && started:
			finished = true
			done <- result{ev.Status, ev.Err}
		}
	})
	defer unsub()

	s.Schedule(op)

	select {
	case r := <-done:
		return r.status, r.err
	case <-ctx.Done():
		return StatusDropped, ctx.Err()
	}
}

// Close stops accepting operations. The worker exits once the pending
// operations ran. It does not block.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Reopen accepts operations again after Close. Operations still pending
// from before Close are kept, and the worker is restarted if it already
// exited, so a die never has more than one worker.
func (s *Scheduler) Reopen() {
	s.mu.Lock()
	s.closed = false
	restart := !s.running
	s.running = true
	s.mu.Unlock()

	if restart {
		s.logger.Debug("Scheduler reopened")
		s.start()
	} else {
		s.signal()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emit(ev OperationStatus) {
	s.OnOperationStatus.Emit(ev)
}

// nextLocked pops the highest priority pending operation.
func (s *Scheduler) nextLocked() Operation {
	for t, op := range s.pending {
		if op != nil {
			s.pending[t] = nil
			return op
		}
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		s.mu.Lock()
		op := s.nextLocked()
		if op == nil {
			if s.closed {
				s.running = false
				s.mu.Unlock()
				s.logger.Debug("Scheduler closed")
				return
			}
			s.mu.Unlock()
			s.logger.Trace("Waiting for new operation")
			<-s.wake
			continue
		}
		p := s.pixel
		if p == nil {
			s.mu.Unlock()
			s.logger.WithField("operation", op.Type().String()).Info("No die attached, dropping operation")
			s.emit(OperationStatus{Operation: op, Status: StatusDropped})
			continue
		}
		s.current = op
		s.mu.Unlock()

		log := s.logger.WithField("operation", op.Type().String())
		log.Debug("Processing operation")
		s.emit(OperationStatus{Operation: op, Status: StatusStarting, Pixel: p})
		s.OnCurrentOperation.Emit(op)

		err := s.process(ctx, p, op)

		if err != nil {
			log.WithError(err).Warn("Operation failed")
			s.emit(OperationStatus{Operation: op, Status: StatusFailed, Pixel: p, Err: err})
		} else {
			log.Debug("Operation succeeded")
			s.emit(OperationStatus{Operation: op, Status: StatusSucceeded, Pixel: p})
		}

		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.OnCurrentOperation.Emit(nil)
	}
}

func (s *Scheduler) process(ctx context.Context, p pixel.Pixel, op Operation) error {
	switch o := op.(type) {
	case Connect:
		if o.Reconnect {
			if err := p.Disconnect(ctx); err != nil {
				s.logger.WithError(err).Info("Disconnect error before reconnecting")
			}
		}
		return p.Connect(ctx)
	case Disconnect:
		return p.Disconnect(ctx)
	case TurnOff:
		return p.TurnOff(ctx)
	case ResetSettings:
		ctx, cancel := context.WithTimeout(ctx, s.opts.ResetSettingsTimeout)
		defer cancel()
		return p.SendAndWaitForResponse(ctx, pixel.MsgClearSettings, pixel.MsgClearSettingsAck)
	case Rename:
		return p.Rename(ctx, o.Name)
	case Blink:
		s.mu.Lock()
		color := s.blinkColor
		s.mu.Unlock()
		return p.Blink(ctx, color, pixel.BlinkOptions{Duration: blinkDuration, Count: blinkCount, Fade: blinkFade})
	case ProgramProfile:
		return s.programProfile(ctx, p, o)
	case UpdateFirmware:
		return s.updateFirmware(ctx, p, o)
	default:
		return fmt.Errorf("unknown operation %T", op)
	}
}

func (s *Scheduler) programProfile(ctx context.Context, p pixel.Pixel, op ProgramProfile) error {
	if op.DataSet == nil {
		return errors.New("no data set to program")
	}
	hash := pixel.ComputeHash(op.DataSet.Bytes())
	log := s.logger.WithField("hash", fmt.Sprintf("%08X", hash))
	if hash == p.ProfileHash() && math.Abs(op.DataSet.Brightness()-p.Brightness()) <= s.opts.BrightnessTolerance {
		log.Debug("Die already has profile")
		return nil
	}
	log.Info("Programming profile")
	return p.TransferDataSet(ctx, op.DataSet)
}

func (s *Scheduler) updateFirmware(ctx context.Context, p pixel.Pixel, op UpdateFirmware) error {
	if s.opts.Updater == nil {
		return ErrNoUpdater
	}

	// Written by the updater callbacks, which may run on another goroutine
	var (
		mu            sync.Mutex
		recoverUpload bool
	)
	var lastErr error
	for attempt := 1; attempt <= s.opts.FirmwareAttempts; attempt++ {
		final := attempt == s.opts.FirmwareAttempts
		var terminal dfu.State

		mu.Lock()
		req := dfu.Request{
			SystemID:               p.SystemID(),
			PixelID:                p.ID(),
			FirmwarePath:           op.FirmwarePath,
			BootloaderPath:         op.BootloaderPath,
			RecoverFromUploadError: recoverUpload,
		}
		mu.Unlock()
		err := s.opts.Updater.Update(ctx, req, dfu.Callbacks{
			OnState: func(state dfu.State) {
				mu.Lock()
				if state == dfu.StateUploading {
					recoverUpload = true
				}
				done := state.IsDone()
				if done {
					// Reported once the attempt outcome is known
					terminal = state
				}
				mu.Unlock()
				if !done {
					s.OnDfuState.Emit(state)
				}
			},
			OnProgress: func(percent int) {
				s.OnDfuProgress.Emit(percent)
			},
		})

		if err == nil || final || ctx.Err() != nil {
			mu.Lock()
			last := terminal
			mu.Unlock()
			if last != "" {
				s.OnDfuState.Emit(last)
			}
		}
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.WithError(err).WithField("attempt", attempt).Warn("Firmware update attempt failed")
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}
