// Package dfu is the boundary to the firmware update transport.
package dfu

import (
	"context"
	"time"

	"github.com/srg/pixels/internal/pixel"
)

// State of a firmware update, roughly in the order they occur
type State string

const (
	StateInitializing       State = "initializing"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateStarting           State = "starting"
	StateEnablingDfuMode    State = "enablingDfuMode"
	StateUploading          State = "uploading"
	StateValidatingFirmware State = "validatingFirmware"
	StateDisconnecting      State = "disconnecting"
	StateDisconnected       State = "disconnected"
	StateCompleted          State = "completed"
	StateAborted            State = "aborted"
	StateErrored            State = "errored"
)

// IsDone reports whether s is a terminal state.
func (s State) IsDone() bool {
	return s == StateCompleted || s == StateAborted || s == StateErrored
}

// Request describes one update attempt
type Request struct {
	SystemID       string
	PixelID        pixel.ID
	FirmwarePath   string
	BootloaderPath string
	// RecoverFromUploadError asks the transport to resume an upload
	// interrupted by a previous attempt
	RecoverFromUploadError bool
}

// Callbacks receive the transport progress. Both may be nil. Updaters may
// call them from any goroutine but must not call them once Update returned.
type Callbacks struct {
	OnState    func(State)
	OnProgress func(percent int)
}

func (c Callbacks) state(s State) {
	if c.OnState != nil {
		c.OnState(s)
	}
}

func (c Callbacks) progress(p int) {
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}

// Updater transfers firmware to a die
type Updater interface {
	Update(ctx context.Context, req Request, cb Callbacks) error
}

// UpdaterFunc adapts a function to Updater
type UpdaterFunc func(ctx context.Context, req Request, cb Callbacks) error

func (f UpdaterFunc) Update(ctx context.Context, req Request, cb Callbacks) error {
	return f(ctx, req, cb)
}

// FilesInfo describes a firmware bundle
type FilesInfo struct {
	Timestamp      time.Time
	FirmwarePath   string
	BootloaderPath string
}

// Availability of a firmware update for a die
type Availability string

const (
	AvailabilityUnknown  Availability = "unknown"
	AvailabilityOutdated Availability = "outdated"
	AvailabilityUpToDate Availability = "up-to-date"
)

// CheckAvailability compares the die firmware build date with the bundle date.
func CheckAvailability(dieDate, bundleDate time.Time) Availability {
	switch {
	case dieDate.IsZero() || bundleDate.IsZero():
		return AvailabilityUnknown
	case dieDate.Before(bundleDate):
		return AvailabilityOutdated
	default:
		return AvailabilityUpToDate
	}
}
