// Package scan defines the die scanner boundary and the shared scan session.
package scan

import (
	"context"
	"time"

	"github.com/srg/pixels/internal/pixel"
)

// Status of the scanner
type Status int

const (
	StatusIdle Status = iota
	StatusScanning
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusScanning:
		return "scanning"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason tells why the scanner stopped
type StopReason string

const (
	StopSuccess       StopReason = "success"
	StopFailedToStart StopReason = "failedToStart"
	StopUnauthorized  StopReason = "unauthorized"
	StopPoweredOff    StopReason = "poweredOff"
	StopResetting     StopReason = "resetting"
	StopUnsupported   StopReason = "unsupported"
)

// StartError is the platform code attached to a failedToStart stop
type StartError string

const (
	StartErrorNone                StartError = ""
	StartErrorAlreadyStarted      StartError = "alreadyStarted"
	StartErrorRegistrationFailed  StartError = "registrationFailed"
	StartErrorInternal            StartError = "internalError"
	StartErrorFeatureUnsupported  StartError = "featureUnsupported"
	StartErrorOutOfHardwareSlots  StartError = "outOfHardwareResources"
	StartErrorScanningTooFrequent StartError = "scanningTooFrequently"
)

// StatusEvent is delivered on every scanner status change
type StatusEvent struct {
	Status     Status
	StopReason StopReason
	StartError StartError
}

// ScannedPixel is the information carried by a die advertisement
type ScannedPixel struct {
	ID           pixel.ID
	SystemID     string
	Address      string
	Name         string
	FirmwareDate time.Time
	RSSI         int
	Timestamp    time.Time

	LedCount     int
	BatteryLevel int
	IsCharging   bool
	// FaceIndex is the zero based index of the face up
	FaceIndex int
}

// ListStatus tags a scan list change
type ListStatus int

const (
	Scanned ListStatus = iota
	Lost
)

func (s ListStatus) String() string {
	if s == Lost {
		return "lost"
	}
	return "scanned"
}

// ListOp is one change of the scan list
type ListOp struct {
	Status ListStatus
	Pixel  ScannedPixel
}

// Scanner discovers dice.
//
// Start returns once scanning was requested from the radio; discovery runs
// on goroutines owned by the implementation. Listeners are never invoked
// synchronously from Start, Stop or the Subscribe functions, and never while
// the implementation holds an internal lock.
type Scanner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
	IsReady() bool

	SubscribeStatus(fn func(StatusEvent)) (unsubscribe func())
	SubscribeReady(fn func(ready bool)) (unsubscribe func())
	SubscribeScanList(fn func([]ListOp)) (unsubscribe func())
}
