package pixel

import (
	"context"
	"fmt"
	"time"
)

// ID identifies a physical die. It is stable across scans and connections.
type ID uint32

func (id ID) String() string {
	return fmt.Sprintf("%08X", uint32(id))
}

// Status is the connection status reported by the die driver
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusIdentifying
	StatusReady
	StatusDisconnecting
)

var statusNames = [...]string{"disconnected", "connecting", "identifying", "ready", "disconnecting"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// IsConnected reports whether a link is up (identifying or ready).
func (s Status) IsConnected() bool {
	return s == StatusIdentifying || s == StatusReady
}

// DisconnectReason explains the last transition to disconnected
type DisconnectReason string

const (
	ReasonUnknown         DisconnectReason = "unknown"
	ReasonSuccess         DisconnectReason = "success"
	ReasonTimeout         DisconnectReason = "timeout"
	ReasonLinkLoss        DisconnectReason = "linkLoss"
	ReasonFailedToConnect DisconnectReason = "failedToConnect"
	ReasonUnreachable     DisconnectReason = "unreachable"
	ReasonIdentifyFailed  DisconnectReason = "identifyFailed"
)

// StatusEvent is delivered to status subscribers on every transition
type StatusEvent struct {
	Status Status
	Reason DisconnectReason
}

// Color is an RGB color sent to the die LEDs
type Color struct {
	R, G, B uint8
}

var (
	White = Color{R: 255, G: 255, B: 255}
	Red   = Color{R: 255}
)

// BlinkOptions controls a blink animation
type BlinkOptions struct {
	Duration time.Duration
	Count    int
	Fade     float64
}

// DataSet is an opaque, serializable lighting profile
type DataSet interface {
	Bytes() []byte
	// Brightness is normalized to [0, 1]
	Brightness() float64
}

// Info is the read-only part of a die object
type Info interface {
	ID() ID
	Name() string
	SystemID() string
	Status() Status
	LastDisconnectReason() DisconnectReason
	// FirmwareDate is zero until the die identified itself
	FirmwareDate() time.Time
	ProfileHash() uint32
	// Brightness is normalized to [0, 1]
	Brightness() float64
	// LedCount is zero while unknown
	LedCount() int
}

// Pixel is the driver object for one die. Calls block until the die
// answered or ctx is done, and may fail with driver specific errors.
type Pixel interface {
	Info

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	TurnOff(ctx context.Context) error
	Rename(ctx context.Context, name string) error
	Blink(ctx context.Context, color Color, opts BlinkOptions) error
	SendAndWaitForResponse(ctx context.Context, msg MessageType, ack MessageType) error
	TransferDataSet(ctx context.Context, ds DataSet) error

	// SubscribeStatus registers fn for status transitions and returns
	// the function removing it. Events may arrive on any goroutine.
	SubscribeStatus(fn func(StatusEvent)) (unsubscribe func())
}
