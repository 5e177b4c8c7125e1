package scheduler

import (
	"fmt"

	"github.com/srg/pixels/internal/pixel"
)

// OperationType identifies an operation kind. The declaration order is the
// dequeue priority, first wins.
type OperationType int

const (
	TypeConnect OperationType = iota
	TypeUpdateFirmware
	TypeResetSettings
	TypeRename
	TypeBlink
	TypeProgramProfile
	TypeTurnOff
	TypeDisconnect

	numTypes
)

var typeNames = [numTypes]string{
	"connect", "updateFirmware", "resetSettings", "rename", "blink", "programProfile", "turnOff", "disconnect",
}

func (t OperationType) String() string {
	if t < 0 || t >= numTypes {
		return fmt.Sprintf("operation(%d)", int(t))
	}
	return typeNames[t]
}

// Operation is one of the operation structs below
type Operation interface {
	Type() OperationType
}

// Connect opens the link. With Reconnect set the die is disconnected first.
type Connect struct {
	Reconnect bool
}

type Disconnect struct{}

type TurnOff struct{}

// ResetSettings clears the settings stored on the die
type ResetSettings struct{}

type Rename struct {
	Name string
}

type Blink struct{}

// ProgramProfile transfers a profile unless the die already has it
type ProgramProfile struct {
	DataSet pixel.DataSet
}

type UpdateFirmware struct {
	FirmwarePath   string
	BootloaderPath string
}

func (Connect) Type() OperationType        { return TypeConnect }
func (Disconnect) Type() OperationType     { return TypeDisconnect }
func (TurnOff) Type() OperationType        { return TypeTurnOff }
func (ResetSettings) Type() OperationType  { return TypeResetSettings }
func (Rename) Type() OperationType         { return TypeRename }
func (Blink) Type() OperationType          { return TypeBlink }
func (ProgramProfile) Type() OperationType { return TypeProgramProfile }
func (UpdateFirmware) Type() OperationType { return TypeUpdateFirmware }

// Status is the lifecycle step reported for an operation
type Status int

const (
	StatusQueued Status = iota
	StatusDropped
	StatusStarting
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusDropped:
		return "dropped"
	case StatusStarting:
		return "starting"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether no further status follows for the operation.
func (s Status) IsTerminal() bool {
	return s == StatusDropped || s == StatusSucceeded || s == StatusFailed
}

// OperationStatus is emitted on every lifecycle step. Pixel is set from
// starting on; Err only with StatusFailed.
type OperationStatus struct {
	Operation Operation
	Status    Status
	Pixel     pixel.Pixel
	Err       error
}
