package scan

import (
	"errors"
	"fmt"
)

// Bluetooth states reported with a start failure
const (
	BluetoothReady    = "ready"
	BluetoothNotReady = "unavailable"
)

// StartFailedError is reported when the scanner stopped right after a start
type StartFailedError struct {
	BluetoothState string
	StartError     StartError
}

func (e *StartFailedError) Error() string {
	code := string(e.StartError)
	if code == "" {
		code = "unspecified"
	}
	return fmt.Sprintf("scan failed to start with error %s, Bluetooth state is %s", code, e.BluetoothState)
}

// UnavailableError is reported when the radio stopped scanning for a reason
// other than authorization
type UnavailableError struct {
	Reason StopReason
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("bluetooth unavailable: %s", e.Reason)
}

// ErrNotAuthorized is reported when the application may not use Bluetooth
var ErrNotAuthorized = errors.New("bluetooth not authorized")

func bluetoothState(ready bool) string {
	if ready {
		return BluetoothReady
	}
	return BluetoothNotReady
}

// stopError converts a stop event into the error reported to listeners.
func stopError(ev StatusEvent, ready bool) error {
	switch ev.StopReason {
	case StopFailedToStart:
		return &StartFailedError{BluetoothState: bluetoothState(ready), StartError: ev.StartError}
	case StopUnauthorized:
		return ErrNotAuthorized
	default:
		return &UnavailableError{Reason: ev.StopReason}
	}
}
