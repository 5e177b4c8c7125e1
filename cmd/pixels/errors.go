package main

import (
	"errors"
	"fmt"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/driver/goble"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/scan"
)

// Command-level errors
var (
	ErrNotFound     = errors.New("die not found")
	ErrInvalidPixel = errors.New("invalid pixel id")
)

// FormatUserError turns the errors of the central and the driver into a
// one line message for the terminal.
func FormatUserError(err error) string {
	var (
		fwErr    *central.FirmwareUpdateError
		startErr *scan.StartFailedError
		connErr  *pixel.ConnectError
	)
	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off"
	case errors.Is(err, scan.ErrNotAuthorized):
		return "this program is not allowed to use Bluetooth"
	case errors.As(err, &startErr):
		return fmt.Sprintf("could not scan (%s), Bluetooth is %s", startErr.StartError, startErr.BluetoothState)
	case errors.Is(err, central.ErrConnectTimeout):
		return "the die did not connect in time, make sure it is nearby and awake"
	case errors.Is(err, central.ErrDieNotFound), errors.Is(err, ErrNotFound):
		return "the die was not found, make sure it is nearby and awake"
	case errors.As(err, &fwErr):
		if fwErr.Err != nil {
			return fmt.Sprintf("firmware update %s: %v", fwErr.Status, fwErr.Err)
		}
		return fmt.Sprintf("firmware update %s", fwErr.Status)
	case errors.As(err, &connErr):
		return fmt.Sprintf("connection failed (%s)", connErr.Kind)
	default:
		return err.Error()
	}
}
