package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/pixels/internal/pixel"
)

// ErrBluetoothOff is reported when the adapter is powered off
var ErrBluetoothOff = errors.New("bluetooth is turned off")

// NormalizeError maps known go-ble error strings to the driver errors.
// Unknown errors are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", pixel.ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", pixel.ErrNotConnected, err)
	default:
		return err
	}
}

// NormalizeConnectError classifies a failed dial. ctx is the dial context.
func NormalizeConnectError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	kind := pixel.ConnectOther
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = pixel.ConnectTimeout
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		kind = pixel.ConnectCancelled
	case containsIgnoreCase(msg, "gatt"), containsIgnoreCase(msg, "status 133"),
		containsIgnoreCase(msg, "connection limit"), containsIgnoreCase(msg, "too many"):
		kind = pixel.ConnectGattFailure
	}
	return &pixel.ConnectError{Kind: kind, Err: NormalizeError(err)}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
