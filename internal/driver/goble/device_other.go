//go:build !darwin && !linux

package goble

import (
	"errors"

	"github.com/go-ble/ble"
)

// DeviceFactory reports that no Bluetooth stack is supported here
//
//nolint:revive // exported for test overrides
var DeviceFactory = func() (ble.Device, error) {
	return nil, errors.New("bluetooth is not supported on this platform")
}
