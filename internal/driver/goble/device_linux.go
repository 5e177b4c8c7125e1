//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the ble.Device on the default HCI adapter (can be
// overridden in tests)
//
//nolint:revive // exported for test overrides
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
