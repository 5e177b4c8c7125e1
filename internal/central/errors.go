package central

import (
	"errors"
	"fmt"

	"github.com/srg/pixels/internal/scheduler"
)

var (
	ErrNotRegistered            = errors.New("pixel is not registered")
	ErrFirmwareUpdateInProgress = errors.New("a firmware update is already in progress")
	ErrDieNotFound              = errors.New("pixel not found")
	ErrConnectTimeout           = errors.New("timeout connecting to pixel")
	// ErrManagedOperation is returned when scheduling an operation the
	// central runs itself
	ErrManagedOperation = errors.New("operation is managed by the central")
)

// FirmwareUpdateError reports a firmware operation that did not succeed
type FirmwareUpdateError struct {
	Status scheduler.Status
	Err    error
}

func (e *FirmwareUpdateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("firmware update %s", e.Status)
	}
	return fmt.Sprintf("firmware update %s: %v", e.Status, e.Err)
}

func (e *FirmwareUpdateError) Unwrap() error { return e.Err }
