package pixel

import (
	"errors"
	"fmt"
)

// ConnectErrorKind classifies a failed connection attempt
type ConnectErrorKind string

const (
	ConnectTimeout     ConnectErrorKind = "timeout"
	ConnectGattFailure ConnectErrorKind = "gattFailure"
	ConnectCancelled   ConnectErrorKind = "cancelled"
	ConnectOther       ConnectErrorKind = "other"
)

// ConnectError is returned by Pixel.Connect when the link could not be established
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("connect failed: %s", e.Kind)
	}
	return fmt.Sprintf("connect failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare ConnectError values by Kind
func (e *ConnectError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is
var (
	ErrConnectTimeout     = &ConnectError{Kind: ConnectTimeout}
	ErrConnectGattFailure = &ConnectError{Kind: ConnectGattFailure}
	ErrConnectCancelled   = &ConnectError{Kind: ConnectCancelled}
)

var (
	ErrNotConnected = errors.New("die not connected")
	ErrNoResponse   = errors.New("no response from die")
)

// IsGattFailure reports whether err is a connect failure at the GATT layer.
// Some platforms report a full connection table this way.
func IsGattFailure(err error) bool {
	return errors.Is(err, ErrConnectGattFailure)
}
