package pixel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestID_String(t *testing.T) {
	assert.Equal(t, "0000ABCD", ID(0xabcd).String())
	assert.Equal(t, "FFFFFFFF", ID(0xffffffff).String())
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status    Status
		name      string
		connected bool
	}{
		{StatusDisconnected, "disconnected", false},
		{StatusConnecting, "connecting", false},
		{StatusIdentifying, "identifying", true},
		{StatusReady, "ready", true},
		{StatusDisconnecting, "disconnecting", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.status.String())
			assert.Equal(t, tt.connected, tt.status.IsConnected())
		})
	}
	assert.Equal(t, "status(42)", Status(42).String())
}

func TestComputeHash(t *testing.T) {
	assert.Equal(t, uint32(5381), ComputeHash(nil))
	// 5381*33 + 'a'
	assert.Equal(t, uint32(177670), ComputeHash([]byte("a")))
	assert.NotEqual(t, ComputeHash([]byte{1, 2}), ComputeHash([]byte{2, 1}))
}

func TestConnectError(t *testing.T) {
	gatt := &ConnectError{Kind: ConnectGattFailure, Err: errors.New("status 133")}
	wrapped := fmt.Errorf("connect op: %w", gatt)

	assert.True(t, IsGattFailure(gatt))
	assert.True(t, IsGattFailure(wrapped))
	assert.True(t, errors.Is(wrapped, ErrConnectGattFailure))
	assert.False(t, errors.Is(wrapped, ErrConnectTimeout))
	assert.False(t, IsGattFailure(errors.New("gattFailure")))
	assert.False(t, IsGattFailure(nil))

	assert.Equal(t, "connect failed (gattFailure): status 133", gatt.Error())
	assert.Equal(t, "connect failed: timeout", ErrConnectTimeout.Error())
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "clearSettingsAck", MsgClearSettingsAck.String())
	assert.Equal(t, "message(200)", MessageType(200).String())
}
