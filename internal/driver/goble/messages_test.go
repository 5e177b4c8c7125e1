package goble

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/pixels/internal/pixel"
)

func TestParseIAmADie(t *testing.T) {
	b := make([]byte, iAmADieSize)
	b[0] = byte(pixel.MsgIAmADie)
	b[1] = 20
	binary.LittleEndian.PutUint32(b[4:8], 0xDEADBEEF)
	binary.LittleEndian.PutUint32(b[8:12], 0x01020304)
	binary.LittleEndian.PutUint16(b[12:14], 4096)
	binary.LittleEndian.PutUint32(b[14:18], 1700000000)
	b[20] = 87

	info, err := parseIAmADie(b)
	require.NoError(t, err)
	assert.Equal(t, 20, info.LedCount)
	assert.Equal(t, uint32(0xDEADBEEF), info.DataSetHash)
	assert.Equal(t, pixel.ID(0x01020304), info.PixelID)
	assert.Equal(t, 4096, info.AvailableFlash)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), info.BuildTimestamp)
	assert.Equal(t, 87, info.BatteryLevel)

	_, err = parseIAmADie(b[:10])
	assert.Error(t, err)
	b[0] = byte(pixel.MsgBlinkAck)
	_, err = parseIAmADie(b)
	assert.Error(t, err)
}

func TestEncodeBlink(t *testing.T) {
	b := encodeBlink(pixel.Color{R: 0x11, G: 0x22, B: 0x33}, pixel.BlinkOptions{
		Duration: 1500 * time.Millisecond,
		Count:    3,
		Fade:     0.5,
	})
	assert.Equal(t, []byte{
		byte(pixel.MsgBlink), 3,
		0xDC, 0x05,
		0x33, 0x22, 0x11, 0x00,
		0xFF, 0xFF, 0xFF, 0xFF,
		128,
	}, b)

	b = encodeBlink(pixel.White, pixel.BlinkOptions{Fade: 4})
	assert.Equal(t, byte(1), b[1], "count defaults to one")
	assert.Equal(t, byte(255), b[12], "fade is clamped")
}

func TestEncodeSetName(t *testing.T) {
	assert.Equal(t, []byte{byte(pixel.MsgSetName), 'a', 'b', 0}, encodeSetName("ab"))
	long := encodeSetName("0123456789012345678901234567890123456789")
	assert.Len(t, long, maxNameSize+2)
}

func TestBulkChunks(t *testing.T) {
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	chunks := bulkChunks(data)
	require.Len(t, chunks, 3)
	assert.Equal(t, []byte{byte(pixel.MsgBulkData), 100, 0, 0}, chunks[0][:4])
	assert.Equal(t, []byte{byte(pixel.MsgBulkData), 50, 200, 0}, chunks[2][:4])
	assert.Equal(t, data[200:], chunks[2][4:])
	assert.Empty(t, bulkChunks(nil))
}

type headerDataSet struct{ data []byte }

func (d headerDataSet) Bytes() []byte          { return d.data }
func (d headerDataSet) Brightness() float64    { return 1 }
func (d headerDataSet) TransferHeader() []byte { return []byte{9, 9} }

func TestEncodeTransferHeader(t *testing.T) {
	data := []byte{1, 2, 3}
	assert.Equal(t, []byte{byte(pixel.MsgTransferAnimationSet), 9, 9}, encodeTransferHeader(headerDataSet{data}, data))
	assert.Equal(t, []byte{byte(pixel.MsgTransferAnimationSet), 3, 0, 0, 0}, encodeTransferHeader(plainDataSet(data), data))
}

type plainDataSet []byte

func (d plainDataSet) Bytes() []byte       { return d }
func (d plainDataSet) Brightness() float64 { return 0.5 }
