package goble

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/srg/pixels/internal/pixel"
)

const (
	iAmADieSize = 22
	// maxBulkChunk is the data carried by one bulk data message
	maxBulkChunk = 100
	maxNameSize  = 31
	allFacesMask = 0xFFFFFFFF
)

// dieInfo is what a die tells about itself after a WhoAreYou
type dieInfo struct {
	LedCount       int
	DataSetHash    uint32
	PixelID        pixel.ID
	AvailableFlash int
	BuildTimestamp time.Time
	BatteryLevel   int
}

func parseIAmADie(b []byte) (dieInfo, error) {
	if len(b) < iAmADieSize || pixel.MessageType(b[0]) != pixel.MsgIAmADie {
		return dieInfo{}, fmt.Errorf("malformed %s message (%d bytes)", pixel.MsgIAmADie, len(b))
	}
	return dieInfo{
		LedCount:       int(b[1]),
		DataSetHash:    binary.LittleEndian.Uint32(b[4:8]),
		PixelID:        pixel.ID(binary.LittleEndian.Uint32(b[8:12])),
		AvailableFlash: int(binary.LittleEndian.Uint16(b[12:14])),
		BuildTimestamp: time.Unix(int64(binary.LittleEndian.Uint32(b[14:18])), 0).UTC(),
		BatteryLevel:   int(b[20]),
	}, nil
}

func encodeBlink(color pixel.Color, opts pixel.BlinkOptions) []byte {
	count := opts.Count
	if count <= 0 {
		count = 1
	}
	duration := opts.Duration.Milliseconds()
	if duration > math.MaxUint16 {
		duration = math.MaxUint16
	}
	fade := math.Max(0, math.Min(1, opts.Fade))

	b := make([]byte, 13)
	b[0] = byte(pixel.MsgBlink)
	b[1] = byte(min(count, math.MaxUint8))
	binary.LittleEndian.PutUint16(b[2:4], uint16(duration))
	binary.LittleEndian.PutUint32(b[4:8], uint32(color.R)<<16|uint32(color.G)<<8|uint32(color.B))
	binary.LittleEndian.PutUint32(b[8:12], allFacesMask)
	b[12] = byte(math.Round(fade * 255))
	return b
}

func encodeSetName(name string) []byte {
	raw := []byte(name)
	if len(raw) > maxNameSize {
		raw = raw[:maxNameSize]
	}
	b := make([]byte, 0, len(raw)+2)
	b = append(b, byte(pixel.MsgSetName))
	b = append(b, raw...)
	return append(b, 0)
}

func encodeTurnOff() []byte {
	return []byte{byte(pixel.MsgPowerOperation), byte(pixel.PowerTurnOff)}
}

// TransferHeader is implemented by data sets that describe their own
// transfer request. Others are announced by their size only.
type TransferHeader interface {
	TransferHeader() []byte
}

func encodeTransferHeader(ds pixel.DataSet, data []byte) []byte {
	if h, ok := ds.(TransferHeader); ok {
		return append([]byte{byte(pixel.MsgTransferAnimationSet)}, h.TransferHeader()...)
	}
	b := make([]byte, 5)
	b[0] = byte(pixel.MsgTransferAnimationSet)
	binary.LittleEndian.PutUint32(b[1:], uint32(len(data)))
	return b
}

// bulkChunks splits data into bulk data messages.
func bulkChunks(data []byte) [][]byte {
	var out [][]byte
	for offset := 0; offset < len(data); offset += maxBulkChunk {
		end := min(offset+maxBulkChunk, len(data))
		b := make([]byte, 4, 4+end-offset)
		b[0] = byte(pixel.MsgBulkData)
		b[1] = byte(end - offset)
		binary.LittleEndian.PutUint16(b[2:4], uint16(offset))
		out = append(out, append(b, data[offset:end]...))
	}
	return out
}
