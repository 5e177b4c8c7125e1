package testutils

import (
	"fmt"
	"time"

	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/scan"
)

// ScannedPixelBuilder builds scan results for testing.
type ScannedPixelBuilder struct {
	sp scan.ScannedPixel
}

// NewScannedPixel starts a builder for the die with the given id.
// Name and system id are derived from the id, RSSI defaults to -60.
func NewScannedPixel(id pixel.ID) *ScannedPixelBuilder {
	return &ScannedPixelBuilder{sp: scan.ScannedPixel{
		ID:           id,
		SystemID:     fmt.Sprintf("system-%s", id),
		Name:         fmt.Sprintf("Pixel%s", id),
		FirmwareDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		RSSI:         -60,
	}}
}

func (b *ScannedPixelBuilder) WithName(name string) *ScannedPixelBuilder {
	b.sp.Name = name
	return b
}

func (b *ScannedPixelBuilder) WithRSSI(rssi int) *ScannedPixelBuilder {
	b.sp.RSSI = rssi
	return b
}

func (b *ScannedPixelBuilder) WithFirmwareDate(date time.Time) *ScannedPixelBuilder {
	b.sp.FirmwareDate = date
	return b
}

// At sets the advertisement timestamp.
func (b *ScannedPixelBuilder) At(ts time.Time) *ScannedPixelBuilder {
	b.sp.Timestamp = ts
	return b
}

func (b *ScannedPixelBuilder) Build() scan.ScannedPixel {
	return b.sp
}
