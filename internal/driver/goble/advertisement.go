package goble

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/scan"
)

// Pixels GATT layout
var (
	ServiceUUID = ble.MustParse("a6b90001-7a5a-43f2-a962-350c8edc9b5b")
	NotifyUUID  = ble.MustParse("a6b90002-7a5a-43f2-a962-350c8edc9b5b")
	WriteUUID   = ble.MustParse("a6b90003-7a5a-43f2-a962-350c8edc9b5b")
)

const (
	companyIDSize         = 2
	manufacturerDataSize  = 5
	legacyManufacturerLen = 7
	serviceDataSize       = 8
)

// Advertisement is the part of ble.Advertisement the parser reads
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	RSSI() int
	Addr() ble.Addr
}

// ParseAdvertisement extracts the die information from an advertisement.
// It reports false for advertisements of other devices and for malformed
// Pixels advertisements.
func ParseAdvertisement(adv Advertisement, now time.Time) (scan.ScannedPixel, bool) {
	if adv == nil || !advertisesPixels(adv) {
		return scan.ScannedPixel{}, false
	}
	md := adv.ManufacturerData()
	if len(md) < companyIDSize {
		return scan.ScannedPixel{}, false
	}
	company, payload := binary.LittleEndian.Uint16(md), md[companyIDSize:]

	var sd []byte
	for _, d := range adv.ServiceData() {
		if len(d.Data) >= serviceDataSize {
			sd = d.Data
			break
		}
	}

	addr := ""
	if a := adv.Addr(); a != nil {
		addr = a.String()
	}
	sp := scan.ScannedPixel{
		SystemID:  addr,
		Address:   addr,
		Name:      adv.LocalName(),
		RSSI:      adv.RSSI(),
		Timestamp: now,
	}

	switch {
	case sd != nil && len(payload) >= manufacturerDataSize:
		sp.ID = pixel.ID(binary.LittleEndian.Uint32(sd[0:4]))
		sp.FirmwareDate = time.Unix(int64(binary.LittleEndian.Uint32(sd[4:8])), 0).UTC()
		sp.LedCount = int(payload[0])
		sp.FaceIndex = int(payload[3])
		sp.BatteryLevel = int(payload[4] & 0x7f)
		sp.IsCharging = payload[4]&0x80 != 0
	case sd == nil && len(payload) == legacyManufacturerLen:
		// Older firmware packs everything in the manufacturer data and
		// uses the company id for the led count and design
		sp.ID = pixel.ID(binary.LittleEndian.Uint32(payload[0:4]))
		sp.LedCount = int(company >> 8)
		sp.FaceIndex = int(payload[5])
		sp.BatteryLevel = int(math.Round(float64(payload[6]) * 100 / 255))
	default:
		return scan.ScannedPixel{}, false
	}
	if sp.ID == 0 {
		return scan.ScannedPixel{}, false
	}
	return sp, true
}

func advertisesPixels(adv Advertisement) bool {
	for _, u := range adv.Services() {
		if u.Equal(ServiceUUID) {
			return true
		}
	}
	return false
}
