package testutils

import (
	"encoding/binary"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/pixels/internal/driver/goble"
	"github.com/srg/pixels/internal/pixel"
)

// FakeAdvertisement is a canned advertisement for the goble parser.
type FakeAdvertisement struct {
	Name        string
	Address     string
	Rssi        int
	ServiceIDs  []ble.UUID
	Manufacture []byte
	SvcData     []ble.ServiceData
}

func (a *FakeAdvertisement) LocalName() string              { return a.Name }
func (a *FakeAdvertisement) ManufacturerData() []byte       { return a.Manufacture }
func (a *FakeAdvertisement) ServiceData() []ble.ServiceData { return a.SvcData }
func (a *FakeAdvertisement) Services() []ble.UUID           { return a.ServiceIDs }
func (a *FakeAdvertisement) RSSI() int                      { return a.Rssi }
func (a *FakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.Address) }

// AdvertisementBuilder builds Pixels advertisements for testing.
// By default it produces the current format: a service data block with
// the pixel id and build timestamp, and five bytes of manufacturer data.
type AdvertisementBuilder struct {
	id            pixel.ID
	name          string
	address       string
	rssi          int
	buildDate     time.Time
	ledCount      uint8
	face          uint8
	battery       uint8
	charging      bool
	legacy        bool
	withService   bool
	manufOverride []byte
}

// NewAdvertisementBuilder starts a builder for the die with the given id.
func NewAdvertisementBuilder(id pixel.ID) *AdvertisementBuilder {
	return &AdvertisementBuilder{
		id:          id,
		name:        "Pixel" + id.String(),
		address:     "aa:bb:cc:dd:ee:ff",
		rssi:        -60,
		buildDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ledCount:    20,
		battery:     75,
		withService: true,
	}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

func (b *AdvertisementBuilder) WithBuildDate(date time.Time) *AdvertisementBuilder {
	b.buildDate = date
	return b
}

// WithBattery sets the level in percent and the charging flag.
func (b *AdvertisementBuilder) WithBattery(level uint8, charging bool) *AdvertisementBuilder {
	b.battery = level
	b.charging = charging
	return b
}

func (b *AdvertisementBuilder) WithFace(index uint8) *AdvertisementBuilder {
	b.face = index
	return b
}

// Legacy switches to the older seven byte manufacturer data layout. The
// battery level is then given on a 0-255 scale.
func (b *AdvertisementBuilder) Legacy() *AdvertisementBuilder {
	b.legacy = true
	return b
}

// WithoutService drops the Pixels service from the advertised services.
func (b *AdvertisementBuilder) WithoutService() *AdvertisementBuilder {
	b.withService = false
	return b
}

// WithManufacturerData replaces the generated manufacturer data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufOverride = data
	return b
}

func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := &FakeAdvertisement{
		Name:    b.name,
		Address: b.address,
		Rssi:    b.rssi,
	}
	if b.withService {
		adv.ServiceIDs = []ble.UUID{goble.ServiceUUID}
	}

	battery := b.battery
	if b.charging {
		battery |= 0x80
	}
	if b.legacy {
		md := make([]byte, 9)
		binary.LittleEndian.PutUint16(md[0:2], uint16(b.ledCount)<<8|1)
		binary.LittleEndian.PutUint32(md[2:6], uint32(b.id))
		md[7] = b.face
		md[8] = b.battery
		adv.Manufacture = md
	} else {
		sd := make([]byte, 8)
		binary.LittleEndian.PutUint32(sd[0:4], uint32(b.id))
		binary.LittleEndian.PutUint32(sd[4:8], uint32(b.buildDate.Unix()))
		adv.SvcData = []ble.ServiceData{{UUID: goble.ServiceUUID, Data: sd}}
		adv.Manufacture = []byte{0x67, 0x0e, b.ledCount, 0, 1, b.face, battery}
	}
	if b.manufOverride != nil {
		adv.Manufacture = b.manufOverride
	}
	return adv
}
