package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/event"
	"github.com/srg/pixels/internal/pixel"
)

// FakePixel is an in-memory die driver. By default Connect walks the die
// through connecting, identifying and ready, and every other call succeeds.
// Status events are delivered on the goroutine that changed the status.
type FakePixel struct {
	mu           sync.Mutex
	id           pixel.ID
	name         string
	systemID     string
	status       pixel.Status
	reason       pixel.DisconnectReason
	firmwareDate time.Time
	profileHash  uint32
	brightness   float64
	ledCount     int
	calls        []string

	connectFunc    func(ctx context.Context, p *FakePixel) error
	disconnectFunc func(ctx context.Context, p *FakePixel) error
	callErr        map[string]error
	stalls         map[string]chan struct{}

	statusEvents *event.Emitter[pixel.StatusEvent]
}

// NewFakePixel creates a disconnected die.
func NewFakePixel(id pixel.ID) *FakePixel {
	return &FakePixel{
		id:           id,
		name:         fmt.Sprintf("Pixel%s", id),
		systemID:     fmt.Sprintf("system-%s", id),
		status:       pixel.StatusDisconnected,
		reason:       pixel.ReasonUnknown,
		firmwareDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ledCount:     20,
		callErr:      make(map[string]error),
		stalls:       make(map[string]chan struct{}),
		statusEvents: event.NewEmitter[pixel.StatusEvent]("statusChanged", event.WithLogger(logrus.New())),
	}
}

func (p *FakePixel) ID() pixel.ID { return p.id }

func (p *FakePixel) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *FakePixel) SystemID() string { return p.systemID }

func (p *FakePixel) Status() pixel.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *FakePixel) LastDisconnectReason() pixel.DisconnectReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *FakePixel) FirmwareDate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firmwareDate
}

func (p *FakePixel) ProfileHash() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileHash
}

func (p *FakePixel) Brightness() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brightness
}

func (p *FakePixel) LedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledCount
}

// SetStatus changes the status and notifies subscribers.
func (p *FakePixel) SetStatus(status pixel.Status, reason pixel.DisconnectReason) {
	p.mu.Lock()
	if p.status == status {
		p.mu.Unlock()
		return
	}
	p.status = status
	if status == pixel.StatusDisconnected {
		p.reason = reason
	}
	p.mu.Unlock()
	p.statusEvents.Emit(pixel.StatusEvent{Status: status, Reason: reason})
}

func (p *FakePixel) SetFirmwareDate(date time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.firmwareDate = date
}

func (p *FakePixel) SetLedCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ledCount = n
}

func (p *FakePixel) SetProfile(hash uint32, brightness float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profileHash = hash
	p.brightness = brightness
}

// SetConnectFunc replaces the default Connect behavior.
func (p *FakePixel) SetConnectFunc(fn func(ctx context.Context, p *FakePixel) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectFunc = fn
}

// SetDisconnectFunc replaces the default Disconnect behavior.
func (p *FakePixel) SetDisconnectFunc(fn func(ctx context.Context, p *FakePixel) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectFunc = fn
}

// FailCall makes every later call named method return err.
func (p *FakePixel) FailCall(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callErr[method] = err
}

// Calls returns the names of the driver methods called so far.
func (p *FakePixel) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallCount returns how many times method was called.
func (p *FakePixel) CallCount(method string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == method {
			n++
		}
	}
	return n
}

func (p *FakePixel) record(method string) error {
	p.mu.Lock()
	p.calls = append(p.calls, method)
	stall := p.stalls[method]
	err := p.callErr[method]
	p.mu.Unlock()
	if stall != nil {
		<-stall
	}
	return err
}

// StallCall blocks every later call of method until the returned function
// is called.
func (p *FakePixel) StallCall(method string) (finish func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.stalls[method] = ch
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.stalls, method)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *FakePixel) Connect(ctx context.Context) error {
	if err := p.record("Connect"); err != nil {
		p.SetStatus(pixel.StatusConnecting, "")
		p.SetStatus(pixel.StatusDisconnected, pixel.ReasonFailedToConnect)
		return err
	}
	p.mu.Lock()
	fn := p.connectFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	p.SetStatus(pixel.StatusConnecting, "")
	p.SetStatus(pixel.StatusIdentifying, "")
	p.SetStatus(pixel.StatusReady, "")
	return nil
}

func (p *FakePixel) Disconnect(ctx context.Context) error {
	if err := p.record("Disconnect"); err != nil {
		return err
	}
	p.mu.Lock()
	fn := p.disconnectFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	if p.Status() != pixel.StatusDisconnected {
		p.SetStatus(pixel.StatusDisconnecting, "")
		p.SetStatus(pixel.StatusDisconnected, pixel.ReasonSuccess)
	}
	return nil
}

func (p *FakePixel) TurnOff(ctx context.Context) error {
	if err := p.record("TurnOff"); err != nil {
		return err
	}
	p.SetStatus(pixel.StatusDisconnected, pixel.ReasonSuccess)
	return nil
}

func (p *FakePixel) Rename(ctx context.Context, name string) error {
	if err := p.record("Rename"); err != nil {
		return err
	}
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
	return nil
}

func (p *FakePixel) Blink(ctx context.Context, color pixel.Color, opts pixel.BlinkOptions) error {
	return p.record("Blink")
}

func (p *FakePixel) SendAndWaitForResponse(ctx context.Context, msg pixel.MessageType, ack pixel.MessageType) error {
	return p.record(msg.String())
}

func (p *FakePixel) TransferDataSet(ctx context.Context, ds pixel.DataSet) error {
	if err := p.record("TransferDataSet"); err != nil {
		return err
	}
	p.SetProfile(pixel.ComputeHash(ds.Bytes()), ds.Brightness())
	return nil
}

func (p *FakePixel) SubscribeStatus(fn func(pixel.StatusEvent)) func() {
	return p.statusEvents.Subscribe(fn)
}

// StallConnect makes Connect enter connecting and block until the returned
// function is called or ctx is done. A nil error completes the connection.
func (p *FakePixel) StallConnect() (finish func(err error)) {
	done := make(chan error, 1)
	p.SetConnectFunc(func(ctx context.Context, p *FakePixel) error {
		p.SetStatus(pixel.StatusConnecting, "")
		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			p.SetStatus(pixel.StatusDisconnected, pixel.ReasonTimeout)
			return err
		}
		p.SetStatus(pixel.StatusIdentifying, "")
		p.SetStatus(pixel.StatusReady, "")
		return nil
	})
	var once sync.Once
	return func(err error) {
		once.Do(func() { done <- err })
	}
}

// FakeDataSet is a profile payload with a fixed brightness
type FakeDataSet struct {
	Data  []byte
	Level float64
}

func (d FakeDataSet) Bytes() []byte       { return d.Data }
func (d FakeDataSet) Brightness() float64 { return d.Level }
