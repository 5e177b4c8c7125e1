package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/event"
	"github.com/srg/pixels/internal/groutine"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/scan"
)

const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultResponseTimeout = 5 * time.Second
)

// Dialer opens GATT connections. ble.Device implements it.
type Dialer interface {
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
}

// DieOptions configures a Die
type DieOptions struct {
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	Logger          *logrus.Logger
}

// Die implements pixel.Pixel over a GATT connection.
type Die struct {
	dialer  Dialer
	id      pixel.ID
	address string
	opts    DieOptions
	logger  *logrus.Entry

	mu           sync.Mutex
	name         string
	status       pixel.Status
	reason       pixel.DisconnectReason
	firmwareDate time.Time
	profileHash  uint32
	brightness   float64
	ledCount     int
	client       ble.Client
	write        *ble.Characteristic
	closing      bool
	waiters      map[pixel.MessageType][]chan []byte

	// writeMu serializes frames on the write characteristic
	writeMu sync.Mutex

	dispatcher   *event.Dispatcher
	statusEvents *event.Emitter[pixel.StatusEvent]
}

// NewDie creates the driver object for a scanned die.
func NewDie(dialer Dialer, sp scan.ScannedPixel, opts DieOptions) *Die {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Die{
		dialer:  dialer,
		id:      sp.ID,
		address: sp.Address,
		opts:    opts,
		logger: opts.Logger.WithFields(logrus.Fields{
			"pixel_id": sp.ID.String(),
			"address":  sp.Address,
		}),
		name:         sp.Name,
		status:       pixel.StatusDisconnected,
		reason:       pixel.ReasonUnknown,
		brightness:   1,
		ledCount:     sp.LedCount,
		waiters:      make(map[pixel.MessageType][]chan []byte),
		dispatcher:   event.NewDispatcher("die-"+sp.ID.String(), opts.Logger),
		statusEvents: event.NewEmitter[pixel.StatusEvent]("status", event.WithLogger(opts.Logger)),
	}
}

func (d *Die) ID() pixel.ID { return d.id }

func (d *Die) SystemID() string { return d.address }

func (d *Die) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *Die) Status() pixel.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Die) LastDisconnectReason() pixel.DisconnectReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

func (d *Die) FirmwareDate() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmwareDate
}

func (d *Die) ProfileHash() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profileHash
}

// LedCount is taken from the advertisement, then from the die identity.
func (d *Die) LedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ledCount
}

func (d *Die) Brightness() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.brightness
}

func (d *Die) SubscribeStatus(fn func(pixel.StatusEvent)) func() {
	return d.statusEvents.Subscribe(fn)
}

// Connect dials the die, subscribes to its notifications and identifies it.
func (d *Die) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.status != pixel.StatusDisconnected {
		st := d.status
		d.mu.Unlock()
		if st.IsConnected() {
			return nil
		}
		return fmt.Errorf("cannot connect while %s", st)
	}
	d.mu.Unlock()
	d.setStatus(pixel.StatusConnecting, "")

	d.logger.Debug("Dialing pixel...")
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	client, err := d.dialer.Dial(dialCtx, ble.NewAddr(d.address))
	if err != nil {
		err = NormalizeConnectError(dialCtx, err)
		cancel()
		reason := pixel.ReasonFailedToConnect
		if pixel.IsGattFailure(err) {
			reason = pixel.ReasonUnreachable
		} else if errors.Is(err, pixel.ErrConnectTimeout) {
			reason = pixel.ReasonTimeout
		}
		d.logger.WithError(err).Debug("Failed to dial pixel")
		d.setStatus(pixel.StatusDisconnected, reason)
		return err
	}
	cancel()

	write, notify, err := findCharacteristics(client)
	if err == nil {
		err = client.Subscribe(notify, false, d.onNotification)
	}
	if err != nil {
		d.logger.WithError(err).Warn("Failed to set up pixel link")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			d.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection")
		}
		d.setStatus(pixel.StatusDisconnected, pixel.ReasonFailedToConnect)
		return &pixel.ConnectError{Kind: pixel.ConnectOther, Err: NormalizeError(err)}
	}

	d.mu.Lock()
	d.client = client
	d.write = write
	d.closing = false
	d.mu.Unlock()
	d.watchLink(client)

	d.setStatus(pixel.StatusIdentifying, "")
	if err := d.identify(ctx); err != nil {
		d.logger.WithError(err).Warn("Pixel did not identify")
		d.drop(client, pixel.ReasonIdentifyFailed)
		return fmt.Errorf("identify: %w", err)
	}
	d.setStatus(pixel.StatusReady, "")
	d.logger.Info("Pixel connected")
	return nil
}

// Disconnect closes the link. It is a no-op when not connected.
func (d *Die) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	client := d.client
	if client == nil {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	d.mu.Unlock()

	d.setStatus(pixel.StatusDisconnecting, "")
	err := client.CancelConnection()
	d.drop(client, pixel.ReasonSuccess)
	if err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (d *Die) TurnOff(ctx context.Context) error {
	_, err := d.request(ctx, encodeTurnOff(), pixel.MsgNone)
	return err
}

func (d *Die) Rename(ctx context.Context, name string) error {
	if _, err := d.request(ctx, encodeSetName(name), pixel.MsgSetNameAck); err != nil {
		return err
	}
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
	return nil
}

func (d *Die) Blink(ctx context.Context, color pixel.Color, opts pixel.BlinkOptions) error {
	_, err := d.request(ctx, encodeBlink(color, opts), pixel.MsgBlinkAck)
	return err
}

func (d *Die) SendAndWaitForResponse(ctx context.Context, msg, ack pixel.MessageType) error {
	_, err := d.request(ctx, []byte{byte(msg)}, ack)
	return err
}

// TransferDataSet uploads a lighting profile with bulk data messages.
func (d *Die) TransferDataSet(ctx context.Context, ds pixel.DataSet) error {
	data := ds.Bytes()
	resp, err := d.request(ctx, encodeTransferHeader(ds, data), pixel.MsgTransferAnimationSetAck)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] == 0 {
		return fmt.Errorf("die refused a data set of %d bytes", len(data))
	}

	finished, cancelFinished := d.expect(pixel.MsgTransferAnimationSetFinished)
	defer cancelFinished()
	for _, chunk := range bulkChunks(data) {
		if _, err := d.request(ctx, chunk, pixel.MsgBulkDataAck); err != nil {
			return fmt.Errorf("bulk data: %w", err)
		}
	}
	if _, err := d.await(ctx, finished, pixel.MsgTransferAnimationSetFinished); err != nil {
		return err
	}

	d.mu.Lock()
	d.profileHash = pixel.ComputeHash(data)
	d.brightness = ds.Brightness()
	d.mu.Unlock()
	d.logger.WithField("size", len(data)).Info("Data set transferred")
	return nil
}

// Close releases the event goroutine. The die must be disconnected.
func (d *Die) Close() {
	d.dispatcher.Close()
}

func (d *Die) identify(ctx context.Context) error {
	resp, err := d.request(ctx, []byte{byte(pixel.MsgWhoAreYou)}, pixel.MsgIAmADie)
	if err != nil {
		return err
	}
	info, err := parseIAmADie(resp)
	if err != nil {
		return err
	}
	if info.PixelID != d.id {
		d.logger.WithField("reported_id", info.PixelID).Warn("Pixel reported another id")
	}
	d.mu.Lock()
	d.firmwareDate = info.BuildTimestamp
	d.profileHash = info.DataSetHash
	if info.LedCount > 0 {
		d.ledCount = info.LedCount
	}
	d.mu.Unlock()
	return nil
}

// request writes payload and waits for the ack message. MsgNone means no
// answer is expected.
func (d *Die) request(ctx context.Context, payload []byte, ack pixel.MessageType) ([]byte, error) {
	var (
		ch     <-chan []byte
		cancel = func() {}
	)
	if ack != pixel.MsgNone {
		ch, cancel = d.expect(ack)
	}
	defer cancel()
	if err := d.send(payload); err != nil {
		return nil, err
	}
	if ack == pixel.MsgNone {
		return nil, nil
	}
	return d.await(ctx, ch, ack)
}

// expect registers a waiter for the next message of type t. Waiters are
// served in registration order.
func (d *Die) expect(t pixel.MessageType) (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	d.mu.Lock()
	d.waiters[t] = append(d.waiters[t], ch)
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		ws := d.waiters[t]
		for i, w := range ws {
			if w == ch {
				d.waiters[t] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
	}
}

func (d *Die) await(ctx context.Context, ch <-chan []byte, t pixel.MessageType) ([]byte, error) {
	timer := time.NewTimer(d.opts.ResponseTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, pixel.ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: waiting for %s", pixel.ErrNoResponse, t)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Die) send(payload []byte) error {
	d.mu.Lock()
	client, write := d.client, d.write
	d.mu.Unlock()
	if client == nil {
		return pixel.ErrNotConnected
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := client.WriteCharacteristic(write, payload, false); err != nil {
		return NormalizeError(err)
	}
	return nil
}

func (d *Die) onNotification(data []byte) {
	if len(data) == 0 {
		return
	}
	msg := append([]byte(nil), data...)
	t := pixel.MessageType(msg[0])
	d.mu.Lock()
	defer d.mu.Unlock()
	ws := d.waiters[t]
	if len(ws) == 0 {
		d.logger.WithField("message", t).Trace("Unsolicited message")
		return
	}
	d.waiters[t] = ws[1:]
	ws[0] <- msg
}

// watchLink reports a link loss when the platform signals it.
func (d *Die) watchLink(client ble.Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		d.logger.Debug("Client does not report disconnections")
		return
	}
	groutine.Go(context.Background(), "pixel-link-"+d.id.String(), func(ctx context.Context) {
		<-dc.Disconnected()
		d.mu.Lock()
		reason := pixel.ReasonLinkLoss
		if d.closing {
			reason = pixel.ReasonSuccess
		}
		d.mu.Unlock()
		d.drop(client, reason)
	})
}

// drop forgets client and reports the disconnection once.
func (d *Die) drop(client ble.Client, reason pixel.DisconnectReason) {
	d.mu.Lock()
	if d.client != client {
		d.mu.Unlock()
		return
	}
	cancelLink := reason != pixel.ReasonSuccess && !d.closing
	d.client = nil
	d.write = nil
	for t, ws := range d.waiters {
		for _, ch := range ws {
			close(ch)
		}
		delete(d.waiters, t)
	}
	d.mu.Unlock()

	if cancelLink {
		if err := client.CancelConnection(); err != nil {
			d.logger.WithError(err).Debug("Cancel connection after link failure")
		}
	}
	if reason == pixel.ReasonLinkLoss {
		d.logger.Warn("Pixel link lost")
	}
	d.setStatus(pixel.StatusDisconnected, reason)
}

func (d *Die) setStatus(status pixel.Status, reason pixel.DisconnectReason) {
	d.mu.Lock()
	if status == pixel.StatusDisconnected {
		d.reason = reason
	}
	d.status = status
	d.mu.Unlock()
	ev := pixel.StatusEvent{Status: status, Reason: reason}
	d.dispatcher.Post(func() { d.statusEvents.Emit(ev) })
}

func findCharacteristics(client ble.Client) (write, notify *ble.Characteristic, err error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover profile: %w", err)
	}
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(ServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			switch {
			case c.UUID.Equal(WriteUUID):
				write = c
			case c.UUID.Equal(NotifyUUID):
				notify = c
			}
		}
	}
	if write == nil || notify == nil {
		return nil, nil, fmt.Errorf("pixels service not found")
	}
	return write, notify, nil
}
