package central

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/queue"
	"github.com/srg/pixels/internal/scan"
	"github.com/srg/pixels/internal/scheduler"
)

// The radio never reports that its simultaneous connection limit was hit.
// A die that keeps advertising while we are connecting to it is taken as
// the symptom, as are back to back GATT failures. High priority dice then
// get a slot by disconnecting a connected die ranked below them.

func (c *Central) pixelLogger(id pixel.ID) *logrus.Entry {
	return c.logger.WithField("pixel_id", id.String())
}

func (c *Central) tryConnectLocked(id pixel.ID, priority *queue.Priority) {
	if _, ok := c.registry.Get(id); !ok {
		c.pixelLogger(id).Warn("Ignoring connect request of unregistered pixel")
		return
	}
	if priority == nil && c.queue.Includes(id) {
		return
	}
	p := queue.Low
	if priority != nil {
		p = *priority
	}
	c.queue.Queue(id, p)
}

func (c *Central) onQueued(id pixel.ID) {
	c.connectLocked(id, false)
	q := c.connectQueueLocked()
	c.post(func() { c.OnConnectQueueChanged.Emit(q) })
}

func (c *Central) onDequeued(id pixel.ID) {
	if reg, ok := c.registry.Get(id); ok {
		reg.cancelTimers()
	}
	if sched, ok := c.schedulers.Get(uint32(id)); ok && !sched.CancelConnecting() {
		sched.Schedule(scheduler.Disconnect{})
	}
	q := c.connectQueueLocked()
	c.post(func() { c.OnConnectQueueChanged.Emit(q) })
}

// connectLocked starts connecting a queued die, or scans for it when it was
// never seen. Unless keepTimings is set the release scan window restarts.
func (c *Central) connectLocked(id pixel.ID, keepTimings bool) {
	reg, ok := c.registry.Get(id)
	if !ok {
		c.pixelLogger(id).Error("Connect requested for unregistered pixel")
		return
	}
	if _, ok := c.dice.Get(uint32(id)); ok {
		c.scheduleConnectIfQueuedLocked(id)
		if !keepTimings {
			reg.scanWindowEnd = time.Time{}
			c.scheduleScanLocked(id)
		}
		return
	}
	c.pixelLogger(id).Debug("Pixel not scanned yet, scanning")
	c.runAsync(fmt.Sprintf("wait-scan-%s", id), func(ctx context.Context) {
		c.WaitForScannedPixel(ctx, id)
	})
}

func (c *Central) scheduleConnectIfQueuedLocked(id pixel.ID) {
	reg, ok := c.registry.Get(id)
	if !ok {
		return
	}
	if reg.cancelNextConnect != nil {
		reg.cancelNextConnect()
		reg.cancelNextConnect = nil
	}
	if !c.requester.IsReady() || !c.queue.Includes(id) {
		return
	}
	die, ok := c.dice.Get(uint32(id))
	if !ok || die.Status() != pixel.StatusDisconnected {
		return
	}
	c.pixelLogger(id).Debug("Scheduling connection")
	c.schedulerLocked(id).Schedule(scheduler.Connect{})
}

func (c *Central) scheduleReconnectLocked(id pixel.ID, reg *registration, delay time.Duration) {
	if reg.cancelNextConnect != nil {
		reg.cancelNextConnect()
	}
	reg.cancelNextConnect = c.afterFunc(delay, func() {
		reg.cancelNextConnect = nil
		c.scheduleConnectIfQueuedLocked(id)
	})
}

// scheduleScanLocked opens, or reopens, the scan window of a connecting high
// priority die so a stalled attempt can be spotted from its advertisements.
func (c *Central) scheduleScanLocked(id pixel.ID) {
	reg, ok := c.registry.Get(id)
	if !ok {
		return
	}
	if reg.cancelScan != nil {
		reg.cancelScan()
		reg.cancelScan = nil
	}
	reg.lastScanTime = time.Time{}

	now := c.clock.Now()
	if reg.scanWindowEnd.IsZero() {
		reg.scanWindowEnd = now.Add(c.cfg.ScanWindow)
		if !reg.nextReleaseTime.IsZero() && now.After(reg.nextReleaseTime) {
			reg.nextReleaseTime = time.Time{}
		}
	}

	die, ok := c.dice.Get(uint32(id))
	connecting := ok && die.Status() == pixel.StatusConnecting
	if connecting && reg.nextReleaseTime.IsZero() {
		reg.nextReleaseTime = now.Add(c.cfg.ReleaseInterval)
	}
	if !connecting ||
		!now.Before(reg.scanWindowEnd) ||
		!reg.nextReleaseTime.Before(reg.scanWindowEnd) ||
		!c.queue.IsHighPriority(id) {
		return
	}

	if startDelay := reg.nextReleaseTime.Sub(now); startDelay > 0 {
		reg.cancelScan = c.afterFunc(startDelay, func() {
			reg.cancelScan = nil
			c.scheduleScanLocked(id)
		})
		return
	}

	stopDelay := reg.scanWindowEnd.Sub(now)
	if stopDelay < c.cfg.MinScanDuration {
		return
	}
	c.pixelLogger(id).WithField("duration", stopDelay).Debug("Scanning for stalled connection")
	release := c.requester.RequestScan()
	cancelStop := c.afterFunc(stopDelay, release)
	reg.cancelScan = func() {
		cancelStop()
		release()
	}
}

func (c *Central) onScanList(ops []scan.ListOp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, op := range ops {
		if op.Status == scan.Lost {
			if _, ok := c.registry.Get(op.Pixel.ID); ok {
				ev := ScanEvent{Status: scan.Lost, Pixel: op.Pixel}
				c.post(func() { c.OnPixelScanned.Emit(ev) })
			}
			continue
		}
		c.onScannedPixelLocked(op.Pixel)
	}
}

func (c *Central) onScannedPixelLocked(sp scan.ScannedPixel) {
	id := sp.ID
	c.scanned.Set(uint32(id), sp)

	reg, ok := c.registry.Get(id)
	if !ok {
		c.post(func() { c.OnAvailability.Emit(Availability{Status: Available, Pixel: sp}) })
		return
	}
	c.post(func() { c.OnPixelScanned.Emit(ScanEvent{Status: scan.Scanned, Pixel: sp}) })

	if _, ok := c.dice.Get(uint32(id)); !ok {
		if !c.createPixelLocked(sp) {
			return
		}
	}
	if c.onPixelFoundLocked(id) {
		c.scheduleConnectIfQueuedLocked(id)
		return
	}

	scanTime := sp.Timestamp
	if scanTime.IsZero() {
		scanTime = c.clock.Now()
	}
	stalled := !reg.scanWindowEnd.IsZero() &&
		scanTime.Before(reg.scanWindowEnd.Add(c.cfg.ScanGracePeriod)) &&
		!reg.lastScanTime.IsZero() &&
		scanTime.Sub(reg.lastScanTime) < c.cfg.MaxScanDelta &&
		!reg.nextReleaseTime.IsZero() &&
		reg.lastScanTime.After(reg.nextReleaseTime) &&
		c.queue.IsHighPriority(id)
	if !stalled {
		reg.lastScanTime = scanTime
		return
	}

	die, _ := c.dice.Get(uint32(id))
	if die.Status() == pixel.StatusConnecting {
		c.pixelLogger(id).Info("Pixel still advertising while connecting, releasing a connection")
		disconnected, released := c.tryReleaseOneConnectionLocked(id)
		reg.nextReleaseTime = c.clock.Now().Add(c.cfg.ReleaseInterval)
		ev := ConnectionLimitEvent{Pixel: die, DisconnectedID: disconnected, Released: released}
		c.post(func() { c.OnConnectionLimitReached.Emit(ev) })
	} else {
		reg.nextReleaseTime = reg.nextReleaseTime.Add(c.cfg.ReconnectDelay)
	}
	c.scheduleScanLocked(id)
}

func (c *Central) createPixelLocked(sp scan.ScannedPixel) bool {
	if c.factory == nil {
		return false
	}
	die, err := c.factory(sp)
	if err != nil {
		c.pixelLogger(sp.ID).WithError(err).Error("Failed to create pixel")
		return false
	}
	die, _ = c.dice.GetOrInsert(uint32(sp.ID), die)
	c.attachLocked(sp.ID, die)
	return true
}

// onPixelFoundLocked hooks the die events the first time a registered die
// has a driver object. It reports whether it did.
func (c *Central) onPixelFoundLocked(id pixel.ID) bool {
	reg, ok := c.registry.Get(id)
	if !ok || reg.unhook != nil {
		return false
	}
	die, ok := c.dice.Get(uint32(id))
	if !ok {
		return false
	}
	c.pixelLogger(id).Info("Pixel found")

	unsubStatus := die.SubscribeStatus(func(ev pixel.StatusEvent) {
		c.onConnectionStatus(id, ev)
	})
	unsubOp := c.schedulerLocked(id).OnOperationStatus.Subscribe(func(ev scheduler.OperationStatus) {
		if ev.Status == scheduler.StatusFailed && ev.Operation.Type() == scheduler.TypeConnect {
			c.onConnectOperationFailed(id, ev.Err)
		}
	})
	reg.unhook = func() {
		unsubStatus()
		unsubOp()
	}

	pixels := c.pixelsLocked()
	c.post(func() {
		c.OnPixelsChanged.Emit(pixels)
		c.OnPixelFound.Emit(die)
	})
	return true
}

func (c *Central) onConnectionStatus(id pixel.ID, ev pixel.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registry.Get(id)
	if !ok || c.closed {
		return
	}
	c.pixelLogger(id).WithField("status", ev.Status.String()).Debug("Connection status changed")

	if ev.Status == pixel.StatusConnecting {
		c.scheduleScanLocked(id)
		return
	}

	if ev.Status == pixel.StatusReady && reg.resetSettings {
		reg.resetSettings = false
		c.pixelLogger(id).Info("Resetting settings after firmware update")
		c.schedulerLocked(id).Schedule(scheduler.ResetSettings{})
	}

	switch {
	case ev.Status.IsConnected():
		reg.lastConnectError = nil
		reg.nextReleaseTime = time.Time{}
	case ev.Status == pixel.StatusDisconnected && !reg.nextReleaseTime.IsZero() && ev.Reason == pixel.ReasonTimeout:
		// Push the cool-down forward so release and reconnect do not alternate
		now := c.clock.Now()
		next := reg.nextReleaseTime
		if now.After(next) {
			next = now
		}
		reg.nextReleaseTime = next.Add(c.cfg.ReconnectDelay)
	}

	if reg.cancelScan != nil {
		reg.cancelScan()
		reg.cancelScan = nil
	}
	if ev.Status == pixel.StatusDisconnected && c.queue.Includes(id) {
		if reg.cancelNextConnect == nil {
			c.scheduleReconnectLocked(id, reg, c.cfg.ReconnectDelay)
		}
		return
	}
	if reg.cancelNextConnect != nil {
		reg.cancelNextConnect()
		reg.cancelNextConnect = nil
	}
}

func (c *Central) onConnectOperationFailed(id pixel.ID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registry.Get(id)
	if !ok || c.closed {
		return
	}
	log := c.pixelLogger(id)
	log.WithError(err).Warn("Connection failed")

	now := c.clock.Now()
	last := reg.lastConnectError
	tooManyErrors := last != nil && now.Sub(last.at) < c.cfg.ReconnectDelayTooManyErrors
	delay := c.cfg.ReconnectDelay
	if tooManyErrors {
		delay = c.cfg.ReconnectDelayTooManyErrors
	}
	c.scheduleReconnectLocked(id, reg, delay)

	if !tooManyErrors {
		reg.lastConnectError = &connectFailure{at: now, err: err}
		return
	}
	reg.lastConnectError = nil

	if c.isLimitErr(last.err) && c.isLimitErr(err) &&
		now.Sub(last.at) < c.cfg.ConnectErrorDelta &&
		c.queue.IsHighPriority(id) {
		log.Info("Repeated connection failures, releasing a connection")
		disconnected, released := c.tryReleaseOneConnectionLocked(id)
		die, _ := c.dice.Get(uint32(id))
		ev := ConnectionLimitEvent{Pixel: die, DisconnectedID: disconnected, Released: released}
		c.post(func() { c.OnConnectionLimitReached.Emit(ev) })
		if released {
			c.scheduleConnectIfQueuedLocked(id)
		}
	}
}

// tryReleaseOneConnectionLocked cancels the pending low priority attempts,
// then dequeues the first connected die ranked below id.
func (c *Central) tryReleaseOneConnectionLocked(id pixel.ID) (pixel.ID, bool) {
	for _, low := range c.queue.LowPriorityIDs() {
		if !c.isConnectedLocked(low) {
			c.queue.Dequeue(low)
		}
	}
	ids := c.queue.AllIDs()
	index := slices.Index(ids, id)
	if index < 0 {
		c.pixelLogger(id).Error("Releasing a connection for a pixel not in the connect queue")
		return 0, false
	}
	for _, other := range ids[:index] {
		if c.isConnectedLocked(other) {
			c.pixelLogger(other).Info("Disconnecting pixel to free a connection")
			c.queue.Dequeue(other)
			return other, true
		}
	}
	return 0, false
}

// releaseForScan frees a link when the scanner could not register with the
// radio, provided a high priority die waits for a connection.
func (c *Central) releaseForScan(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.queue.HighPriorityIDs() {
		if c.isConnectedLocked(id) {
			continue
		}
		disconnected, released := c.tryReleaseOneConnectionLocked(id)
		if released {
			die, _ := c.dice.Get(uint32(id))
			ev := ConnectionLimitEvent{Pixel: die, DisconnectedID: disconnected, Released: true}
			c.post(func() { c.OnConnectionLimitReached.Emit(ev) })
		}
		return released
	}
	return false
}

func (c *Central) onReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ready || c.closed {
		return
	}
	c.logger.Info("Radio ready, connecting queued pixels")
	ids := c.queue.AllIDs()
	slices.Reverse(ids)
	for _, id := range ids {
		c.connectLocked(id, false)
	}
}
