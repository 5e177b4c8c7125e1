package central

import (
	"context"
	"time"

	"github.com/srg/pixels/internal/dfu"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/queue"
	"github.com/srg/pixels/internal/scheduler"
)

// UpdateOptions customizes TryUpdateFirmware
type UpdateOptions struct {
	// Bootloader also flashes files.BootloaderPath
	Bootloader bool
	// Force updates even when the die firmware is not older than the bundle
	Force bool
}

// TryUpdateFirmware connects die id and flashes the firmware bundle. It
// reports false without error when the die is already up to date. Only one
// update runs at a time across the fleet.
func (c *Central) TryUpdateFirmware(ctx context.Context, id pixel.ID, files dfu.FilesInfo, opts UpdateOptions) (bool, error) {
	log := c.pixelLogger(id)

	c.mu.Lock()
	if c.dfuTarget.Active {
		c.mu.Unlock()
		return false, ErrFirmwareUpdateInProgress
	}
	if _, ok := c.registry.Get(id); !ok {
		c.mu.Unlock()
		return false, ErrNotRegistered
	}
	c.setDFUTargetLocked(DFUTarget{ID: id, Active: true})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.setDFUTargetLocked(DFUTarget{})
		c.mu.Unlock()
	}()

	var scannedDate time.Time
	freshlyScanned := false
	if !c.isConnected(id) {
		log.Debug("Scanning for pixel before firmware update")
		if sp, ok := c.WaitForScannedPixel(ctx, id); ok {
			scannedDate = sp.FirmwareDate
			freshlyScanned = true
		}
	}

	die, ok := c.GetPixel(id)
	if !ok {
		return false, ErrDieNotFound
	}
	dieDate := scannedDate
	if die.Status().IsConnected() || dieDate.IsZero() {
		dieDate = die.FirmwareDate()
	}
	if dieDate.IsZero() {
		return false, ErrDieNotFound
	}
	if !opts.Force && dfu.CheckAvailability(dieDate, files.Timestamp) != dfu.AvailabilityOutdated {
		log.WithField("firmware_date", dieDate).Info("Firmware is up to date, skipping update")
		return false, nil
	}

	if !die.Status().IsConnected() {
		if err := c.connectForUpdate(ctx, id, die, freshlyScanned); err != nil {
			return false, err
		}
	}

	c.mu.Lock()
	_, registered := c.registry.Get(id)
	sched, ok := c.schedulers.Get(uint32(id))
	c.mu.Unlock()
	if !registered || !ok {
		return false, ErrNotRegistered
	}

	op := scheduler.UpdateFirmware{FirmwarePath: files.FirmwarePath}
	if opts.Bootloader {
		op.BootloaderPath = files.BootloaderPath
	}
	log.WithField("firmware", files.FirmwarePath).Info("Updating firmware")
	status, err := sched.ScheduleAndWait(ctx, op, func() {
		// Keep the reconnection logic away while the die reboots
		c.mu.Lock()
		defer c.mu.Unlock()
		c.queue.Dequeue(id)
	})

	high := queue.High
	c.mu.Lock()
	if _, ok := c.registry.Get(id); ok {
		c.tryConnectLocked(id, &high)
	}
	c.mu.Unlock()

	if status != scheduler.StatusSucceeded {
		return false, &FirmwareUpdateError{Status: status, Err: err}
	}
	log.Info("Firmware updated")
	if c.needsResetAfterUpdate(dieDate, die.LedCount()) {
		c.scheduleResetSettings(id, die)
	}
	return true, nil
}

// needsResetAfterUpdate tells whether the settings stored by an older
// firmware must be cleared on a small die.
func (c *Central) needsResetAfterUpdate(oldDate time.Time, ledCount int) bool {
	cutoff, err := c.cfg.ResetSettingsCutoff()
	if err != nil || cutoff.IsZero() || ledCount <= 0 {
		return false
	}
	return !oldDate.After(cutoff) && ledCount <= c.cfg.ResetSettingsMaxLeds
}

// scheduleResetSettings resets the die now when it is ready, otherwise
// on its next ready.
func (c *Central) scheduleResetSettings(id pixel.ID, die pixel.Pixel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registry.Get(id)
	if !ok {
		return
	}
	if die.Status() != pixel.StatusReady {
		reg.resetSettings = true
		return
	}
	c.pixelLogger(id).Info("Resetting settings after firmware update")
	c.schedulerLocked(id).Schedule(scheduler.ResetSettings{})
}

// connectForUpdate queues the die ahead of the pending low priority
// attempts and polls until it is connected.
func (c *Central) connectForUpdate(ctx context.Context, id pixel.ID, die pixel.Pixel, freshlyScanned bool) error {
	high := queue.High
	c.mu.Lock()
	for _, low := range c.queue.LowPriorityIDs() {
		if low != id && !c.isConnectedLocked(low) {
			c.queue.Dequeue(low)
		}
	}
	c.tryConnectLocked(id, &high)
	c.mu.Unlock()

	checks := c.cfg.ReadyChecks
	if freshlyScanned {
		checks = c.cfg.ReadyChecksAfterScan
	}
	for i := 0; i < checks && !die.Status().IsConnected(); i++ {
		select {
		case <-c.clock.After(c.cfg.ReadyCheckInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if die.Status().IsConnected() {
		return nil
	}

	c.pixelLogger(id).Warn("Pixel did not connect in time for the firmware update")
	c.mu.Lock()
	if sched, ok := c.schedulers.Get(uint32(id)); ok {
		sched.CancelConnecting()
	}
	c.queue.Dequeue(id)
	c.mu.Unlock()
	return ErrConnectTimeout
}

func (c *Central) isConnected(id pixel.ID) bool {
	die, ok := c.dice.Get(uint32(id))
	return ok && die.Status().IsConnected()
}

func (c *Central) setDFUTargetLocked(t DFUTarget) {
	c.dfuTarget = t
	c.post(func() { c.OnPixelInDFUChanged.Emit(t) })
}
