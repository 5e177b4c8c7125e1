package central_test

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/dfu"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/queue"
	"github.com/srg/pixels/internal/scheduler"
	"github.com/srg/pixels/internal/testutils"
)

var (
	oldFirmware = time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	newBundle   = dfu.FilesInfo{
		Timestamp:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		FirmwarePath:   "/tmp/firmware.zip",
		BootloaderPath: "/tmp/bootloader.zip",
	}
)

type updateResult struct {
	updated bool
	err     error
}

func (s *CentralSuite) updateAsync(id pixel.ID, opts central.UpdateOptions) <-chan updateResult {
	done := make(chan updateResult, 1)
	go func() {
		updated, err := s.central.TryUpdateFirmware(context.Background(), id, newBundle, opts)
		done <- updateResult{updated, err}
	}()
	return done
}

func (s *CentralSuite) TestFirmwareUpdateOfConnectedDie() {
	s.registerScanned(dieA)
	s.die(dieA).SetFirmwareDate(oldFirmware)
	s.connect(dieA)

	var dfuEvents []central.DFUTarget
	s.central.OnPixelInDFUChanged.Subscribe(func(t central.DFUTarget) {
		s.mu.Lock()
		defer s.mu.Unlock()
		dfuEvents = append(dfuEvents, t)
	})

	s.updater.On("Update", mock.Anything, mock.MatchedBy(func(req dfu.Request) bool {
		return req.PixelID == dieA && req.FirmwarePath == newBundle.FirmwarePath && req.BootloaderPath == newBundle.BootloaderPath
	}), mock.Anything).Return(nil).Once()

	updated, err := s.central.TryUpdateFirmware(context.Background(), dieA, newBundle, central.UpdateOptions{Bootloader: true})
	s.Require().NoError(err)
	s.True(updated)
	s.updater.AssertExpectations(s.T())

	s.Equal([]pixel.ID{dieA}, s.central.ConnectQueue().High, "the die is queued again after the update")
	_, active := s.central.PixelInDFU()
	s.False(active)
	s.Eventually(func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(dfuEvents) == 2
	}, waitFor, tick)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Equal(central.DFUTarget{ID: dieA, Active: true}, dfuEvents[0])
	s.False(dfuEvents[1].Active)
}

func (s *CentralSuite) TestFirmwareUpdateScansAndConnects() {
	s.central.Register(dieA)
	s.die(dieA)
	s.updater.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	done := s.updateAsync(dieA, central.UpdateOptions{})
	s.Eventually(func() bool { return s.scanner.Starts() > 0 }, waitFor, tick)
	s.scanner.Scanned(testutils.NewScannedPixel(dieA).WithFirmwareDate(oldFirmware).Build())

	var r updateResult
	s.Eventually(func() bool {
		select {
		case r = <-done:
			return true
		default:
			s.clock.Add(time.Second)
			return false
		}
	}, waitFor, tick)
	s.Require().NoError(r.err)
	s.True(r.updated)
	s.GreaterOrEqual(s.die(dieA).CallCount("Connect"), 1)
	s.updater.AssertExpectations(s.T())
}

func (s *CentralSuite) TestFirmwareUpdatePreemptsLowPriorityAttempts() {
	s.registerScanned(dieA, dieB)
	s.die(dieA).SetFirmwareDate(oldFirmware)
	finish := s.die(dieB).StallConnect()
	defer finish(errors.New("test over"))
	s.central.TryConnect(dieB)
	s.Eventually(func() bool { return s.die(dieB).Status() == pixel.StatusConnecting }, waitFor, tick)

	s.updater.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	done := s.updateAsync(dieA, central.UpdateOptions{})

	var r updateResult
	s.Eventually(func() bool {
		select {
		case r = <-done:
			return true
		default:
			s.clock.Add(time.Second)
			return false
		}
	}, waitFor, tick)
	s.Require().NoError(r.err)
	s.True(r.updated)
	s.NotContains(s.central.ConnectQueue().Low, dieB)
}

func (s *CentralSuite) TestSecondFirmwareUpdateIsRejected() {
	s.registerScanned(dieA)
	s.die(dieA).SetFirmwareDate(oldFirmware)
	s.connect(dieA)

	release := make(chan struct{})
	s.updater.On("Update", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil).Once()

	first := s.updateAsync(dieA, central.UpdateOptions{})
	s.Eventually(func() bool {
		_, active := s.central.PixelInDFU()
		return active
	}, waitFor, tick)

	updated, err := s.central.TryUpdateFirmware(context.Background(), dieA, newBundle, central.UpdateOptions{Force: true})
	s.ErrorIs(err, central.ErrFirmwareUpdateInProgress)
	s.False(updated)

	id, active := s.central.PixelInDFU()
	s.True(active, "the running update is not affected")
	s.Equal(dieA, id)

	close(release)
	r := <-first
	s.Require().NoError(r.err)
	s.True(r.updated)
	s.updater.AssertNumberOfCalls(s.T(), "Update", 1)
}

func (s *CentralSuite) TestUpToDateFirmwareIsSkipped() {
	s.registerScanned(dieA)
	s.connect(dieA)

	bundle := newBundle
	bundle.Timestamp = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, err := s.central.TryUpdateFirmware(context.Background(), dieA, bundle, central.UpdateOptions{})
	s.NoError(err)
	s.False(updated)
	s.updater.AssertNotCalled(s.T(), "Update", mock.Anything, mock.Anything, mock.Anything)

	s.updater.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	updated, err = s.central.TryUpdateFirmware(context.Background(), dieA, bundle, central.UpdateOptions{Force: true})
	s.NoError(err)
	s.True(updated)
}

func (s *CentralSuite) TestFirmwareUpdateOfUnknownDie() {
	_, err := s.central.TryUpdateFirmware(context.Background(), dieC, newBundle, central.UpdateOptions{})
	s.ErrorIs(err, central.ErrNotRegistered)

	s.central.Register(dieC)
	done := s.updateAsync(dieC, central.UpdateOptions{})
	s.Eventually(func() bool { return s.scanner.Starts() > 0 }, waitFor, tick)
	s.clock.Add(10 * time.Second)

	r := <-done
	s.ErrorIs(r.err, central.ErrDieNotFound)
	_, active := s.central.PixelInDFU()
	s.False(active)
}

func (s *CentralSuite) TestFirmwareUpdateConnectTimeout() {
	s.registerScanned(dieA)
	s.die(dieA).SetFirmwareDate(oldFirmware)
	finish := s.die(dieA).StallConnect()
	defer finish(errors.New("test over"))

	done := s.updateAsync(dieA, central.UpdateOptions{})
	s.Eventually(func() bool { return s.scanner.Starts() > 0 }, waitFor, tick)
	s.scanner.Scanned(testutils.NewScannedPixel(dieA).WithFirmwareDate(oldFirmware).Build())

	var r updateResult
	s.Eventually(func() bool {
		select {
		case r = <-done:
			return true
		default:
			s.clock.Add(time.Second)
			return false
		}
	}, waitFor, tick)
	s.ErrorIs(r.err, central.ErrConnectTimeout)
	s.Empty(s.central.ConnectQueue().High)
	s.updater.AssertNotCalled(s.T(), "Update", mock.Anything, mock.Anything, mock.Anything)
}

func (s *CentralSuite) TestFirmwareUpdateFailureIsReported() {
	s.registerScanned(dieA)
	s.die(dieA).SetFirmwareDate(oldFirmware)
	s.connect(dieA, central.WithPriority(queue.High))

	s.updater.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("upload failed")).Times(3)

	updated, err := s.central.TryUpdateFirmware(context.Background(), dieA, newBundle, central.UpdateOptions{})
	s.False(updated)
	var fwErr *central.FirmwareUpdateError
	s.Require().ErrorAs(err, &fwErr)
	s.Equal(scheduler.StatusFailed, fwErr.Status)
	s.EqualError(fwErr.Err, "upload failed")
	s.Equal([]pixel.ID{dieA}, s.central.ConnectQueue().High)
}

func (s *CentralSuite) TestUnregisterDropsPendingFirmwareUpdate() {
	s.registerScanned(dieA)
	s.die(dieA).SetFirmwareDate(oldFirmware)
	s.connect(dieA)

	finish := s.die(dieA).StallCall("Rename")
	defer finish()
	s.Require().NoError(s.central.ScheduleOperation(dieA, scheduler.Rename{Name: "busy"}))
	s.Eventually(func() bool {
		return s.central.CurrentOperation(dieA) == scheduler.Rename{Name: "busy"}
	}, waitFor, tick)

	queued := make(chan struct{}, 1)
	unsub, err := s.central.SubscribeScheduler(dieA, central.SchedulerListeners{
		OnOperationStatus: func(ev scheduler.OperationStatus) {
			if ev.Operation.Type() == scheduler.TypeUpdateFirmware && ev.Status == scheduler.StatusQueued {
				queued <- struct{}{}
			}
		},
	})
	s.Require().NoError(err)
	defer unsub()

	done := s.updateAsync(dieA, central.UpdateOptions{})
	s.Eventually(func() bool {
		select {
		case <-queued:
			return true
		default:
			return false
		}
	}, waitFor, tick)

	s.central.Unregister(dieA)

	r := <-done
	var fwErr *central.FirmwareUpdateError
	s.Require().ErrorAs(r.err, &fwErr)
	s.Equal(scheduler.StatusDropped, fwErr.Status)
	s.Empty(s.central.ConnectQueue().Low)

	finish()
	s.Eventually(func() bool { return s.die(dieA).Status() == pixel.StatusDisconnected }, waitFor, tick)
	s.updater.AssertNotCalled(s.T(), "Update", mock.Anything, mock.Anything, mock.Anything)
}

func (s *CentralSuite) TestFirmwareUpdateResetsSettingsOfOldSmallDice() {
	clearSettings := pixel.MsgClearSettings.String()
	tests := []struct {
		name     string
		date     time.Time
		leds     int
		expected int
	}{
		{name: "old firmware with six leds", date: oldFirmware, leds: 6, expected: 1},
		{name: "firmware built on the cutoff day", date: time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC), leds: 1, expected: 1},
		{name: "newer firmware", date: time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC), leds: 6, expected: 0},
		{name: "twenty leds", date: oldFirmware, leds: 20, expected: 0},
	}

	for i, tt := range tests {
		s.Run(tt.name, func() {
			id := pixel.ID(0xD0D0D000 + i)
			s.registerScanned(id)
			s.Eventually(func() bool {
				_, ok := s.central.GetPixel(id)
				return ok
			}, waitFor, tick)
			s.die(id).SetFirmwareDate(tt.date)
			s.die(id).SetLedCount(tt.leds)
			s.connect(id)
			s.updater.On("Update", mock.Anything, mock.MatchedBy(func(req dfu.Request) bool {
				return req.PixelID == id
			}), mock.Anything).Return(nil).Once()

			updated, err := s.central.TryUpdateFirmware(context.Background(), id, newBundle, central.UpdateOptions{})
			s.Require().NoError(err)
			s.True(updated)

			if tt.expected == 0 {
				s.Never(func() bool { return s.die(id).CallCount(clearSettings) > 0 }, 50*time.Millisecond, tick)
				return
			}
			s.Eventually(func() bool { return s.die(id).CallCount(clearSettings) == tt.expected }, waitFor, tick)
		})
	}
}

func (s *CentralSuite) TestSettingsResetWaitsForReconnection() {
	s.registerScanned(dieA)
	s.die(dieA).SetFirmwareDate(oldFirmware)
	s.die(dieA).SetLedCount(6)
	s.connect(dieA)

	// The die reboots at the end of the update
	s.updater.On("Update", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			s.die(dieA).SetStatus(pixel.StatusDisconnected, pixel.ReasonLinkLoss)
		}).
		Return(nil).Once()

	updated, err := s.central.TryUpdateFirmware(context.Background(), dieA, newBundle, central.UpdateOptions{})
	s.Require().NoError(err)
	s.True(updated)

	clearSettings := pixel.MsgClearSettings.String()
	s.Eventually(func() bool { return s.die(dieA).CallCount(clearSettings) == 1 }, waitFor, tick)
	s.Equal(pixel.StatusReady, s.die(dieA).Status())
	s.Equal([]string{"Connect", "Connect", clearSettings}, s.die(dieA).Calls())
}
