package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/dfu"
	"github.com/srg/pixels/internal/driver/goble"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/radio"
	"github.com/srg/pixels/internal/scan"
	"github.com/srg/pixels/pkg/config"
)

// session owns the Bluetooth stack and the central of one command run.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	watcher radio.Watcher
	scanner *goble.Scanner
	central *central.Central
	journal *Journal
	detach  func()
}

func newSession(cmd *cobra.Command, updater dfu.Updater) (*session, error) {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return nil, err
	}
	// All arguments validated, don't show usage on runtime errors
	cmd.SilenceUsage = true

	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", goble.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	watcher, err := radio.NewDefault(logger)
	if err != nil {
		logger.WithError(err).Warn("Cannot follow the adapter power state, assuming it is on")
		watcher = radio.NewStatic(true, logger)
	}

	scanner := goble.NewScanner(goble.DeviceScan(dev), watcher, goble.ScannerOptions{Logger: logger})
	dieOpts := goble.DieOptions{Logger: logger}
	c := central.New(central.Options{
		Config:  cfg,
		Scanner: scanner,
		Factory: func(sp scan.ScannedPixel) (pixel.Pixel, error) {
			return goble.NewDie(dev, sp, dieOpts), nil
		},
		Updater: updater,
		Logger:  logger,
	})

	journal := NewJournal(journalSize)
	return &session{
		cfg:     cfg,
		logger:  logger,
		watcher: watcher,
		scanner: scanner,
		central: c,
		journal: journal,
		detach:  journal.Attach(c),
	}, nil
}

func (s *session) Close() {
	s.detach()
	s.central.Close()
	if err := s.scanner.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close scanner")
	}
	if err := s.watcher.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close radio watcher")
	}
}

// signalContext is cancelled on Ctrl+C, or after d when d > 0.
func signalContext(d time.Duration) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Println("\nCtrl+C pressed, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// parseIDs reads pixel ids given in hexadecimal, with or without 0x.
func parseIDs(args []string) ([]pixel.ID, error) {
	ids := make([]pixel.ID, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(a), "0x"), 16, 32)
		if err != nil || v == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPixel, a)
		}
		ids = append(ids, pixel.ID(v))
	}
	return ids, nil
}
