package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/dfu"
)

var updateCmd = &cobra.Command{
	Use:   "update ID...",
	Short: "Update the die firmware",
	Long: `Update the firmware of the given dice, one after the other, with an
external DFU tool. The tool arguments may use the placeholders {package},
{address}, {pixel_id} and {resume}. Dice whose firmware is not older than
the bundle are skipped unless --force is given.

Example:
  pixels update 1A2B3C4D --firmware fw.zip --build-date 2024-06-01 \
    --dfu-tool nrfutil --dfu-arg dfu --dfu-arg ble --dfu-arg -pkg --dfu-arg {package} \
    --dfu-arg -a --dfu-arg {address}`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpdate,
}

var (
	updateFirmware   string
	updateBootloader string
	updateBuildDate  string
	updateTool       string
	updateToolArgs   []string
	updateForce      bool
	updateTimeout    time.Duration
)

func init() {
	updateCmd.Flags().StringVar(&updateFirmware, "firmware", "", "Firmware package")
	updateCmd.Flags().StringVar(&updateBootloader, "bootloader", "", "Bootloader package, flashed before the firmware")
	updateCmd.Flags().StringVar(&updateBuildDate, "build-date", "", "Build date of the bundle (YYYY-MM-DD or RFC3339)")
	updateCmd.Flags().StringVar(&updateTool, "dfu-tool", "nrfutil", "DFU executable")
	updateCmd.Flags().StringArrayVar(&updateToolArgs, "dfu-arg", nil, "DFU executable argument (repeatable)")
	updateCmd.Flags().BoolVar(&updateForce, "force", false, "Update even when the die firmware is up to date")
	updateCmd.Flags().DurationVar(&updateTimeout, "timeout", 10*time.Minute, "Give up after this duration")
	_ = updateCmd.MarkFlagRequired("firmware")
	_ = updateCmd.MarkFlagRequired("build-date")
}

func parseBuildDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid build date %q", s)
	}
	return t, nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	buildDate, err := parseBuildDate(updateBuildDate)
	if err != nil {
		return err
	}
	if len(updateToolArgs) == 0 {
		return errors.New("missing --dfu-arg, the DFU tool needs at least the {package} argument")
	}

	updater := &dfu.ExecUpdater{Command: updateTool, Args: updateToolArgs}
	s, err := newSession(cmd, updater)
	if err != nil {
		return err
	}
	defer s.Close()
	updater.Logger = s.logger

	files := dfu.FilesInfo{
		Timestamp:      buildDate,
		FirmwarePath:   updateFirmware,
		BootloaderPath: updateBootloader,
	}
	opts := central.UpdateOptions{Bootloader: updateBootloader != "", Force: updateForce}

	ctx, cancel := signalContext(updateTimeout)
	defer cancel()

	var errs []error
	for _, id := range ids {
		s.central.Register(id)
		unsub, err := s.central.SubscribeScheduler(id, central.SchedulerListeners{
			OnDfuState: func(st dfu.State) {
				fmt.Printf("%s: %s\n", id, st)
			},
			OnDfuProgress: func(p int) {
				fmt.Printf("\r%s: %3d%%", id, p)
				if p >= 100 {
					fmt.Println()
				}
			},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		updated, err := s.central.TryUpdateFirmware(ctx, id, files, opts)
		unsub()
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		case updated:
			fmt.Printf("%s: firmware updated\n", id)
		default:
			fmt.Printf("%s: firmware is up to date\n", id)
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.central.UnregisterAll()
	return errors.Join(errs...)
}

