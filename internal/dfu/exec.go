package dfu

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Placeholders expanded in ExecUpdater arguments
const (
	ArgPackage = "{package}"
	ArgAddress = "{address}"
	ArgPixelID = "{pixel_id}"
	ArgResume  = "{resume}"
)

var percentPattern = regexp.MustCompile(`(\d{1,3})\s*%`)

// ExecUpdater runs an external DFU tool once per package (bootloader first,
// then firmware) and reads progress percentages from its output.
type ExecUpdater struct {
	Command string
	Args    []string
	Logger  *logrus.Logger
}

// Update implements Updater.
func (u *ExecUpdater) Update(ctx context.Context, req Request, cb Callbacks) error {
	logger := u.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var packages []string
	if req.BootloaderPath != "" {
		packages = append(packages, req.BootloaderPath)
	}
	if req.FirmwarePath != "" {
		packages = append(packages, req.FirmwarePath)
	}
	if len(packages) == 0 {
		return fmt.Errorf("no firmware package for die %s", req.PixelID)
	}

	cb.state(StateInitializing)
	for i, pkg := range packages {
		log := logger.WithFields(logrus.Fields{
			"pixel_id": req.PixelID.String(),
			"package":  pkg,
		})
		log.Info("Starting DFU")

		err := u.run(ctx, req, pkg, func(percent int) {
			cb.progress((i*100 + percent) / len(packages))
		}, cb)
		if err != nil {
			log.WithError(err).Error("DFU error")
			cb.state(StateErrored)
			return err
		}
	}
	cb.state(StateCompleted)
	return nil
}

func (u *ExecUpdater) run(ctx context.Context, req Request, pkg string, onPercent func(int), cb Callbacks) error {
	args := make([]string, len(u.Args))
	for i, a := range u.Args {
		a = strings.ReplaceAll(a, ArgPackage, pkg)
		a = strings.ReplaceAll(a, ArgAddress, req.SystemID)
		a = strings.ReplaceAll(a, ArgPixelID, req.PixelID.String())
		a = strings.ReplaceAll(a, ArgResume, strconv.FormatBool(req.RecoverFromUploadError))
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, u.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	cb.state(StateConnecting)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", u.Command, err)
	}

	uploading := false
	readProgress(stdout, func(percent int) {
		if !uploading {
			uploading = true
			cb.state(StateUploading)
		}
		onPercent(percent)
	})

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s failed: %w", u.Command, err)
	}
	return nil
}

func readProgress(r io.Reader, onPercent func(int)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m := percentPattern.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		if p, err := strconv.Atoi(m[1]); err == nil && p <= 100 {
			onPercent(p)
		}
	}
}
