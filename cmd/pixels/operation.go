package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/queue"
	"github.com/srg/pixels/internal/scheduler"
)

var blinkCmd = &cobra.Command{
	Use:   "blink ID...",
	Short: "Blink dice",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBlink,
}

var renameCmd = &cobra.Command{
	Use:   "rename ID NAME",
	Short: "Rename a die",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

var turnOffCmd = &cobra.Command{
	Use:   "turn-off ID...",
	Short: "Turn dice off",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTurnOff,
}

var (
	blinkColor string
	opTimeout  time.Duration
)

const readyPollInterval = 200 * time.Millisecond

func init() {
	blinkCmd.Flags().StringVarP(&blinkColor, "color", "c", "ffffff", "Blink color as RRGGBB")
	for _, c := range []*cobra.Command{blinkCmd, renameCmd, turnOffCmd} {
		c.Flags().DurationVarP(&opTimeout, "timeout", "t", 30*time.Second, "Give up after this duration")
	}
}

func runBlink(cmd *cobra.Command, args []string) error {
	color, err := parseColor(blinkColor)
	if err != nil {
		return err
	}
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	return runOperation(cmd, ids, scheduler.Blink{}, func(s *session) {
		s.central.SetBlinkColor(color)
	})
}

func runRename(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	return runOperation(cmd, ids, scheduler.Rename{Name: args[1]}, nil)
}

func runTurnOff(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	return runOperation(cmd, ids, scheduler.TurnOff{}, nil)
}

// runOperation connects each die and runs op on it, one die after the other.
func runOperation(cmd *cobra.Command, ids []pixel.ID, op scheduler.Operation, setup func(*session)) error {
	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	if setup != nil {
		setup(s)
	}

	ctx, cancel := signalContext(opTimeout)
	defer cancel()

	for _, id := range ids {
		s.central.Register(id)
		s.central.TryConnect(id, central.WithPriority(queue.High))
	}

	var errs []error
	for _, id := range ids {
		if err := waitReady(ctx, s.central, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if err := runAndWait(ctx, s.central, id, op); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Printf("%s: %s done\n", id, op.Type())
	}
	s.central.UnregisterAll()
	return errors.Join(errs...)
}

func waitReady(ctx context.Context, c *central.Central, id pixel.ID) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if die, ok := c.GetPixel(id); ok && die.Status() == pixel.StatusReady {
			return nil
		}
		select {
		case <-ctx.Done():
			if _, ok := c.GetPixel(id); !ok {
				return ErrNotFound
			}
			return central.ErrConnectTimeout
		case <-ticker.C:
		}
	}
}

func runAndWait(ctx context.Context, c *central.Central, id pixel.ID, op scheduler.Operation) error {
	done := make(chan scheduler.OperationStatus, 1)
	unsub, err := c.SubscribeScheduler(id, central.SchedulerListeners{
		OnOperationStatus: func(ev scheduler.OperationStatus) {
			if ev.Operation.Type() != op.Type() || !ev.Status.IsTerminal() {
				return
			}
			select {
			case done <- ev:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer unsub()

	if err := c.ScheduleOperation(id, op); err != nil {
		return err
	}
	select {
	case ev := <-done:
		if ev.Status == scheduler.StatusSucceeded {
			return nil
		}
		if ev.Err != nil {
			return fmt.Errorf("%s %s: %w", op.Type(), ev.Status, ev.Err)
		}
		return fmt.Errorf("%s %s", op.Type(), ev.Status)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseColor reads a RRGGBB hex color, with or without a leading #.
func parseColor(s string) (pixel.Color, error) {
	s = strings.TrimPrefix(s, "#")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || len(s) != 6 {
		return pixel.Color{}, fmt.Errorf("invalid color %q, expected RRGGBB", s)
	}
	return pixel.Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}
