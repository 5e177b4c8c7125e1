package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/queue"
)

var connectCmd = &cobra.Command{
	Use:   "connect ID...",
	Short: "Keep dice connected",
	Long: `Register the given dice and keep them connected until Ctrl+C,
printing connection events as they happen. Dice are reconnected after link
losses. When the radio connection limit is reached, low priority dice are
disconnected to let high priority ones in.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConnect,
}

var (
	connectDuration time.Duration
	connectLow      bool
)

const journalFlushInterval = 250 * time.Millisecond

func init() {
	connectCmd.Flags().DurationVarP(&connectDuration, "duration", "d", 0, "Stop after this duration (0 until Ctrl+C)")
	connectCmd.Flags().BoolVar(&connectLow, "low-priority", false, "Queue the dice with low priority")
}

func runConnect(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	priority := queue.High
	if connectLow {
		priority = queue.Low
	}
	for _, id := range ids {
		s.central.Register(id)
		s.central.TryConnect(id, central.WithPriority(priority))
	}

	ctx, cancel := signalContext(connectDuration)
	defer cancel()

	ticker := time.NewTicker(journalFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			PrintEntries(os.Stdout, s.journal.Drain())
			if n := s.journal.Overwritten(); n > 0 {
				fmt.Fprintf(os.Stderr, "%d events were dropped\n", n)
			}
			s.central.UnregisterAll()
			return nil
		case <-ticker.C:
			PrintEntries(os.Stdout, s.journal.Drain())
		}
	}
}
