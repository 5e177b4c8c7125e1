package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "pixels",
	Short: "Pixels dice fleet manager",
	Long: `Manage a fleet of Pixels dice over Bluetooth Low Energy:

- Scan for nearby dice and report their battery and firmware
- Keep registered dice connected, reconnecting after link losses
- Blink and rename dice
- Update the die firmware through an external DFU tool

Timings of the connection manager can be tuned with --config.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("pixels %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(blinkCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(turnOffCmd)
	rootCmd.AddCommand(updateCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "YAML file overriding the connection manager timings")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Shortcut for --log-level debug")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
