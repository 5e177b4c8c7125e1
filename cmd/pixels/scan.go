package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Pixels dice",
	Long: `Scan for nearby Pixels dice and list their id, name, signal strength,
battery level and firmware build date.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 until Ctrl+C)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var mu sync.Mutex
	found := make(map[pixel.ID]scan.ScannedPixel)
	unsub := s.central.OnAvailability.Subscribe(func(a central.Availability) {
		mu.Lock()
		defer mu.Unlock()
		found[a.Pixel.ID] = a.Pixel
	})
	defer unsub()

	ctx, cancel := signalContext(scanDuration)
	defer cancel()

	fmt.Fprintln(os.Stderr, "Scanning for Pixels dice...")
	release := s.central.ScanForPixels()
	<-ctx.Done()
	release()

	mu.Lock()
	dice := make([]scan.ScannedPixel, 0, len(found))
	for _, sp := range found {
		dice = append(dice, sp)
	}
	mu.Unlock()
	sortScanned(dice)

	if scanFormat == "json" {
		return writeScanJSON(os.Stdout, dice)
	}
	return writeScanTable(os.Stdout, dice)
}

// sortScanned orders the strongest signal first.
func sortScanned(dice []scan.ScannedPixel) {
	sort.Slice(dice, func(i, j int) bool {
		if dice[i].RSSI != dice[j].RSSI {
			return dice[i].RSSI > dice[j].RSSI
		}
		return dice[i].ID < dice[j].ID
	})
}

type scannedJSON struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Address      string `json:"address"`
	RSSI         int    `json:"rssi"`
	BatteryLevel int    `json:"battery_level"`
	IsCharging   bool   `json:"is_charging"`
	FirmwareDate string `json:"firmware_date,omitempty"`
}

func writeScanJSON(w io.Writer, dice []scan.ScannedPixel) error {
	out := make([]scannedJSON, len(dice))
	for i, sp := range dice {
		out[i] = scannedJSON{
			ID:           sp.ID.String(),
			Name:         sp.Name,
			Address:      sp.Address,
			RSSI:         sp.RSSI,
			BatteryLevel: sp.BatteryLevel,
			IsCharging:   sp.IsCharging,
		}
		if !sp.FirmwareDate.IsZero() {
			out[i].FirmwareDate = sp.FirmwareDate.Format(time.RFC3339)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeScanTable(w io.Writer, dice []scan.ScannedPixel) error {
	if len(dice) == 0 {
		_, err := fmt.Fprintln(w, "No dice found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tRSSI\tBATTERY\tFIRMWARE")
	for _, sp := range dice {
		battery := fmt.Sprintf("%d%%", sp.BatteryLevel)
		if sp.IsCharging {
			battery += " (charging)"
		}
		firmware := "-"
		if !sp.FirmwareDate.IsZero() {
			firmware = sp.FirmwareDate.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", sp.ID, sp.Name, sp.Address, sp.RSSI, battery, firmware)
	}
	return tw.Flush()
}
