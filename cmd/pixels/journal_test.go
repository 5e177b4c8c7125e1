package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/scan"
	"github.com/srg/pixels/internal/scheduler"
)

func TestJournal_DrainReturnsEntriesInOrder(t *testing.T) {
	j := NewJournal(16)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	j.now = func() time.Time { return at }

	j.Add(KindScan, 0xAB, "found %q", "Pixel")
	j.Add(KindConnection, 0xAB, "ready")

	entries := j.Drain()
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{At: at, Kind: KindScan, Pixel: 0xAB, Message: `found "Pixel"`}, entries[0])
	assert.Equal(t, "ready", entries[1].Message)
	assert.Empty(t, j.Drain())
	assert.Zero(t, j.Overwritten())
}

func TestJournal_KeepsNewestOnOverflow(t *testing.T) {
	j := NewJournal(4)
	for i := 0; i < 20; i++ {
		j.Add(KindQueue, 1, "%d", i)
	}
	entries := j.Drain()
	require.NotEmpty(t, entries)
	assert.LessOrEqual(t, len(entries), 4)
	assert.Equal(t, "19", entries[len(entries)-1].Message)
	assert.Positive(t, j.Overwritten())
}

func TestPrintEntries(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = noColor }()

	at := time.Date(2025, 1, 2, 3, 4, 5, 600_000_000, time.UTC)
	var buf bytes.Buffer
	PrintEntries(&buf, []Entry{
		{At: at, Kind: KindLimit, Pixel: 0x1234, Message: "connection limit reached"},
		{At: at, Kind: KindQueue, Message: "queue high=[] low=[]"},
	})
	assert.Equal(t,
		"03:04:05.600 limit      00001234 connection limit reached\n"+
			"03:04:05.600 queue      -        queue high=[] low=[]\n",
		buf.String())
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1a2b3c4d", "0xFF"})
	require.NoError(t, err)
	assert.Equal(t, []pixel.ID{0x1A2B3C4D, 0xFF}, ids)

	for _, bad := range []string{"", "0", "xyz", "100000000"} {
		_, err := parseIDs([]string{bad})
		assert.ErrorIs(t, err, ErrInvalidPixel, bad)
	}
}

func TestParseColor(t *testing.T) {
	c, err := parseColor("#FF8000")
	require.NoError(t, err)
	assert.Equal(t, pixel.Color{R: 0xFF, G: 0x80}, c)

	_, err = parseColor("fff")
	assert.Error(t, err)
	_, err = parseColor("zzzzzz")
	assert.Error(t, err)
}

func TestParseBuildDate(t *testing.T) {
	d, err := parseBuildDate("2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), d)

	d, err = parseBuildDate("2024-06-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 10, d.Hour())

	_, err = parseBuildDate("June")
	assert.Error(t, err)
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", central.ErrConnectTimeout), "the die did not connect in time, make sure it is nearby and awake"},
		{central.ErrDieNotFound, "the die was not found, make sure it is nearby and awake"},
		{&scan.StartFailedError{BluetoothState: scan.BluetoothReady, StartError: scan.StartErrorInternal}, "could not scan (internalError), Bluetooth is ready"},
		{&central.FirmwareUpdateError{Status: scheduler.StatusFailed, Err: errors.New("upload failed")}, "firmware update failed: upload failed"},
		{&pixel.ConnectError{Kind: pixel.ConnectGattFailure}, "connection failed (gattFailure)"},
		{errors.New("plain"), "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUserError(tt.err))
	}
}

func TestSortScanned(t *testing.T) {
	dice := []scan.ScannedPixel{{ID: 3, RSSI: -70}, {ID: 2, RSSI: -40}, {ID: 1, RSSI: -70}}
	sortScanned(dice)
	assert.Equal(t, []pixel.ID{2, 1, 3}, []pixel.ID{dice[0].ID, dice[1].ID, dice[2].ID})
}

func TestWriteScanTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeScanTable(&buf, nil))
	assert.Equal(t, "No dice found\n", buf.String())

	buf.Reset()
	require.NoError(t, writeScanTable(&buf, []scan.ScannedPixel{{
		ID: 0xAB, Name: "D20", Address: "aa:bb", RSSI: -50, BatteryLevel: 80, IsCharging: true,
		FirmwareDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}}))
	assert.Contains(t, buf.String(), "000000AB")
	assert.Contains(t, buf.String(), "80% (charging)")
	assert.Contains(t, buf.String(), "2024-06-01")
}
