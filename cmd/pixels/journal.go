package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/hedzr/go-ringbuf/v2/mpmc"

	"github.com/srg/pixels/internal/central"
	"github.com/srg/pixels/internal/pixel"
	"github.com/srg/pixels/internal/scan"
)

const journalSize = 1024

// EntryKind groups journal entries for display
type EntryKind string

const (
	KindScan       EntryKind = "scan"
	KindConnection EntryKind = "connection"
	KindQueue      EntryKind = "queue"
	KindLimit      EntryKind = "limit"
	KindDFU        EntryKind = "dfu"
	KindError      EntryKind = "error"
)

// Entry is one recorded central event
type Entry struct {
	At      time.Time
	Kind    EntryKind
	Pixel   pixel.ID
	Message string
}

// Journal keeps the latest central events in a ring buffer. Older entries
// are overwritten when the printer falls behind.
type Journal struct {
	buffer      mpmc.RichOverlappedRingBuffer[Entry]
	overwritten atomic.Int64
	now         func() time.Time
}

func NewJournal(size uint32) *Journal {
	return &Journal{
		buffer: mpmc.NewOverlappedRingBuffer[Entry](size),
		now:    time.Now,
	}
}

// Add records an entry stamped with the current time.
func (j *Journal) Add(kind EntryKind, id pixel.ID, format string, args ...any) {
	e := Entry{At: j.now(), Kind: kind, Pixel: id, Message: fmt.Sprintf(format, args...)}
	overwrites, err := j.buffer.EnqueueM(e)
	if err != nil {
		return
	}
	j.overwritten.Add(int64(overwrites))
}

// Drain removes and returns the buffered entries, oldest first.
func (j *Journal) Drain() []Entry {
	var out []Entry
	for !j.buffer.IsEmpty() {
		e, err := j.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// Overwritten returns how many entries were lost to overflow.
func (j *Journal) Overwritten() int64 {
	return j.overwritten.Load()
}

// Attach records the events of c until the returned function is called.
func (j *Journal) Attach(c *central.Central) (detach func()) {
	var mu sync.Mutex
	watched := make(map[pixel.ID]func())

	unsubs := []func(){
		c.OnRegisterPixel.Subscribe(func(id pixel.ID) {
			j.Add(KindQueue, id, "registered")
		}),
		c.OnUnregisterPixel.Subscribe(func(id pixel.ID) {
			j.Add(KindQueue, id, "unregistered")
		}),
		c.OnPixelFound.Subscribe(func(p pixel.Pixel) {
			j.Add(KindScan, p.ID(), "found %q", p.Name())
			mu.Lock()
			defer mu.Unlock()
			if _, ok := watched[p.ID()]; ok {
				return
			}
			watched[p.ID()] = p.SubscribeStatus(func(ev pixel.StatusEvent) {
				if ev.Status == pixel.StatusDisconnected {
					j.Add(KindConnection, p.ID(), "%s (%s)", ev.Status, ev.Reason)
					return
				}
				j.Add(KindConnection, p.ID(), "%s", ev.Status)
			})
		}),
		c.OnPixelScanned.Subscribe(func(ev central.ScanEvent) {
			if ev.Status == scan.Lost {
				j.Add(KindScan, ev.Pixel.ID, "lost")
			}
		}),
		c.OnConnectionLimitReached.Subscribe(func(ev central.ConnectionLimitEvent) {
			if ev.Released {
				j.Add(KindLimit, ev.Pixel.ID(), "connection limit reached, released %s", ev.DisconnectedID)
				return
			}
			j.Add(KindLimit, ev.Pixel.ID(), "connection limit reached")
		}),
		c.OnConnectQueueChanged.Subscribe(func(q central.ConnectQueue) {
			j.Add(KindQueue, 0, "queue high=%v low=%v", q.High, q.Low)
		}),
		c.OnPixelInDFUChanged.Subscribe(func(t central.DFUTarget) {
			if t.Active {
				j.Add(KindDFU, t.ID, "firmware update started")
				return
			}
			j.Add(KindDFU, t.ID, "firmware update ended")
		}),
		c.SubscribeScanError(func(err error) {
			j.Add(KindError, 0, "scan error: %v", err)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
		mu.Lock()
		defer mu.Unlock()
		for id, u := range watched {
			u()
			delete(watched, id)
		}
	}
}

var kindColors = map[EntryKind]*color.Color{
	KindScan:       color.New(color.FgCyan),
	KindConnection: color.New(color.FgGreen),
	KindQueue:      color.New(color.FgBlue),
	KindLimit:      color.New(color.FgYellow),
	KindDFU:        color.New(color.FgMagenta),
	KindError:      color.New(color.FgRed),
}

// PrintEntries writes entries one per line with a colored kind.
func PrintEntries(w io.Writer, entries []Entry) {
	for _, e := range entries {
		kind := fmt.Sprintf("%-10s", e.Kind)
		if c, ok := kindColors[e.Kind]; ok {
			kind = c.Sprint(kind)
		}
		subject := "-"
		if e.Pixel != 0 {
			subject = e.Pixel.String()
		}
		fmt.Fprintf(w, "%s %s %-8s %s\n", e.At.Format("15:04:05.000"), kind, subject, e.Message)
	}
}
