//go:build linux

package radio

import (
	"context"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/srg/pixels/internal/groutine"
)

const (
	bluezService   = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsChanged   = propsIface + ".PropertiesChanged"
	poweredProp    = "Powered"
	defaultAdapter = "hci0"
)

// BlueZ follows the Powered property of a BlueZ adapter over the system bus.
type BlueZ struct {
	*Static
	bus     *dbus.Conn
	signals chan *dbus.Signal
	logger  *logrus.Entry
}

// NewBlueZ watches adapter, "hci0" when empty.
func NewBlueZ(adapter string, logger *logrus.Logger) (*BlueZ, error) {
	if adapter == "" {
		adapter = defaultAdapter
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("radio: connect system bus: %w", err)
	}
	path := dbus.ObjectPath("/org/bluez/" + adapter)

	powered, err := bus.Object(bluezService, path).GetProperty(adapterIface + "." + poweredProp)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("radio: read %s power state: %w", adapter, err)
	}
	ready, _ := powered.Value().(bool)

	if err := bus.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		bus.Close()
		return nil, fmt.Errorf("radio: subscribe to %s: %w", adapter, err)
	}

	w := &BlueZ{
		Static:  NewStatic(ready, logger),
		bus:     bus,
		signals: make(chan *dbus.Signal, 16),
		logger:  logger.WithField("adapter", adapter),
	}
	bus.Signal(w.signals)
	groutine.Go(context.Background(), "bluez-watcher-"+adapter, w.run)

	w.logger.WithField("powered", ready).Debug("Watching Bluetooth adapter")
	return w, nil
}

func (w *BlueZ) run(ctx context.Context) {
	for sig := range w.signals {
		if sig.Name != propsChanged || len(sig.Body) < 2 {
			continue
		}
		if iface, _ := sig.Body[0].(string); iface != adapterIface {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		if v, ok := changed[poweredProp]; ok {
			powered, _ := v.Value().(bool)
			w.logger.WithField("powered", powered).Info("Bluetooth adapter power changed")
			w.Set(powered)
		}
	}
}

func (w *BlueZ) Close() error {
	w.bus.RemoveSignal(w.signals)
	close(w.signals)
	err := w.bus.Close()
	_ = w.Static.Close()
	return err
}

// NewDefault returns the watcher of the default BlueZ adapter.
func NewDefault(logger *logrus.Logger) (Watcher, error) {
	w, err := NewBlueZ("", logger)
	if err != nil {
		return nil, err
	}
	return w, nil
}
