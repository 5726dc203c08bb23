//go:build linux

package hw

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/tandemloop/blelink/logger"
	"github.com/tandemloop/blelink/radio"
)

const (
	bluezService   = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	propsIface     = "org.freedesktop.DBus.Properties"
	defaultAdapter = "/org/bluez/hci0"
)

// PowerWatcher follows the BlueZ controller's Powered property and
// feeds state transitions into an Adapter, so a session manager parks
// and replays work across a toggled controller the same way it does on
// the simulated wire.
type PowerWatcher struct {
	bus  *dbus.Conn
	path dbus.ObjectPath
	sigs chan *dbus.Signal
	done chan struct{}
}

// WatchPower connects to the system bus, reports the controller's
// current power state to the adapter, and streams changes until Stop.
func WatchPower(a *Adapter) (*PowerWatcher, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}

	w := &PowerWatcher{
		bus:  bus,
		path: dbus.ObjectPath(defaultAdapter),
		sigs: make(chan *dbus.Signal, 16),
		done: make(chan struct{}),
	}

	var powered bool
	err = bus.Object(bluezService, w.path).
		Call(propsIface+".Get", 0, adapterIface, "Powered").
		Store(&powered)
	if err != nil {
		return nil, fmt.Errorf("reading %s Powered: %w", w.path, err)
	}
	a.SetPowerState(poweredState(powered))

	err = bus.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(w.path),
	)
	if err != nil {
		return nil, fmt.Errorf("matching property signals: %w", err)
	}
	bus.Signal(w.sigs)

	go w.watch(a)
	return w, nil
}

func (w *PowerWatcher) watch(a *Adapter) {
	for {
		select {
		case sig, ok := <-w.sigs:
			if !ok {
				return
			}
			if sig.Path != w.path || len(sig.Body) < 2 {
				continue
			}
			iface, _ := sig.Body[0].(string)
			if iface != adapterIface {
				continue
			}
			changed, _ := sig.Body[1].(map[string]dbus.Variant)
			v, ok := changed["Powered"]
			if !ok {
				continue
			}
			powered, _ := v.Value().(bool)
			logger.Info("hw", "Controller %s powered=%v", w.path, powered)
			a.SetPowerState(poweredState(powered))
		case <-w.done:
			return
		}
	}
}

// Stop ends the watch and detaches from the bus.
func (w *PowerWatcher) Stop() {
	close(w.done)
	w.bus.RemoveSignal(w.sigs)
	w.bus.RemoveMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(w.path),
	)
}

func poweredState(powered bool) radio.State {
	if powered {
		return radio.StatePoweredOn
	}
	return radio.StatePoweredOff
}
