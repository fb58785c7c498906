//go:build linux

package ble

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// newLinkState reads org.bluez.Device1.Connected for the peripheral. BlueZ
// flips it when the link drops, which tinygo does not report to centrals.
func newLinkState(address string) func() (bool, error) {
	path := dbus.ObjectPath(bluezDevicePath(bluezAdapterID, address))

	return func() (bool, error) {
		// SystemBus returns a shared connection, it must not be closed.
		bus, err := dbus.SystemBus()
		if err != nil {
			return false, fmt.Errorf("system bus: %w", err)
		}
		v, err := bus.Object("org.bluez", path).GetProperty("org.bluez.Device1.Connected")
		if err != nil {
			return false, fmt.Errorf("read %s Connected: %w", path, err)
		}
		up, ok := v.Value().(bool)
		if !ok {
			return false, fmt.Errorf("read %s Connected: unexpected type %T", path, v.Value())
		}
		return up, nil
	}
}
