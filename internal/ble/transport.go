// Package ble talks to the dual probe thermometer over Bluetooth Low Energy
// and keeps a streaming connection to it alive.
package ble

import (
	"context"
	"errors"
	"time"
)

// Vendor GATT layout of the thermometer.
const (
	SettingsCharUUID = "0000fff5-0000-1000-8000-00805f9b34fb"
	DataCharUUID     = "0000fff4-0000-1000-8000-00805f9b34fb"
)

// Settings commands, written in this order when a session is set up.
var (
	CmdCelsius  = []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
	CmdRealtime = []byte{0x0B, 0x01, 0x00, 0x00, 0x00, 0x00}
)

var (
	ErrDeviceNotFound         = errors.New("device not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrDisconnected           = errors.New("disconnected")
)

// Advertisement is a peripheral seen while scanning.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
	SeenAt  time.Time
}

// Adapter abstracts the host BLE stack.
type Adapter interface {
	// Discover scans until ctx is done and returns every peripheral seen.
	Discover(ctx context.Context) ([]Advertisement, error)
	// Find scans until the peripheral with the given address advertises.
	// It returns ErrDeviceNotFound if ctx is done first.
	Find(ctx context.Context, address string) (Advertisement, error)
	// Connect opens a connection to the peripheral.
	Connect(ctx context.Context, address string) (Connection, error)
}

// Connection is an open link to a peripheral.
type Connection interface {
	// Characteristic looks up a characteristic by UUID in any service.
	Characteristic(uuid string) (Characteristic, error)
	// Connected reports whether the host still considers the link up.
	Connected() bool
	Disconnect() error
}

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic interface {
	Write(data []byte) error
	Subscribe(callback func(data []byte)) error
	Unsubscribe() error
}
