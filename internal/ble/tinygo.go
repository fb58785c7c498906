package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// scanStopRetry is how often a cancelled scan retries StopScan while the
// stack is still starting the scan.
const scanStopRetry = 20 * time.Millisecond

// scanner is the scanning half of *bluetooth.Adapter.
type scanner interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// TinygoAdapter implements Adapter with tinygo.org/x/bluetooth.
type TinygoAdapter struct {
	adapter        *bluetooth.Adapter
	scanner        scanner
	connectTimeout time.Duration

	// scanMu serialises scans, the stack supports one at a time.
	scanMu sync.Mutex

	mu    sync.Mutex
	conns map[string]*tinygoConnection // keyed by upper case address
}

func NewTinygoAdapter(adapter *bluetooth.Adapter, connectTimeout time.Duration) *TinygoAdapter {
	if connectTimeout <= 0 {
		connectTimeout = time.Minute
	}
	return &TinygoAdapter{
		adapter:        adapter,
		scanner:        adapter,
		connectTimeout: connectTimeout,
		conns:          make(map[string]*tinygoConnection),
	}
}

// Enable powers on the adapter and installs the disconnect tracking handler.
func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.conns[key]
		delete(a.conns, key)
		a.mu.Unlock()
		if ok {
			slog.Debug("ble: stack reported disconnect", "address", key)
			conn.connected.Store(false)
		}
	})
	return nil
}

// scan runs a scan until ctx is done or onResult returns true.
func (a *TinygoAdapter) scan(ctx context.Context, onResult func(bluetooth.ScanResult) bool) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if ctx.Err() != nil {
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		// StopScan fails until the stack has actually started scanning.
		t := time.NewTicker(scanStopRetry)
		defer t.Stop()
		for {
			if err := a.scanner.StopScan(); err == nil {
				return
			}
			select {
			case <-done:
				return
			case <-t.C:
			}
		}
	}()

	// Scan blocks until StopScan.
	err := a.scanner.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil || onResult(result) {
			_ = a.scanner.StopScan()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

func (a *TinygoAdapter) Discover(ctx context.Context) ([]Advertisement, error) {
	var (
		mu    sync.Mutex
		found []Advertisement
		seen  = map[string]struct{}{}
	)

	err := a.scan(ctx, func(r bluetooth.ScanResult) bool {
		addr := r.Address.String()

		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[addr]; ok {
			// Already known
			return false
		}
		seen[addr] = struct{}{}
		found = append(found, Advertisement{
			Address: addr,
			Name:    r.LocalName(),
			RSSI:    r.RSSI,
			SeenAt:  time.Now(),
		})
		return false
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

func (a *TinygoAdapter) Find(ctx context.Context, address string) (Advertisement, error) {
	var (
		mu    sync.Mutex
		match *Advertisement
	)

	err := a.scan(ctx, func(r bluetooth.ScanResult) bool {
		if !strings.EqualFold(r.Address.String(), address) {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if match == nil {
			match = &Advertisement{
				Address: r.Address.String(),
				Name:    r.LocalName(),
				RSSI:    r.RSSI,
				SeenAt:  time.Now(),
			}
		}
		return true
	})
	if err != nil {
		return Advertisement{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	if match == nil {
		return Advertisement{}, fmt.Errorf("%s: %w", address, ErrDeviceNotFound)
	}
	return *match, nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(a.connectTimeout),
		})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The stack call cannot be cancelled; drop the link if it still comes up.
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("connect %s: %w", address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("connect %s: %w", address, res.err)
		}

		conn := &tinygoConnection{device: res.device, linkUp: newLinkState(address)}
		conn.connected.Store(true)

		a.mu.Lock()
		a.conns[strings.ToUpper(address)] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device    bluetooth.Device
	connected atomic.Bool
	// linkUp asks the host stack whether the link is still up. The connect
	// handler alone misses links dropped by the peripheral.
	linkUp func() (bool, error)

	once  sync.Once
	chars []bluetooth.DeviceCharacteristic
	err   error
}

// discover walks every service once and caches the characteristics.
func (c *tinygoConnection) discover() ([]bluetooth.DeviceCharacteristic, error) {
	c.once.Do(func() {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			c.err = fmt.Errorf("discover services: %w", err)
			return
		}
		for _, svc := range svcs {
			slog.Debug("ble: discovered service", "uuid", svc.UUID().String())
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				c.err = fmt.Errorf("discover characteristics of %s: %w", svc.UUID().String(), err)
				return
			}
			for _, char := range chars {
				slog.Debug("ble: discovered characteristic", "service", svc.UUID().String(), "uuid", char.UUID().String())
			}
			c.chars = append(c.chars, chars...)
		}
	})
	return c.chars, c.err
}

func (c *tinygoConnection) Characteristic(uuid string) (Characteristic, error) {
	want, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("parse uuid %q: %w", uuid, err)
	}

	chars, err := c.discover()
	if err != nil {
		return nil, err
	}
	for i := range chars {
		if chars[i].UUID() == want {
			return &tinygoCharacteristic{char: chars[i]}, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", uuid, ErrCharacteristicNotFound)
}

func (c *tinygoConnection) Connected() bool {
	if !c.connected.Load() {
		return false
	}
	if c.linkUp == nil {
		return true
	}

	up, err := c.linkUp()
	if err != nil {
		slog.Debug("ble: query link state", "err", err)
		up = false
	}
	if !up {
		c.connected.Store(false)
	}
	return up
}

func (c *tinygoConnection) Disconnect() error {
	c.connected.Store(false)
	return c.device.Disconnect()
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}

// Unsubscribe disables notifications; a nil callback turns them off.
func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
