package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stage int

const (
	stageNone stage = iota
	stageFind
	stageConnect
	stageCelsius
	stageRealtime
	stageSubscribe
	stageSettingsChar
)

// mockCharacteristic records writes and notification subscriptions.
type mockCharacteristic struct {
	adapter *mockAdapter
	uuid    string

	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	n := len(c.writes)
	c.mu.Unlock()

	switch {
	case n == 1 && c.adapter.failing(stageCelsius):
		return fmt.Errorf("mock: write rejected")
	case n == 2 && c.adapter.failing(stageRealtime):
		return fmt.Errorf("mock: write rejected")
	}
	if hang := c.adapter.writeHang(); hang != nil {
		<-hang
	}
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	if c.adapter.failing(stageSubscribe) {
		return fmt.Errorf("mock: subscribe rejected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callback == nil {
		c.adapter.subscribed(1)
	}
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callback != nil {
		c.adapter.subscribed(-1)
	}
	c.callback = nil
	return nil
}

// SimulateNotification pushes data to the current subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	adapter      *mockAdapter
	settings     *mockCharacteristic
	data         *mockCharacteristic
	connected    atomic.Bool
	disconnected atomic.Bool
}

func (c *mockConnection) Characteristic(uuid string) (Characteristic, error) {
	switch uuid {
	case SettingsCharUUID:
		if c.adapter.failing(stageSettingsChar) {
			return nil, ErrCharacteristicNotFound
		}
		return c.settings, nil
	case DataCharUUID:
		return c.data, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", uuid)
	}
}

func (c *mockConnection) Connected() bool { return c.connected.Load() }

func (c *mockConnection) Disconnect() error {
	c.connected.Store(false)
	if c.disconnected.CompareAndSwap(false, true) {
		c.adapter.disconnects.Add(1)
	}
	return nil
}

// SimulateLinkLoss makes the link report down without an explicit event.
func (c *mockConnection) SimulateLinkLoss() {
	c.connected.Store(false)
}

// mockAdapter simulates the BLE adapter with injectable failures.
type mockAdapter struct {
	address string

	mu         sync.Mutex
	fail       stage
	failTimes  int // remaining failures, <0 fails forever
	hang       chan struct{}
	conns      []*mockConnection
	activeSubs int
	maxSubs    int

	disconnects atomic.Int32
	discovers   atomic.Int32
}

func newMockAdapter(address string) *mockAdapter {
	return &mockAdapter{address: address}
}

// failAt makes stage s fail times times, or forever when times < 0.
func (a *mockAdapter) failAt(s stage, times int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = s
	a.failTimes = times
}

func (a *mockAdapter) failing(s stage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != s || a.failTimes == 0 {
		return false
	}
	if a.failTimes > 0 {
		a.failTimes--
	}
	return true
}

func (a *mockAdapter) writeHang() chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hang
}

func (a *mockAdapter) subscribed(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeSubs += delta
	if a.activeSubs > a.maxSubs {
		a.maxSubs = a.activeSubs
	}
}

func (a *mockAdapter) subs() (active, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeSubs, a.maxSubs
}

func (a *mockAdapter) Discover(_ context.Context) ([]Advertisement, error) {
	a.discovers.Add(1)
	return []Advertisement{
		{Address: "11:22:33:44:55:66", Name: "other", RSSI: -80, SeenAt: time.Now()},
		{Address: a.address, Name: "iBBQ", RSSI: -50, SeenAt: time.Now()},
	}, nil
}

func (a *mockAdapter) Find(ctx context.Context, address string) (Advertisement, error) {
	if a.failing(stageFind) || address != a.address {
		<-ctx.Done()
		return Advertisement{}, fmt.Errorf("%s: %w", address, ErrDeviceNotFound)
	}
	return Advertisement{Address: address, Name: "iBBQ", RSSI: -50, SeenAt: time.Now()}, nil
}

func (a *mockAdapter) Connect(_ context.Context, address string) (Connection, error) {
	if a.failing(stageConnect) {
		return nil, fmt.Errorf("mock: connect %s refused", address)
	}
	conn := &mockConnection{adapter: a}
	conn.settings = &mockCharacteristic{adapter: a, uuid: SettingsCharUUID}
	conn.data = &mockCharacteristic{adapter: a, uuid: DataCharUUID}
	conn.connected.Store(true)

	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

func (a *mockAdapter) connections() []*mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*mockConnection(nil), a.conns...)
}

func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
	var _ Connection = (*mockConnection)(nil)
	var _ Characteristic = (*mockCharacteristic)(nil)
}
