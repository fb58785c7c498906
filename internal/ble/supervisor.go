package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options tunes the connection lifecycle.
type Options struct {
	ScanDuration   time.Duration // observability scan before resolving the device
	ResolveTimeout time.Duration // how long to look for the configured device
	RetryDelay     time.Duration // wait after any failure or disconnect
	PollInterval   time.Duration // liveness check while streaming
	OpTimeout      time.Duration // bound on connect, write and (un)subscribe
}

// DefaultOptions returns the timings the thermometer is normally run with.
func DefaultOptions() Options {
	return Options{
		ScanDuration:   5 * time.Second,
		ResolveTimeout: 10 * time.Second,
		RetryDelay:     5 * time.Second,
		PollInterval:   5 * time.Second,
		OpTimeout:      30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ScanDuration <= 0 {
		o.ScanDuration = d.ScanDuration
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = d.ResolveTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = d.OpTimeout
	}
	return o
}

// Observer is told about the link to the thermometer.
type Observer interface {
	Connecting()
	Connected(took time.Duration)
	Disconnected()
}

type Option func(*Supervisor)

func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// WithStateHook registers a function called on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

// session is one connect to disconnect cycle. It never outlives runCycle.
type session struct {
	conn       Connection
	data       Characteristic
	subscribed bool
}

// Supervisor keeps a streaming connection to one thermometer, reconnecting
// forever until its context is cancelled.
type Supervisor struct {
	adapter  Adapter
	address  string
	onNotify func([]byte)
	opts     Options

	observer Observer
	onState  func(State)

	mu    sync.Mutex
	state State
}

func NewSupervisor(adapter Adapter, address string, onNotify func([]byte), opts Options, options ...Option) *Supervisor {
	s := &Supervisor{
		adapter:  adapter,
		address:  address,
		onNotify: onNotify,
		opts:     opts.withDefaults(),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	slog.Debug("ble: state", "state", st.String(), "address", s.address)
	if s.onState != nil {
		s.onState(st)
	}
}

// Run drives the lifecycle until ctx is cancelled. Failures are logged and
// retried after RetryDelay; Run only returns once ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(s.opts.RetryDelay), ctx)

	op := func() error {
		err := s.runCycle(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			// A cycle only ends cleanly on cancellation.
			err = &StageError{State: StateDisconnected, Err: ErrDisconnected}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		var se *StageError
		if errors.As(err, &se) && errors.Is(se.Err, ErrDisconnected) {
			slog.Warn("ble: device disconnected", "address", s.address, "retry_in", wait)
		} else {
			slog.Error("ble: connection cycle failed", "address", s.address, "err", err, "retry_in", wait)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	s.setState(StateIdle)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// runCycle walks discover, connect, configure, subscribe and stream once.
// The session is always torn down before it returns.
func (s *Supervisor) runCycle(ctx context.Context) (err error) {
	defer func() {
		if err == nil || ctx.Err() != nil {
			return
		}
		var se *StageError
		if errors.As(err, &se) && errors.Is(se.Err, ErrDisconnected) {
			s.setState(StateDisconnected)
		} else {
			s.setState(StateFailed)
		}
	}()

	s.setState(StateDiscovering)
	s.discover(ctx)

	adv, err := s.resolve(ctx)
	if err != nil {
		return &StageError{State: StateDiscovering, Err: err}
	}

	s.setState(StateConnecting)
	if s.observer != nil {
		s.observer.Connecting()
	}
	slog.Info("ble: connecting", "address", adv.Address, "name", adv.Name, "rssi", adv.RSSI)

	start := time.Now()
	conn, err := s.connect(ctx, adv.Address)
	if err != nil {
		return &StageError{State: StateConnecting, Err: err}
	}

	sess := &session{conn: conn}
	defer s.teardown(sess)

	took := time.Since(start)
	slog.Info("ble: connected", "address", adv.Address, "took", took)

	s.setState(StateConfiguring)
	if err := s.configure(ctx, sess); err != nil {
		return &StageError{State: StateConfiguring, Err: err}
	}

	s.setState(StateSubscribing)
	if err := s.subscribe(ctx, sess); err != nil {
		return &StageError{State: StateSubscribing, Err: err}
	}

	if s.observer != nil {
		s.observer.Connected(took)
	}
	s.setState(StateStreaming)
	slog.Info("ble: streaming", "address", adv.Address)

	if err := s.stream(ctx, sess); err != nil {
		return &StageError{State: StateStreaming, Err: err}
	}
	return nil
}

// discover logs the devices nearby. Its outcome never fails the cycle.
func (s *Supervisor) discover(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanDuration)
	defer cancel()

	slog.Info("ble: scanning", "duration", s.opts.ScanDuration)
	devices, err := s.adapter.Discover(scanCtx)
	if err != nil {
		slog.Warn("ble: scan failed", "err", err)
		return
	}
	for _, d := range devices {
		slog.Debug("ble: found device", "address", d.Address, "name", d.Name, "rssi", d.RSSI, "seen_at", d.SeenAt)
	}
	slog.Info("ble: scan complete", "devices", len(devices))
}

func (s *Supervisor) resolve(ctx context.Context) (Advertisement, error) {
	findCtx, cancel := context.WithTimeout(ctx, s.opts.ResolveTimeout)
	defer cancel()

	adv, err := s.adapter.Find(findCtx, s.address)
	if err != nil {
		return Advertisement{}, fmt.Errorf("find %s: %w", s.address, err)
	}
	slog.Debug("ble: resolved device", "address", adv.Address, "seen_at", adv.SeenAt)
	return adv, nil
}

func (s *Supervisor) connect(ctx context.Context, address string) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	return s.adapter.Connect(connCtx, address)
}

// configure selects Celsius and then enables realtime notifications.
func (s *Supervisor) configure(ctx context.Context, sess *session) error {
	settings, err := sess.conn.Characteristic(SettingsCharUUID)
	if err != nil {
		return fmt.Errorf("settings characteristic: %w", err)
	}

	if err := s.within(ctx, func() error { return settings.Write(CmdCelsius) }); err != nil {
		return fmt.Errorf("write celsius command: %w", err)
	}
	if err := s.within(ctx, func() error { return settings.Write(CmdRealtime) }); err != nil {
		return fmt.Errorf("write realtime command: %w", err)
	}
	return nil
}

func (s *Supervisor) subscribe(ctx context.Context, sess *session) error {
	data, err := sess.conn.Characteristic(DataCharUUID)
	if err != nil {
		return fmt.Errorf("data characteristic: %w", err)
	}
	sess.data = data

	// Marked before the call so a subscribe that times out is still undone.
	sess.subscribed = true
	if err := s.within(ctx, func() error { return data.Subscribe(s.onNotify) }); err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}
	return nil
}

// stream polls the link until it drops or ctx is cancelled. Notifications
// arrive on the stack's own goroutine.
func (s *Supervisor) stream(ctx context.Context, sess *session) error {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if !sess.conn.Connected() {
				return ErrDisconnected
			}
		}
	}
}

// teardown unsubscribes and disconnects, ignoring errors.
func (s *Supervisor) teardown(sess *session) {
	if s.observer != nil {
		s.observer.Disconnected()
	}

	// ctx may already be cancelled here; teardown gets its own deadline.
	ctx := context.Background()
	if sess.subscribed && sess.data != nil {
		if err := s.within(ctx, sess.data.Unsubscribe); err != nil {
			slog.Debug("ble: unsubscribe", "err", err)
		}
		sess.subscribed = false
	}
	if err := s.within(ctx, sess.conn.Disconnect); err != nil {
		slog.Debug("ble: disconnect", "err", err)
	}
	slog.Info("ble: session closed", "address", s.address)
}

// within runs fn, giving up after OpTimeout or when ctx is done. fn keeps
// running in the background if it overruns.
func (s *Supervisor) within(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
