// Package metrics holds the exporter's gauge state and serves it in the
// Prometheus text exposition format.
package metrics

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mdisibio/ibtsensor/internal/probe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var ErrUnknownProbe = errors.New("unknown probe")

var (
	descTemp = prometheus.NewDesc(
		"ibt_temperature_celsius",
		"Last temperature reported by the probe in degrees Celsius, 0 when no probe is plugged in.",
		[]string{"name"}, nil,
	)
	descPresent = prometheus.NewDesc(
		"ibt_probe_present",
		"Whether the probe was plugged in at the last notification.",
		[]string{"name"}, nil,
	)
	descLastReceived = prometheus.NewDesc(
		"ibt_last_received_timestamp_seconds",
		"Unix time of the last notification received from the thermometer.",
		nil, nil,
	)
	descConnected = prometheus.NewDesc(
		"ibt_connected",
		"Whether the thermometer is currently connected and streaming.",
		nil, nil,
	)
	descConnectionTime = prometheus.NewDesc(
		"ibt_last_connection_time_seconds",
		"Time taken by the last successful connect.",
		nil, nil,
	)
	descAttempts = prometheus.NewDesc(
		"ibt_connection_attempts_total",
		"Connection attempts made to the thermometer.",
		nil, nil,
	)
	descMalformed = prometheus.NewDesc(
		"ibt_notifications_malformed_total",
		"Notifications discarded because of an unexpected length.",
		nil, nil,
	)
)

type slot struct {
	label   string
	reading probe.Reading
	written bool
}

// Registry is the exporter's current state. Writers and scrapes may run
// concurrently; a scrape observes every value under a single lock.
type Registry struct {
	mu           sync.Mutex
	probes       [2]slot
	lastReceived time.Time
	connected    bool
	connectTime  time.Duration
	hasConnected bool
	attempts     uint64
	malformed    uint64

	now func() time.Time
	reg *prometheus.Registry
}

// NewRegistry creates a registry for the two configured probe names.
func NewRegistry(probe1, probe2 string) (*Registry, error) {
	if probe1 == "" || probe2 == "" {
		return nil, fmt.Errorf("probe names must not be empty")
	}
	if probe1 == probe2 {
		return nil, fmt.Errorf("probe names must differ, both are %q", probe1)
	}

	r := &Registry{
		probes: [2]slot{{label: probe1}, {label: probe2}},
		now:    time.Now,
		reg:    prometheus.NewRegistry(),
	}
	if err := r.reg.Register(r); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}
	return r, nil
}

// Gatherer returns the registry to scrape.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Record stores the latest reading for a configured probe.
func (r *Registry) Record(label string, reading probe.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.probes {
		if r.probes[i].label == label {
			r.probes[i].reading = reading
			r.probes[i].written = true
			return nil
		}
	}
	return fmt.Errorf("record %q: %w", label, ErrUnknownProbe)
}

// TouchTimestamp marks a notification as received now.
func (r *Registry) TouchTimestamp() {
	now := r.now()

	r.mu.Lock()
	r.lastReceived = now
	r.mu.Unlock()
}

func (r *Registry) Malformed() {
	r.mu.Lock()
	r.malformed++
	r.mu.Unlock()
}

// Connecting, Connected and Disconnected track the link to the thermometer.

func (r *Registry) Connecting() {
	r.mu.Lock()
	r.attempts++
	r.mu.Unlock()
}

func (r *Registry) Connected(took time.Duration) {
	r.mu.Lock()
	r.connected = true
	r.connectTime = took
	r.hasConnected = true
	r.mu.Unlock()
}

func (r *Registry) Disconnected() {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

// Snapshot renders the current state in the text exposition format.
func (r *Registry) Snapshot() ([]byte, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- descTemp
	ch <- descPresent
	ch <- descLastReceived
	ch <- descConnected
	ch <- descConnectionTime
	ch <- descAttempts
	ch <- descMalformed
}

func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.Lock()
	ms := make([]prometheus.Metric, 0, 9)
	for _, p := range r.probes {
		// Never-written probes stay out of the output.
		if !p.written {
			continue
		}
		ms = append(ms,
			prometheus.MustNewConstMetric(descTemp, prometheus.GaugeValue, p.reading.Value(), p.label),
			prometheus.MustNewConstMetric(descPresent, prometheus.GaugeValue, boolToFloat(p.reading.Present), p.label),
		)
	}
	if !r.lastReceived.IsZero() {
		ts := float64(r.lastReceived.UnixNano()) / 1e9
		ms = append(ms, prometheus.MustNewConstMetric(descLastReceived, prometheus.GaugeValue, ts))
	}
	if r.hasConnected {
		ms = append(ms, prometheus.MustNewConstMetric(descConnectionTime, prometheus.GaugeValue, r.connectTime.Seconds()))
	}
	ms = append(ms,
		prometheus.MustNewConstMetric(descConnected, prometheus.GaugeValue, boolToFloat(r.connected)),
		prometheus.MustNewConstMetric(descAttempts, prometheus.CounterValue, float64(r.attempts)),
		prometheus.MustNewConstMetric(descMalformed, prometheus.CounterValue, float64(r.malformed)),
	)
	r.mu.Unlock()

	for _, m := range ms {
		ch <- m
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
