package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mdisibio/ibtsensor/internal/ble"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Address    string `yaml:"address"`
	Probe1Name string `yaml:"probe1_name"`
	Probe2Name string `yaml:"probe2_name"`
	Debug      bool   `yaml:"debug"`
	LogFormat  string `yaml:"log_format"`

	Listen      string `yaml:"listen"`
	MetricsPath string `yaml:"metrics_path"`

	ScanDuration   time.Duration `yaml:"scan_duration"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	OpTimeout      time.Duration `yaml:"op_timeout"`

	// Scan lists nearby devices and exits. Command line only.
	Scan bool `yaml:"-"`
}

func defaultConfig() Config {
	opts := ble.DefaultOptions()
	return Config{
		Probe1Name:     "probe1",
		Probe2Name:     "probe2",
		LogFormat:      "text",
		Listen:         ":8080",
		MetricsPath:    "/metrics",
		ScanDuration:   opts.ScanDuration,
		ResolveTimeout: opts.ResolveTimeout,
		RetryDelay:     opts.RetryDelay,
		PollInterval:   opts.PollInterval,
		OpTimeout:      opts.OpTimeout,
	}
}

func (c Config) bleOptions() ble.Options {
	return ble.Options{
		ScanDuration:   c.ScanDuration,
		ResolveTimeout: c.ResolveTimeout,
		RetryDelay:     c.RetryDelay,
		PollInterval:   c.PollInterval,
		OpTimeout:      c.OpTimeout,
	}
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.Address, "address", "a", cfg.Address, "the address of the bluetooth device to connect to")
	fs.StringVar(&cfg.Probe1Name, "probe1-name", cfg.Probe1Name, "the name of the first probe")
	fs.StringVar(&cfg.Probe2Name, "probe2-name", cfg.Probe2Name, "the name of the second probe")
	fs.BoolVarP(&cfg.Debug, "debug", "d", cfg.Debug, "sets the log level to debug")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format: text or json")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to serve metrics on")
	fs.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "path to serve metrics on")
	fs.DurationVar(&cfg.ScanDuration, "scan-duration", cfg.ScanDuration, "how long to scan for nearby devices")
	fs.DurationVar(&cfg.ResolveTimeout, "resolve-timeout", cfg.ResolveTimeout, "how long to look for the device before retrying")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "wait between connection attempts")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "how often to check the connection while streaming")
	fs.DurationVar(&cfg.OpTimeout, "op-timeout", cfg.OpTimeout, "timeout for connect, write and subscribe calls")
	fs.BoolVar(&cfg.Scan, "scan", cfg.Scan, "list nearby devices and exit")
}

// loadConfig builds the configuration from defaults, an optional YAML file
// and command line flags, in increasing precedence.
func loadConfig(args []string) (Config, error) {
	var (
		flags = defaultConfig()
		fs    = pflag.NewFlagSet("ibtsensor", pflag.ContinueOnError)
	)
	configPath := fs.StringP("config", "c", "", "path to a YAML config file")
	bindFlags(fs, &flags)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	if *configPath != "" {
		b, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", *configPath, err)
		}
	}

	// Flags given explicitly win over the file.
	override := pflag.NewFlagSet("override", pflag.ContinueOnError)
	bindFlags(override, &cfg)
	var setErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		setErr = override.Set(f.Name, f.Value.String())
	})
	if setErr != nil {
		return Config{}, setErr
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Scan {
		if c.ScanDuration <= 0 {
			return errors.New("scan_duration must be > 0")
		}
		return nil
	}

	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address must not be empty")
	}
	if c.Probe1Name == "" || c.Probe2Name == "" {
		return errors.New("probe names must not be empty")
	}
	if c.Probe1Name == c.Probe2Name {
		return fmt.Errorf("probe names must differ, both are %q", c.Probe1Name)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.Listen == "" {
		return errors.New("listen must not be empty")
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics_path must start with /, got %q", c.MetricsPath)
	}

	for name, d := range map[string]time.Duration{
		"scan_duration":   c.ScanDuration,
		"resolve_timeout": c.ResolveTimeout,
		"retry_delay":     c.RetryDelay,
		"poll_interval":   c.PollInterval,
		"op_timeout":      c.OpTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %v", name, d)
		}
	}
	return nil
}
