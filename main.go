package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/mdisibio/ibtsensor/internal/ble"
	"github.com/mdisibio/ibtsensor/internal/metrics"
	"github.com/mdisibio/ibtsensor/internal/probe"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}
	slog.Info("shutting down")
}

func run(ctx context.Context, cfg Config) error {
	adapter := ble.NewTinygoAdapter(bluetooth.DefaultAdapter, cfg.OpTimeout)

	if cfg.Scan {
		if err := adapter.Enable(); err != nil {
			return err
		}
		return scan(ctx, adapter, cfg)
	}

	reg, err := metrics.NewRegistry(cfg.Probe1Name, cfg.Probe2Name)
	if err != nil {
		return err
	}

	// No point running without somewhere to publish readings.
	srv := metrics.NewServer(cfg.Listen, cfg.MetricsPath, reg.Gatherer())
	if err := srv.Listen(); err != nil {
		return err
	}

	if err := adapter.Enable(); err != nil {
		return err
	}

	handler := probe.NewHandler(cfg.Probe1Name, cfg.Probe2Name, reg)
	sup := ble.NewSupervisor(adapter, cfg.Address, handler.Handle, cfg.bleOptions(), ble.WithObserver(reg))

	slog.Info("starting",
		"address", cfg.Address,
		"probe1", cfg.Probe1Name,
		"probe2", cfg.Probe2Name,
		"listen", srv.Addr(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error { return sup.Run(ctx) })
	return g.Wait()
}

func scan(ctx context.Context, adapter ble.Adapter, cfg Config) error {
	fmt.Printf("scanning devices for %v, please wait...\n", cfg.ScanDuration)

	ctx, cancel := context.WithTimeout(ctx, cfg.ScanDuration)
	defer cancel()

	devices, err := adapter.Discover(ctx)
	if err != nil {
		return err
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	for _, d := range devices {
		fmt.Printf("%s  %4d dBm  %s\n", d.Address, d.RSSI, d.Name)
	}
	fmt.Printf("found %d devices\n", len(devices))
	return nil
}
