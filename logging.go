package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
	}

	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		AddSource:  cfg.Debug,
		TimeFormat: time.DateTime,
	}))
}
