// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if err == errHelpRequested {
			os.Exit(exitOK)
		}
		fmt.Fprintf(os.Stderr, "m20d: %v\n", err)
		os.Exit(exitOptionError)
	}

	log := setupLogging(cfg)

	log.Info("starting m20d",
		"device", cfg.Device,
		"baud", cfg.Baud,
		"spool_dir", cfg.SpoolDir,
		"handler", cfg.HandlerPath,
		"persist_path", cfg.PersistPath,
	)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			log.Error("pidfile write failed", "error", err)
			os.Exit(exitOptionError)
		}
		defer os.Remove(cfg.PIDFile)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	g := newGateway(cfg, log)
	g.notifier = newNotifier(cfg, hostname, log)

	store, err := openPersistStore(cfg.PersistPath)
	if err != nil {
		log.Error("retry-queue store open failed", "error", err)
		os.Exit(exitOptionError)
	}
	g.store = store
	g.reloadPersistedQueue()

	g.installSignals()

	code := g.runSession()
	os.Exit(code)
}

// setupLogging builds the ambient log/slog logger: a text
// handler to stderr, or to the system log when -o syslog is selected.
// Generalized from a setupLogging(level slog.Level) pattern, which
// only ever wrote to stderr; the syslog destination adds a
// `-o log_destination` flag.
func setupLogging(cfg *Config) *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogDest == "syslog" {
		w, err := openSyslogWriter(cfg.LogName)
		if err != nil {
			handler = slog.NewTextHandler(os.Stderr, opts)
			slog.New(handler).Warn("syslog unavailable, falling back to stderr", "error", err)
		} else {
			handler = slog.NewTextHandler(w, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// parseLogLevel maps the eight syslog-style level names onto slog's
// four; debug maps directly, info/notice share Info, warning maps to Warn, and
// emerg/alert/crit/err share Error (slog has no finer granularity).
func parseLogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warning":
		return slog.LevelWarn
	case "emerg", "alert", "crit", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
