// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	ini "github.com/vaughan0/go-ini"
)

// Config is loaded from (lowest to highest precedence) an optional INI
// file and the CLI flags, INI lowest, flags winning. Long-form field names
// here correspond 1:1 to the short flags so callers can cite either.
//
// Grounded on a loadConfig() pattern (env-var based; generalized here
// to flag+INI, which fixes a getopt-style short-flag surface
// that env vars or a richer flag library would not reproduce) and on
// bakode-goatsms's go.mod choice of vaughan0/go-ini for its own config
// file.
type Config struct {
	Device            string        // -d
	Baud              int           // -b
	PIN               string        // -p
	LogName           string        // -n
	PIDFile           string        // -x
	CmdTimeout        time.Duration // -t (ms)
	PollInterval      time.Duration // -i (s)
	ReconnectDelay    time.Duration // -l (s)
	SpoolDir          string        // -s
	HandlerPath       string        // -a
	LogLevel          string        // -e
	LogDest           string        // -o
	InitialRetry      time.Duration // -1 (s)
	RetryMultiplier   float64       // -2
	MaxRetries        int           // -3
	Daemonize         bool          // -f
	Trace             bool          // -r

	IniPath           string // -c
	PersistPath       string // -q
	TelegramToken     string // -T
	TelegramChatIDs   []int64

	// StateFile has no dedicated flag (the short-flag surface is fixed
	// exactly); it is always derived from SpoolDir, matching the
	// PersistPath default derivation below.
	StateFile string
}

const (
	defaultBaud            = 38400
	defaultCmdTimeoutMs    = 3000
	defaultPollIntervalS   = 30
	defaultReconnectDelayS = 10
	defaultInitialRetryS   = 10
	defaultRetryMultiplier = 3.0
	defaultMaxRetries      = 5
)

var validLogLevels = map[string]bool{
	"emerg": true, "alert": true, "crit": true, "err": true,
	"warning": true, "notice": true, "info": true, "debug": true,
}

// exit codes.
const (
	exitOK             = 0
	exitOptionError    = 1
	exitDeviceFatal    = 2
	exitHandshakeFatal = 3
	exitPINFatal       = 4
	exitRegisterFatal  = 5
	exitClockFatal     = 10
)

// errHelpRequested is returned by loadConfig when -h/-?/-help was given;
// main treats it as exitOK rather than an option error.
var errHelpRequested = errors.New("help requested")

// loadConfig parses the INI file named by -c (if any) followed by the
// CLI flags, flags winning on conflict.
func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("m20d", flag.ContinueOnError)
	fs.Usage = func() { printUsage(fs) }

	cfg := &Config{
		Baud:            defaultBaud,
		CmdTimeout:      defaultCmdTimeoutMs * time.Millisecond,
		PollInterval:    defaultPollIntervalS * time.Second,
		ReconnectDelay:  defaultReconnectDelayS * time.Second,
		InitialRetry:    defaultInitialRetryS * time.Second,
		RetryMultiplier: defaultRetryMultiplier,
		MaxRetries:      defaultMaxRetries,
		LogLevel:        "info",
		LogDest:         "stderr",
	}

	var (
		device        = fs.String("d", "", "serial device path or host:port")
		baud          = fs.Int("b", defaultBaud, "serial speed")
		pin           = fs.String("p", "", "SIM PIN")
		logname       = fs.String("n", "m20d", "log name")
		pidfile       = fs.String("x", "", "PID file path")
		cmdTimeoutMs  = fs.Int("t", defaultCmdTimeoutMs, "modem command timeout, ms")
		pollIntervalS = fs.Int("i", defaultPollIntervalS, "poll interval, seconds")
		reconnectS    = fs.Int("l", defaultReconnectDelayS, "reconnect delay, seconds")
		spoolDir      = fs.String("s", "", "spool directory")
		handler       = fs.String("a", "", "MT handler program path")
		logLevel      = fs.String("e", "info", "log level: emerg alert crit err warning notice info debug")
		logDest       = fs.String("o", "stderr", "log destination: stderr|syslog")
		initRetryS    = fs.Int("1", defaultInitialRetryS, "initial MO retry delay, seconds")
		retryMult     = fs.Float64("2", defaultRetryMultiplier, "MO retry backoff multiplier")
		maxRetries    = fs.Int("3", defaultMaxRetries, "maximum MO retry attempts")
		daemonize     = fs.Bool("f", false, "daemonize")
		trace         = fs.Bool("r", false, "trace modem traffic to stdout")
		iniPath       = fs.String("c", "", "optional INI config file")
		persistPath   = fs.String("q", "", "retry-queue persistence store path (default <spool>/.retryqueue.db)")
		tgToken       = fs.String("T", "", "Telegram bot token (enables optional alerting)")
		tgChats       = fs.String("G", "", "comma-separated Telegram chat IDs")
		help          = fs.Bool("h", false, "show this help message")
		help2         = fs.Bool("?", false, "show this help message (alias for -h)")
	)

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, errHelpRequested
		}
		return nil, err
	}
	if *help || *help2 {
		fs.Usage()
		return nil, errHelpRequested
	}

	if *iniPath != "" {
		if err := applyIni(cfg, *iniPath); err != nil {
			return nil, errors.Wrap(err, "loading INI config")
		}
	}

	// Flags win over the INI file; flag.Visit only calls back for flags
	// explicitly set on the command line, so unset flags fall through
	// to whatever the INI file (or the built-in default) already set.
	var visitErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "d":
			cfg.Device = *device
		case "b":
			cfg.Baud = *baud
		case "p":
			cfg.PIN = *pin
		case "n":
			cfg.LogName = *logname
		case "x":
			cfg.PIDFile = *pidfile
		case "t":
			cfg.CmdTimeout = time.Duration(*cmdTimeoutMs) * time.Millisecond
		case "i":
			cfg.PollInterval = time.Duration(*pollIntervalS) * time.Second
		case "l":
			cfg.ReconnectDelay = time.Duration(*reconnectS) * time.Second
		case "s":
			cfg.SpoolDir = *spoolDir
		case "a":
			cfg.HandlerPath = *handler
		case "e":
			cfg.LogLevel = *logLevel
		case "o":
			cfg.LogDest = *logDest
		case "1":
			cfg.InitialRetry = time.Duration(*initRetryS) * time.Second
		case "2":
			cfg.RetryMultiplier = *retryMult
		case "3":
			cfg.MaxRetries = *maxRetries
		case "f":
			cfg.Daemonize = *daemonize
		case "r":
			cfg.Trace = *trace
		case "c":
			cfg.IniPath = *iniPath
		case "q":
			cfg.PersistPath = *persistPath
		case "T":
			cfg.TelegramToken = *tgToken
		case "G":
			ids, err := parseChatIDs(*tgChats)
			if err != nil {
				visitErr = err
				return
			}
			cfg.TelegramChatIDs = ids
		}
	})
	if visitErr != nil {
		return nil, visitErr
	}
	// Apply fields with no corresponding default already set above when
	// the flag set zero values match cfg's still-INI-or-builtin values;
	// ensures first-run (no INI, no flags) still uses the built-ins
	// declared on the flag vars themselves.
	if cfg.Device == "" {
		cfg.Device = *device
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = *spoolDir
	}
	if cfg.HandlerPath == "" {
		cfg.HandlerPath = *handler
	}
	if cfg.LogName == "" {
		cfg.LogName = *logname
	}

	if cfg.Device == "" {
		return nil, errors.New("device (-d) is required")
	}
	if !validLogLevels[cfg.LogLevel] {
		return nil, errors.Errorf("invalid log level %q", cfg.LogLevel)
	}
	if cfg.LogDest != "stderr" && cfg.LogDest != "syslog" {
		return nil, errors.Errorf("invalid log destination %q", cfg.LogDest)
	}
	if cfg.SpoolDir == "" {
		return nil, errors.New("spool directory (-s) is required")
	}
	if cfg.PersistPath == "" {
		cfg.PersistPath = cfg.SpoolDir + "/.retryqueue.db"
	}
	cfg.StateFile = cfg.SpoolDir + "/.state"

	return cfg, nil
}

// applyIni reads section [m20d] from path and overrides the built-in
// defaults with every key it finds, per the "lowest precedence" layering
// (flags are applied afterwards and win).
func applyIni(cfg *Config, path string) error {
	file, err := ini.LoadFile(path)
	if err != nil {
		return err
	}
	section := file.Section("m20d")

	str := func(key string, dst *string) {
		if v, ok := section[key]; ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration, unit time.Duration) {
		if v, ok := section[key]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * unit
			}
		}
	}
	str("device", &cfg.Device)
	str("pin", &cfg.PIN)
	str("logname", &cfg.LogName)
	str("pidfile", &cfg.PIDFile)
	str("spool_dir", &cfg.SpoolDir)
	str("handler", &cfg.HandlerPath)
	str("log_level", &cfg.LogLevel)
	str("log_dest", &cfg.LogDest)
	str("persist_path", &cfg.PersistPath)
	str("telegram_token", &cfg.TelegramToken)

	if v, ok := section["baud"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Baud = n
		}
	}
	dur("cmd_timeout_ms", &cfg.CmdTimeout, time.Millisecond)
	dur("poll_interval_s", &cfg.PollInterval, time.Second)
	dur("reconnect_delay_s", &cfg.ReconnectDelay, time.Second)
	dur("initial_retry_s", &cfg.InitialRetry, time.Second)
	if v, ok := section["retry_multiplier"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RetryMultiplier = f
		}
	}
	if v, ok := section["max_retries"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v, ok := section["daemonize"]; ok {
		cfg.Daemonize = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := section["trace"]; ok {
		cfg.Trace = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := section["telegram_chat_ids"]; ok {
		if ids, err := parseChatIDs(v); err == nil {
			cfg.TelegramChatIDs = ids
		}
	}
	return nil
}

func parseChatIDs(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid chat id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "m20d: GSM modem SMS gateway daemon")
	fs.PrintDefaults()
}
