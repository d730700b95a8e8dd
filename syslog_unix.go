// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package main

import (
	"io"
	"log/syslog"
)

// openSyslogWriter backs the `-o syslog` destination. No pack
// example wires a third-party syslog client (the reference repos and the rest of
// the retrieved repos all log to stdio only), so this one leaf uses the
// standard library's log/syslog directly.
func openSyslogWriter(tag string) (io.Writer, error) {
	return syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
}
