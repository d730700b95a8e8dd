// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// writeStateFile rewrites the state file on every transition,
// using the same temp-file + O_EXCL + rename convention as the MT spool
// write (handler.go): write to `<path>.tmp`, then rename over the final
// path so a reader never observes a half-written file.
func (g *Gateway) writeStateFile() {
	if g.cfg.StateFile == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", g.state.String())
	fmt.Fprintf(&b, "Message: %s\n", g.stateMessage)
	if g.networkInfo != "" {
		fmt.Fprintf(&b, "Network: %s\n", g.networkInfo)
	}
	now := time.Now().UTC()
	fmt.Fprintf(&b, "Updated: %s %d\n", now.Format("06/01/02 15:04:05 UTC"), now.Unix())

	tmpPath := g.cfg.StateFile + ".tmp"
	os.Remove(tmpPath) // best-effort: clear a stale temp file from a prior crash
	fd, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		g.log.Error("state file temp create failed", "path", tmpPath, "error", err)
		return
	}
	if _, err := fd.WriteString(b.String()); err != nil {
		fd.Close()
		os.Remove(tmpPath)
		g.log.Error("state file write failed", "path", tmpPath, "error", err)
		return
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmpPath)
		g.log.Error("state file close failed", "path", tmpPath, "error", err)
		return
	}
	if err := os.Rename(tmpPath, g.cfg.StateFile); err != nil {
		os.Remove(tmpPath)
		g.log.Error("state file rename failed", "path", g.cfg.StateFile, "error", err)
	}
}
