// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

const mtSpoolExt = ".mt"

// spoolAndDispatchMT writes m atomically to `<spool>/<msgid>.mt` and
// forks the external handler with it. The spool write tests the
// actual file descriptor's error, not a stray unrelated variable — the
// source's `f`/`fd` confusion has no analogue here since every
// os.OpenFile call's own err is what gets checked.
func (g *Gateway) spoolAndDispatchMT(m *Message) error {
	finalPath := filepath.Join(g.cfg.SpoolDir, m.MsgID+mtSpoolExt)
	if err := writeMTSpoolFile(finalPath, m); err != nil {
		return errors.Wrap(err, "write MT spool file")
	}
	m.SpoolFile = finalPath

	if err := g.forkHandler(m.MsgID, m.Src, finalPath); err != nil {
		g.log.Error("MT handler fork failed", "msgid", m.MsgID, "error", err)
		return errors.Wrap(err, "fork MT handler")
	}
	return nil
}

// writeMTSpoolFile performs the temp-file + O_EXCL create + rename
// dance, so a reader never observes a partially-written file.
func writeMTSpoolFile(finalPath string, m *Message) error {
	tmpPath := finalPath + ".tmp"

	fd, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmpPath)
	}

	if _, err := fd.WriteString(renderMTEnvelope(m)); err != nil {
		fd.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "write %s", tmpPath)
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "close %s", tmpPath)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "rename %s to %s", tmpPath, finalPath)
	}
	return nil
}

// renderMTEnvelope builds the header block + body.
func renderMTEnvelope(m *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", m.Src)
	fmt.Fprintf(&b, "Message-id: %s\n", m.MsgID)
	if m.SMSC != "" {
		fmt.Fprintf(&b, "Smsc: %s\n", m.SMSC)
	}
	fmt.Fprintf(&b, "Sent: %s %s\n", m.Date, m.Time)
	fmt.Fprintf(&b, "Received: %s\n", m.Received.UTC().Format("2006/01/02 15:04:05 UTC"))
	fmt.Fprintf(&b, "TP-PID: %d\n", m.PID)
	fmt.Fprintf(&b, "TP-DCS: %d\n", m.DCS)
	if m.HasUDH {
		b.WriteString("Has-UDH: 1\n")
	}
	if m.IsBinary {
		b.WriteString("Is-binary: 1\n")
		fmt.Fprintf(&b, "Length: %d\n", len(m.Content))
	}
	b.WriteString("\n")
	if m.IsBinary {
		b.WriteString(bin2hexstring(m.Content))
	} else {
		b.Write(m.Content)
	}
	return b.String()
}

// forkHandler execs handlerPath detached from the daemon: a new process
// group, stdin closed, fds >= 3 closed, SIGCHLD ignored so the child
// never becomes a zombie and the parent never waits on it. Go has
// no raw fork(); os/exec plus syscall.SysProcAttr{Setpgid: true}
// reproduce the same detach semantics.
func (g *Gateway) forkHandler(msgID, from, spoolPath string) error {
	if g.cfg.HandlerPath == "" {
		return nil
	}

	cmd := exec.Command(g.cfg.HandlerPath, msgID, from, spoolPath)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	// Detach: the daemon never calls Wait, relying on SIGCHLD being
	// ignored (see signals.go) so the kernel reaps the child itself.
	return cmd.Process.Release()
}
