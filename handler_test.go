// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRenderMTEnvelopeText(t *testing.T) {
	m := &Message{
		Src:      "+15551234567",
		MsgID:    "mt1a2b00",
		SMSC:     "+31624000000",
		Date:     "01/03/16",
		Time:     "16:14:52",
		Received: time.Date(2026, 3, 1, 16, 15, 0, 0, time.UTC),
		Content:  []byte("Hi!"),
	}
	envelope := renderMTEnvelope(m)

	for _, want := range []string{
		"From: +15551234567\n",
		"Message-id: mt1a2b00\n",
		"Smsc: +31624000000\n",
		"Sent: 01/03/16 16:14:52\n",
		"Received: 2026/03/01 16:15:00 UTC\n",
		"\nHi!",
	} {
		if !strings.Contains(envelope, want) {
			t.Errorf("envelope missing %q; got:\n%s", want, envelope)
		}
	}
	if strings.Contains(envelope, "Is-binary") {
		t.Error("text message envelope should not carry Is-binary")
	}
}

func TestRenderMTEnvelopeBinary(t *testing.T) {
	m := &Message{
		Src:      "+15551234567",
		MsgID:    "mt1a2b01",
		IsBinary: true,
		HasUDH:   true,
		Content:  []byte{0x01, 0x02, 0x03},
	}
	envelope := renderMTEnvelope(m)

	if !strings.Contains(envelope, "Has-UDH: 1\n") {
		t.Error("envelope missing Has-UDH: 1")
	}
	if !strings.Contains(envelope, "Is-binary: 1\n") {
		t.Error("envelope missing Is-binary: 1")
	}
	if !strings.Contains(envelope, "Length: 3\n") {
		t.Error("envelope missing Length: 3")
	}
	if !strings.HasSuffix(envelope, "010203") {
		t.Errorf("envelope body = %q, want trailing hex 010203", envelope)
	}
}

func TestWriteMTSpoolFileAtomicRename(t *testing.T) {
	dir := t.TempDir()
	finalPath := filepath.Join(dir, "mt1.mt")
	m := &Message{Src: "+15551234567", MsgID: "mt1", Content: []byte("hi")}

	if err := writeMTSpoolFile(finalPath, m); err != nil {
		t.Fatalf("writeMTSpoolFile() error = %v", err)
	}
	if _, err := os.Stat(finalPath); err != nil {
		t.Fatalf("final path missing: %v", err)
	}
	if _, err := os.Stat(finalPath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file still present: %v", err)
	}
}

func TestWriteMTSpoolFileRejectsStaleTmp(t *testing.T) {
	dir := t.TempDir()
	finalPath := filepath.Join(dir, "mt1.mt")
	if err := os.WriteFile(finalPath+".tmp", []byte("stale"), 0640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// writeMTSpoolFile itself doesn't pre-clear a stale temp file (that's
	// the state-file convention); O_EXCL means a leftover tmp must fail.
	m := &Message{Src: "+1", MsgID: "mt1", Content: []byte("x")}
	err := writeMTSpoolFile(finalPath, m)
	if err == nil {
		t.Fatal("expected error when a stale .tmp file already exists (O_EXCL)")
	}
}

func TestForkHandlerNoopWithoutHandlerPath(t *testing.T) {
	g := newTestGateway(newFakeTransport(""))
	g.cfg.HandlerPath = ""
	if err := g.forkHandler("mt1", "+15551234567", "/tmp/mt1.mt"); err != nil {
		t.Errorf("forkHandler() with no handler configured: error = %v", err)
	}
}

func TestForkHandlerRunsConfiguredProgram(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	script := filepath.Join(dir, "handler.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ntouch \"$1\"\n"), 0755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	g := newTestGateway(newFakeTransport(""))
	g.cfg.HandlerPath = script
	if err := g.forkHandler(marker, "+15551234567", "/tmp/mt1.mt"); err != nil {
		t.Fatalf("forkHandler() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("handler never created marker file %s", marker)
}

func TestSpoolAndDispatchMTWritesFileWithoutHandler(t *testing.T) {
	dir := t.TempDir()
	g := newTestGateway(newFakeTransport(""))
	g.cfg.SpoolDir = dir

	m := &Message{MsgID: "mt42", Src: "+15551234567", Content: []byte("hi")}
	if err := g.spoolAndDispatchMT(m); err != nil {
		t.Fatalf("spoolAndDispatchMT() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mt42.mt")); err != nil {
		t.Errorf("spool file not written: %v", err)
	}
}
