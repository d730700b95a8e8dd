// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSplitHeaderLine(t *testing.T) {
	key, value, ok := splitHeaderLine("To: +15551234567")
	if !ok || key != "To" || value != "+15551234567" {
		t.Errorf("splitHeaderLine() = (%q, %q, %v)", key, value, ok)
	}
	if _, _, ok := splitHeaderLine("no colon here"); ok {
		t.Error("splitHeaderLine() on a colon-less line: want ok=false")
	}
}

func writeSpoolFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestParseMOEnvelopeTextMessage(t *testing.T) {
	dir := t.TempDir()
	path := writeSpoolFile(t, dir, "1.sms", "To: +15551234567\nTP-PID: 0\nTP-DCS: 0\n\nHello there\n")

	env, body, err := parseMOEnvelope(path)
	if err != nil {
		t.Fatalf("parseMOEnvelope() error = %v", err)
	}
	if env.To != "+15551234567" {
		t.Errorf("To = %q, want +15551234567", env.To)
	}
	if env.Binary || env.HasUDH {
		t.Errorf("Binary=%v HasUDH=%v, want both false", env.Binary, env.HasUDH)
	}
	if string(body) != "Hello there" {
		t.Errorf("body = %q, want %q", string(body), "Hello there")
	}
}

func TestParseMOEnvelopeBinaryHeaders(t *testing.T) {
	dir := t.TempDir()
	path := writeSpoolFile(t, dir, "2.sms", "To: +15551234567\nIs-Binary: 1\nHas-UDH: 1\n\n48656C6C6F\n")

	env, body, err := parseMOEnvelope(path)
	if err != nil {
		t.Fatalf("parseMOEnvelope() error = %v", err)
	}
	if !env.Binary || !env.HasUDH {
		t.Errorf("Binary=%v HasUDH=%v, want both true", env.Binary, env.HasUDH)
	}
	if string(body) != "48656C6C6F" {
		t.Errorf("body = %q", string(body))
	}
}

func TestParseMOEnvelopeMissingToFails(t *testing.T) {
	dir := t.TempDir()
	path := writeSpoolFile(t, dir, "3.sms", "TP-PID: 0\n\nbody\n")
	if _, _, err := parseMOEnvelope(path); err == nil {
		t.Fatal("expected error when To header is missing")
	}
}

func TestBuildMOMessageTextUsesGeneratedID(t *testing.T) {
	env := moEnvelope{To: "+15551234567"}
	m, err := buildMOMessage(env, []byte("hi"), "mo-generated-1")
	if err != nil {
		t.Fatalf("buildMOMessage() error = %v", err)
	}
	if m.MsgID != "mo-generated-1" {
		t.Errorf("MsgID = %q, want generated id", m.MsgID)
	}
	if m.Dst != "+15551234567" || string(m.Content) != "hi" {
		t.Errorf("Dst/Content = %q/%q", m.Dst, m.Content)
	}
}

func TestBuildMOMessagePrefersEnvelopeMsgID(t *testing.T) {
	env := moEnvelope{To: "+15551234567", MsgID: "mo-explicit"}
	m, err := buildMOMessage(env, []byte("hi"), "mo-generated-1")
	if err != nil {
		t.Fatalf("buildMOMessage() error = %v", err)
	}
	if m.MsgID != "mo-explicit" {
		t.Errorf("MsgID = %q, want mo-explicit", m.MsgID)
	}
}

func TestBuildMOMessageBinaryDecodesHex(t *testing.T) {
	env := moEnvelope{To: "+15551234567", Binary: true}
	m, err := buildMOMessage(env, []byte("48656C6C6F"), "mo-1")
	if err != nil {
		t.Fatalf("buildMOMessage() error = %v", err)
	}
	if string(m.Content) != "Hello" {
		t.Errorf("Content = %q, want Hello", string(m.Content))
	}
}

func TestBuildMOMessageBinaryOddHexDropsLastNibble(t *testing.T) {
	env := moEnvelope{To: "+15551234567", Binary: true}
	m, err := buildMOMessage(env, []byte("48656C6C6F0"), "mo-1")
	if err != nil {
		t.Fatalf("buildMOMessage() error = %v", err)
	}
	if string(m.Content) != "Hello" {
		t.Errorf("Content = %q, want Hello (trailing odd nibble dropped)", string(m.Content))
	}
}

// TestScanSpoolOnceProcessesOneFileAndUnlinks verifies a single scan pass
// handles exactly one spool file and unlinks it unconditionally afterward.
func TestScanSpoolOnceProcessesOneFileAndUnlinks(t *testing.T) {
	dir := t.TempDir()
	writeSpoolFile(t, dir, "1.sms", "To: +15551234567\n\nHi\n")
	writeSpoolFile(t, dir, "2.sms", "To: +15557654321\n\nThere\n")

	tr := newFakeTransport("> OK\r\n")
	g := newTestGateway(tr)
	g.cfg.SpoolDir = dir

	found := g.scanSpoolOnce()
	if !found {
		t.Fatal("scanSpoolOnce() = false, want true")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("remaining spool entries = %d, want 1 (one file processed, one left for next pass)", len(entries))
	}
	if entries[0].Name() != "2.sms" {
		t.Errorf("remaining file = %q, want 2.sms (alphabetical order)", entries[0].Name())
	}
	if g.stats.MO != 1 || g.stats.MOOk != 1 {
		t.Errorf("stats = %+v, want MO=1 MOOk=1", g.stats)
	}
}

func TestScanSpoolOnceEmptyDirReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	g := newTestGateway(newFakeTransport(""))
	g.cfg.SpoolDir = dir

	if g.scanSpoolOnce() {
		t.Error("scanSpoolOnce() on empty dir = true, want false")
	}
}

func TestScanSpoolOnceEnqueuesOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeSpoolFile(t, dir, "1.sms", "To: +15551234567\n\nHi\n")

	tr := newFakeTransport("ERROR\r\n")
	g := newTestGateway(tr)
	g.cfg.SpoolDir = dir
	g.cfg.InitialRetry = 10 * time.Second

	g.scanSpoolOnce()

	if g.queue.length() != 1 {
		t.Fatalf("queue length = %d, want 1 after first-attempt failure", g.queue.length())
	}
}
