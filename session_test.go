// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"testing"
)

func TestParseCREGStatus(t *testing.T) {
	tests := []struct {
		resp string
		want int
	}{
		{"+CREG: 0,1", 1},
		{"+CREG: 0,5", 5},
		{"+CREG: 0,0", 0},
		{"+CREG: 0,2", 2},
		{"no creg here", -1},
		{"+CREG: onlyonefield", -1},
	}
	for _, tt := range tests {
		if got := parseCREGStatus(tt.resp); got != tt.want {
			t.Errorf("parseCREGStatus(%q) = %d, want %d", tt.resp, got, tt.want)
		}
	}
}

func TestIsTCPDevice(t *testing.T) {
	if !isTCPDevice("192.168.1.50:9000") {
		t.Error("isTCPDevice(host:port) = false, want true")
	}
	if isTCPDevice("/dev/ttyUSB0") {
		t.Error("isTCPDevice(serial path) = true, want false")
	}
}

func TestFormatNetworkInfo(t *testing.T) {
	got := formatNetworkInfo([]string{"^MONI: 2G,...,-65"}, []string{"+COPS: 0,0,\"Example Carrier\""})
	if got == "" {
		t.Fatal("formatNetworkInfo() returned empty string")
	}
	if !containsAll(got, "moni:", "cops:", "Example Carrier", "-65") {
		t.Errorf("formatNetworkInfo() = %q, missing expected fragments", got)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestSetStateWritesStateFile(t *testing.T) {
	dir := t.TempDir()
	g := newTestGateway(newFakeTransport(""))
	g.cfg.StateFile = dir + "/.state"

	g.setState(stateUpSleeping, "ready")
	if g.state != stateUpSleeping {
		t.Errorf("state = %v, want stateUpSleeping", g.state)
	}
	if g.stateMessage != "ready" {
		t.Errorf("stateMessage = %q, want ready", g.stateMessage)
	}
	if _, err := os.Stat(g.cfg.StateFile); err != nil {
		t.Errorf("state file not written: %v", err)
	}
}

func TestDispatchCMGLLinesDispatchesPairs(t *testing.T) {
	pdu := "07911326040000F0040B911326861711F900003130106113452103C834A8"
	g := newTestGateway(newFakeTransport(""))
	var got []indicationEvent
	g.indicationHook = func(ev indicationEvent) { got = append(got, ev) }

	lines := []string{"+CMGL: 1,1,,23", pdu, "+CMGL: 2,1,,23", pdu}
	n := g.dispatchCMGLLines(lines)

	if n != 2 {
		t.Fatalf("dispatchCMGLLines() = %d, want 2", n)
	}
	if len(got) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(got))
	}
	if got[0].pdu != pdu || got[1].pdu != pdu {
		t.Errorf("dispatched events missing expected pdu")
	}
}

func TestDispatchCMGLLinesIgnoresTrailingHeaderWithoutPDU(t *testing.T) {
	g := newTestGateway(newFakeTransport(""))
	var got []indicationEvent
	g.indicationHook = func(ev indicationEvent) { got = append(got, ev) }

	n := g.dispatchCMGLLines([]string{"+CMGL: 1,1,,23"})
	if n != 0 {
		t.Errorf("dispatchCMGLLines() = %d, want 0 (no PDU line follows)", n)
	}
	if len(got) != 0 {
		t.Errorf("dispatched %d events, want 0", len(got))
	}
}

func TestHandleIndicationDecodeFailureCountsParseFail(t *testing.T) {
	g := newTestGateway(newFakeTransport(""))
	g.handleIndication(indicationEvent{prefix: "+CMT:", header: "+CMT: ,1", pdu: "not-hex"})

	if g.stats.MTFailParse != 1 {
		t.Errorf("MTFailParse = %d, want 1", g.stats.MTFailParse)
	}
	if g.stats.MTFail != 1 {
		t.Errorf("MTFail = %d, want 1", g.stats.MTFail)
	}
	if g.stats.MTOk != 0 {
		t.Errorf("MTOk = %d, want 0", g.stats.MTOk)
	}
}

func TestHandleIndicationSuccessSpoolsAndCountsOk(t *testing.T) {
	dir := t.TempDir()
	g := newTestGateway(newFakeTransport(""))
	g.cfg.SpoolDir = dir

	pdu := "07911326040000F0040B911326861711F900003130106113452103C834A8"
	g.handleIndication(indicationEvent{prefix: "+CMT:", header: "+CMT: ,23", pdu: pdu})

	if g.stats.MTOk != 1 {
		t.Errorf("MTOk = %d, want 1", g.stats.MTOk)
	}
	if g.stats.MT != 1 {
		t.Errorf("MT = %d, want 1", g.stats.MT)
	}
}

func TestDoNoNetworkNotifiesRecoveryOnceRegistered(t *testing.T) {
	tr := newFakeTransport("OK\r\nOK\r\nOK\r\n+CREG: 0,1\r\nOK\r\n")
	g := newTestGateway(tr)
	g.notifier = &Notifier{active: true, lastMsg: "device open failed: timeout", timeout: 0, log: testLogger()}

	code, ok := g.doNoNetwork()

	if !ok || code != exitOK {
		t.Fatalf("doNoNetwork() = (%d, %v), want (exitOK, true)", code, ok)
	}
	if g.state != stateUpSleeping {
		t.Errorf("state = %v, want stateUpSleeping", g.state)
	}
	if g.notifier.active {
		t.Error("notifier still active after reaching registered state; notifyRecovery was not wired")
	}
}

func TestDispatchIndicationPrefersHook(t *testing.T) {
	g := newTestGateway(newFakeTransport(""))
	called := false
	g.indicationHook = func(ev indicationEvent) { called = true }

	g.dispatchIndication(indicationEvent{prefix: "+CMT:"})
	if !called {
		t.Error("dispatchIndication() did not invoke the test hook")
	}
}
