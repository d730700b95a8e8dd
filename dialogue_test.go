package main

import (
	"testing"
	"time"
)

func newTestGateway(tr *fakeTransport) *Gateway {
	cfg := &Config{CmdTimeout: 50 * time.Millisecond}
	g := newGateway(cfg, testLogger())
	g.tr = tr
	return g
}

func TestIssueCmdSuccess(t *testing.T) {
	tr := newFakeTransport("\r\nOK\r\n")
	g := newTestGateway(tr)

	lines, err := g.issueCmd("AT")
	if err != nil {
		t.Fatalf("issueCmd() error = %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("lines = %v, want none", lines)
	}
	if len(tr.written) != 1 || tr.written[0] != "AT\r\n" {
		t.Errorf("written = %v", tr.written)
	}
}

func TestIssueCmdError(t *testing.T) {
	tr := newFakeTransport("\r\nERROR\r\n")
	g := newTestGateway(tr)

	_, err := g.issueCmd("AT+BOGUS")
	if err != errCmdFailed {
		t.Fatalf("err = %v, want errCmdFailed", err)
	}
}

func TestIssueCmdTimeout(t *testing.T) {
	tr := newFakeTransport("")
	g := newTestGateway(tr)

	_, err := g.issueCmd("AT")
	if err != errCmdTimeout {
		t.Fatalf("err = %v, want errCmdTimeout", err)
	}
}

func TestIssueCmdWithResponseLines(t *testing.T) {
	tr := newFakeTransport("+CREG: 0,1\r\nOK\r\n")
	g := newTestGateway(tr)

	lines, err := g.issueCmd("AT+CREG?")
	if err != nil {
		t.Fatalf("issueCmd() error = %v", err)
	}
	if len(lines) != 1 || lines[0] != "+CREG: 0,1" {
		t.Fatalf("lines = %v", lines)
	}
}

// TestIssueCmdInterleavedMT exercises the "Interleaved MT during MO"
// scenario at the dialogue layer: an MT indication arrives ahead of the
// command's own OK and must be dispatched before issueCmd returns.
func TestIssueCmdInterleavedMT(t *testing.T) {
	pdu := "07911326040000F0040B911326861711F900003130106113452103C834A8"
	tr := newFakeTransport("+CMT: ,23\r\n" + pdu + "\r\nOK\r\n")
	g := newTestGateway(tr)

	var dispatched []indicationEvent
	g.indicationHook = func(ev indicationEvent) { dispatched = append(dispatched, ev) }

	_, err := g.issueCmd("AT^MONI")
	if err != nil {
		t.Fatalf("issueCmd() error = %v", err)
	}
	if len(dispatched) != 1 {
		t.Fatalf("dispatched = %d events, want 1", len(dispatched))
	}
	if dispatched[0].prefix != "+CMT:" {
		t.Errorf("prefix = %q, want +CMT:", dispatched[0].prefix)
	}
}

func TestIssueCmdNoMTRejectsIndication(t *testing.T) {
	tr := newFakeTransport("+CMT: ,23\r\nOK\r\n")
	g := newTestGateway(tr)

	_, err := g.issueCmdNoMT("AT+CNMA=1")
	if err == nil {
		t.Fatal("expected error when MT indication arrives during issueCmdNoMT")
	}
}

func TestSplitIndicationEvents(t *testing.T) {
	buf := "+CMT: ,23\r\nPDU1\r\n+CDS: ,5\r\nPDU2\r\n"
	events := splitIndicationEvents(buf)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].prefix != "+CMT:" || events[0].pdu != "PDU1" {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].prefix != "+CDS:" || events[1].pdu != "PDU2" {
		t.Errorf("event[1] = %+v", events[1])
	}
}
