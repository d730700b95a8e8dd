// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// sessionState enumerates the states of the session state machine.
type sessionState int

const (
	stateDownInit sessionState = iota
	stateDownConnecting
	stateDownHandshaking
	stateDownPIN
	stateDownNoNetwork
	stateDownRetrySleep
	stateDownFailQuit
	stateDownShutdown
	stateUpSleeping
	stateUpSendingMO
	stateUpPolling
)

func (s sessionState) String() string {
	switch s {
	case stateDownInit:
		return "DOWN/INIT"
	case stateDownConnecting:
		return "DOWN/CONNECTING"
	case stateDownHandshaking:
		return "DOWN/HANDSHAKING"
	case stateDownPIN:
		return "DOWN/PIN"
	case stateDownNoNetwork:
		return "DOWN/NONETWORK"
	case stateDownRetrySleep:
		return "DOWN/RETRYSLEEP"
	case stateDownFailQuit:
		return "DOWN/FAILQUIT"
	case stateDownShutdown:
		return "DOWN/SHUTDOWN"
	case stateUpSleeping:
		return "UP/SLEEPING"
	case stateUpSendingMO:
		return "UP/SENDING_MO"
	case stateUpPolling:
		return "UP/POLLING"
	default:
		return "UNKNOWN"
	}
}

const registerPollInterval = 5 * time.Second

// runSession is the top loop of the session: it owns the only goroutine that
// touches the Gateway's transport, queue, and counters ("single
// logical executor"). It returns the process exit code once a terminal
// state (FAILQUIT, SHUTDOWN) is reached.
func (g *Gateway) runSession() int {
	for {
		g.checkDumpStats()
		if g.shuttingDown.Load() && g.state != stateDownShutdown {
			g.enterShutdown()
		}

		switch g.state {
		case stateDownInit, stateDownConnecting:
			g.setState(stateDownConnecting, "opening transport")
			if code, ok := g.doConnect(); !ok {
				return code
			}
		case stateDownHandshaking:
			if code, ok := g.doHandshake(); !ok {
				return code
			}
		case stateDownPIN:
			if code, ok := g.doPINPhase(); !ok {
				return code
			}
		case stateDownNoNetwork:
			if code, ok := g.doNoNetwork(); !ok {
				return code
			}
		case stateDownRetrySleep:
			g.log.Info("sleeping before reconnect", "seconds", g.cfg.ReconnectDelay.Seconds())
			time.Sleep(g.cfg.ReconnectDelay)
			g.setState(stateDownConnecting, "retrying connection")
		case stateUpSleeping:
			g.runOperationalPass()
		case stateDownFailQuit:
			return exitRegisterFatal
		case stateDownShutdown:
			return exitOK
		default:
			g.setState(stateDownRetrySleep, "unexpected state, recovering")
		}
	}
}

func (g *Gateway) setState(s sessionState, msg string) {
	g.state = s
	g.stateMessage = msg
	g.log.Debug("state transition", "state", s.String(), "message", msg)
	g.writeStateFile()
}

func (g *Gateway) enterShutdown() {
	if g.tr != nil {
		g.issueCmdNoMT("AT+CNMI=0,0,0,0")
	}
	g.closeStore()
	g.setState(stateDownShutdown, "shutdown requested")
}

// doConnect opens the transport. A hard failure (bad speed, permission
// error opening the device node) is fatal; anything else is a soft
// failure that backs off and retries.
func (g *Gateway) doConnect() (int, bool) {
	tr, err := openDevice(g.cfg.Device, g.cfg.Baud)
	if err != nil {
		g.log.Error("transport open failed", "error", err)
		hard := errors.Is(err, os.ErrPermission) || (!isTCPDevice(g.cfg.Device) && !validBauds[g.cfg.Baud])
		if !hard {
			g.setState(stateDownRetrySleep, "transport open failed, retrying")
			return exitOK, true
		}
		g.notifyFatal("device open failed: " + err.Error())
		return exitDeviceFatal, false
	}
	g.tr = tr
	g.setState(stateDownHandshaking, "transport open")
	return exitOK, true
}

// doHandshake pings with ATE0. Failure on TCP backs off (different
// recoverability assumptions); failure on serial is fatal.
func (g *Gateway) doHandshake() (int, bool) {
	emptyReadBuffer(g.tr, 200*time.Millisecond)
	if _, err := g.issueCmdNoMT("ATE0"); err != nil {
		g.log.Error("handshake failed", "error", err)
		if isTCPDevice(g.cfg.Device) {
			g.closeTransport()
			g.setState(stateDownRetrySleep, "handshake failed, TCP backoff")
			return exitOK, true
		}
		g.notifyFatal("modem handshake failed: " + err.Error())
		return exitHandshakeFatal, false
	}
	g.setState(stateDownPIN, "handshake ok")
	return exitOK, true
}

func isTCPDevice(dev string) bool {
	_, _, ok := splitHostPort(dev)
	return ok
}

// doPINPhase issues AT+CPIN? and responds accordingly.
func (g *Gateway) doPINPhase() (int, bool) {
	lines, err := g.issueCmdNoMT("AT+CPIN?")
	if err != nil {
		g.log.Error("CPIN query failed", "error", err)
		g.closeTransport()
		g.setState(stateDownRetrySleep, "CPIN query failed")
		return exitOK, true
	}

	resp := strings.Join(lines, " ")
	switch {
	case strings.Contains(resp, "SIM PIN"):
		if g.cfg.PIN == "" {
			g.notifyFatal("SIM requires PIN but none configured")
			return exitPINFatal, false
		}
		if _, err := g.issueCmdNoMT("AT+CPIN=" + g.cfg.PIN); err != nil {
			g.log.Error("PIN rejected", "error", err)
			g.notifyFatal("PIN rejected by SIM")
			return exitPINFatal, false
		}
		g.setState(stateDownNoNetwork, "PIN accepted")
		return exitOK, true
	case strings.Contains(resp, "READY"):
		// Forced re-registration prod: cycle the radio off and on.
		g.issueCmdNoMT("AT+COPS=2")
		time.Sleep(time.Second)
		g.issueCmdNoMT("AT+COPS=0")
		g.setState(stateDownNoNetwork, "READY, prodding registration")
		return exitOK, true
	default:
		g.notifyFatal("unexpected CPIN response: " + resp)
		return exitPINFatal, false
	}
}

// doNoNetwork enables unsolicited delivery and extended errors, then
// polls AT+CREG? every 5s until registered.
func (g *Gateway) doNoNetwork() (int, bool) {
	g.issueCmdNoMT("AT+CMEE=1")
	g.issueCmdNoMT("AT+CMGF=0")
	if _, err := g.issueCmdNoMT("AT+CNMI=1,2,0,0"); err != nil {
		g.log.Warn("CNMI setup failed", "error", err)
	}

	for {
		if g.shuttingDown.Load() {
			return exitOK, true
		}
		lines, err := g.issueCmd("AT+CREG?")
		if err != nil {
			g.closeTransport()
			g.setState(stateDownRetrySleep, "CREG query failed")
			return exitOK, true
		}
		status := parseCREGStatus(strings.Join(lines, " "))
		switch status {
		case 1, 5:
			g.setState(stateUpSleeping, "registered")
			g.notifyRecovery()
			return exitOK, true
		case 0:
			g.setState(stateDownPIN, "deregistered, re-entering PIN phase")
			return exitOK, true
		default:
			time.Sleep(registerPollInterval)
		}
	}
}

// parseCREGStatus extracts the second field of a "+CREG: n,stat" line.
func parseCREGStatus(resp string) int {
	idx := strings.Index(resp, "+CREG:")
	if idx < 0 {
		return -1
	}
	fields := strings.Split(resp[idx+len("+CREG:"):], ",")
	if len(fields) < 2 {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return -1
	}
	return n
}

func (g *Gateway) closeTransport() {
	if g.tr != nil {
		g.tr.close()
		g.tr = nil
	}
}

// runOperationalPass is one UP/SLEEPING iteration: retries, then
// fresh MO, then a poll if due, then a brief unsolicited-MT listen.
func (g *Gateway) runOperationalPass() {
	if g.shuttingDown.Load() {
		return
	}

	if due := g.dueRetries(); len(due) > 0 {
		g.setState(stateUpSendingMO, "processing due retries")
		for _, m := range due {
			g.attemptRetry(m)
		}
		g.setState(stateUpSleeping, "retries processed")
		return
	}

	if spooled := g.scanSpoolOnce(); spooled {
		return
	}

	if time.Now().Unix()-g.lastPoll >= int64(g.cfg.PollInterval.Seconds()) {
		g.setState(stateUpPolling, "polling SIM storage")
		g.pollStoredMessages()
		g.pollSignalStrength()
		g.lastPoll = time.Now().Unix()
		g.setState(stateUpSleeping, "poll complete")
		return
	}

	g.listenBriefly()
}

// pollStoredMessages issues AT+CMGL=4 to fetch SIM-stored messages,
// dispatches each, then clears the ack window with AT+CNMA=1 if any were
// returned.
func (g *Gateway) pollStoredMessages() {
	lines, err := g.issueCmd("AT+CMGL=4")
	if err != nil {
		g.log.Warn("CMGL poll failed", "error", err)
		return
	}
	n := g.dispatchCMGLLines(lines)
	if n > 0 {
		g.issueCmdNoMT("AT+CNMA=1")
	}
}

// dispatchCMGLLines scans +CMGL response lines (header line followed by
// a PDU hex line, repeated) and decodes/dispatches each message.
func (g *Gateway) dispatchCMGLLines(lines []string) int {
	count := 0
	for i := 0; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "+CMGL:") {
			if i+1 < len(lines) {
				g.dispatchIndication(indicationEvent{prefix: "+CMGL:", header: lines[i], pdu: lines[i+1]})
				count++
				i++
			}
		}
	}
	return count
}

// pollSignalStrength issues AT^MONI and AT+COPS?, and updates
// the Gateway's cached network-info string shown in the state file.
func (g *Gateway) pollSignalStrength() {
	moni, err := g.issueCmd("AT^MONI")
	if err != nil {
		g.log.Debug("MONI poll failed", "error", err)
		return
	}
	cops, err := g.issueCmd("AT+COPS?")
	if err != nil {
		g.log.Debug("COPS poll failed", "error", err)
		return
	}
	g.networkInfo = formatNetworkInfo(moni, cops)
	g.writeStateFile()
}

func formatNetworkInfo(moni, cops []string) string {
	m := strings.Join(moni, " ")
	c := strings.Join(cops, " ")
	return strings.TrimSpace("moni:" + m + " cops:" + c)
}

// listenBriefly blocks for a bounded interval on the transport for
// unsolicited MT, the final step of the UP/SLEEPING iteration.
func (g *Gateway) listenBriefly() {
	text, _, err := readUntil(g.tr, cmdReadBufLen, []string{"\n"}, nil, time.Second)
	if err != nil {
		g.log.Warn("transport error while idle-listening", "error", err)
		g.closeTransport()
		g.setState(stateDownRetrySleep, "idle-listen I/O error")
		return
	}
	if idx := firstIndicationIndex(text); idx >= 0 {
		g.drainIndications(text)
	}
}

// dispatchIndication routes a decoded MT indication either to the test
// hook (see gateway.go) or to the real handleIndication pipeline.
func (g *Gateway) dispatchIndication(ev indicationEvent) {
	if g.indicationHook != nil {
		g.indicationHook(ev)
		return
	}
	g.handleIndication(ev)
}

// handleIndication decodes one MT indication's PDU hex and routes it to
// the MT spool + handler-fork pipeline. Header-continuation
// fields beyond the PDU hex itself (e.g. the +CMT: alpha/length prefix)
// are not needed: the PDU decode recovers everything the spool file
// needs.
func (g *Gateway) handleIndication(ev indicationEvent) {
	g.stats.MT++
	pduHex := strings.TrimSpace(ev.pdu)
	msg, err := DecodePDU(pduHex)
	if err != nil {
		g.log.Error("MT PDU decode failed", "error", err, "prefix", ev.prefix)
		g.stats.MTFailParse++
		g.stats.MTFail++
		return
	}
	msg.MsgID = g.nextMsgID("mt", time.Now().UnixMilli())
	msg.Received = time.Now().UTC()

	if err := g.spoolAndDispatchMT(msg); err != nil {
		g.log.Error("MT handling failed", "error", err, "msgid", msg.MsgID)
		g.stats.MTFailHandle++
		g.stats.MTFail++
		return
	}
	g.stats.MTOk++
	g.log.Info("MT delivered", "msgid", msg.MsgID, "src", msg.Src)
}
