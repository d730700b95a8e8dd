// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Modem command dialogue: issueCmd/issueCmdNoMT. Grounded on
// SimpleAT.Command's approach (write cmd+"\r\n", collect lines until
// OK/ERROR, timeout bookkeeping) and rebuilt around
// original_source/m20d.c's issue_cmd(), whose defining property is that
// "wait for the command's own terminator" and "drain any interleaved MT
// indication" are the SAME loop: a caller that issued a command and
// simply waited for OK would silently swallow an indication that arrived
// first, so there must be no code path that waits for OK without also
// checking for +CMT:/+CBM:/+CDS:.
var (
	errCmdFailed  = errors.New("command failed")
	errCmdTimeout = errors.New("timeout")
)

var mtIndicationPrefixes = []string{"+CMT:", "+CBM:", "+CDS:"}

const (
	cmdReadBufLen = 4096
	mtLineTimeout = 5 * time.Second
)

// issueCmd sends cmd, waits for its OK/ERROR, and transparently dispatches
// any unsolicited MT indications interleaved ahead of the terminator (spec
// below). On success it returns the non-blank response lines read after the
// last dispatched indication, without the OK terminator; a command echo is
// not stripped.
func (g *Gateway) issueCmd(cmd string) ([]string, error) {
	return g.issueCmdInterleaved(cmd, true)
}

// issueCmdNoMT is the variant used when an interleaved MT indication would
// be a protocol violation (e.g. right after acknowledging a message via
// AT+CNMA); it treats an indication as an error rather than
// dispatching it.
func (g *Gateway) issueCmdNoMT(cmd string) ([]string, error) {
	return g.issueCmdInterleaved(cmd, false)
}

func (g *Gateway) issueCmdInterleaved(cmd string, allowMT bool) ([]string, error) {
	if err := g.tr.write(cmd + "\r\n"); err != nil {
		return nil, errors.Wrap(err, "issue_cmd write")
	}
	return g.waitForTerminator(allowMT)
}

// waitForTerminator runs the "await OK/ERROR, dispatch any interleaved
// MT indication first" loop on its own, with nothing written beforehand.
// Used both by issueCmd/issueCmdNoMT (after writing the command line) and
// by the AT+CMGS prompt dialogue (after writing the PDU body + Ctrl-Z).
func (g *Gateway) waitForTerminator(allowMT bool) ([]string, error) {
	var lines []string
	for {
		text, matchedErr, err := readUntil(g.tr, cmdReadBufLen, append([]string{"OK"}, mtIndicationPrefixes...), []string{"ERROR"}, g.cfg.CmdTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "issue_cmd read")
		}
		if text == "" && !matchedErr {
			return nil, errCmdTimeout
		}
		if matchedErr {
			return nil, errCmdFailed
		}

		if idx := firstIndicationIndex(text); idx >= 0 {
			if !allowMT {
				return nil, errors.New("unexpected MT indication during issue_cmd_nomt")
			}
			if err := g.drainIndications(text); err != nil {
				return nil, errors.Wrap(err, "drain interleaved MT indication")
			}
			// Re-enter the wait for the original command's OK; an
			// unbounded number of indications may precede it.
			continue
		}

		lines = append(lines, splitNonEmptyLines(trimTerminator(text))...)
		return lines, nil
	}
}

// firstIndicationIndex returns the byte offset of the first recognized MT
// indication prefix in text, or -1 if none is present.
func firstIndicationIndex(text string) int {
	best := -1
	for _, p := range mtIndicationPrefixes {
		if i := strings.Index(text, p); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// drainIndications performs the two additional bounded read_until passes
// (one for the header continuation, one for the PDU line),
// then scans the combined buffer for every occurrence of each indication
// prefix and dispatches each to the MT handler.
func (g *Gateway) drainIndications(buffered string) error {
	header, _, err := readUntil(g.tr, cmdReadBufLen, []string{"\n"}, nil, mtLineTimeout)
	if err != nil {
		return err
	}
	pdu, _, err := readUntil(g.tr, cmdReadBufLen, []string{"\n"}, nil, mtLineTimeout)
	if err != nil {
		return err
	}
	combined := buffered + header + pdu

	events := splitIndicationEvents(combined)
	for _, ev := range events {
		g.dispatchIndication(ev)
	}
	return nil
}

// indicationEvent is one dispatched {+CMT:/+CBM:/+CDS: header line, PDU
// hex line} pair extracted from a dialogue buffer.
type indicationEvent struct {
	prefix string
	header string
	pdu    string
}

// splitIndicationEvents walks buf left to right, cutting out one event per
// occurrence of each recognized prefix; the PDU hex is taken to be the
// next non-blank line after the prefix line.
func splitIndicationEvents(buf string) []indicationEvent {
	var events []indicationEvent
	lines := splitNonEmptyLines(buf)
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		for _, p := range mtIndicationPrefixes {
			if strings.HasPrefix(line, p) {
				var pdu string
				if i+1 < len(lines) {
					pdu = lines[i+1]
					i++
				}
				events = append(events, indicationEvent{prefix: p, header: line, pdu: pdu})
				break
			}
		}
	}
	return events
}

func trimTerminator(text string) string {
	text = strings.TrimSuffix(text, "OK")
	return text
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if l != "" && l != "OK" && l != "ERROR" {
			out = append(out, l)
		}
	}
	return out
}
