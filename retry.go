// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// Retry scheduler and MO transmission (encode,
// send AT+CMGS, wait for the post-PDU OK under transmit_timeout).
//
// The backoff curve itself — retry_time = min(init*mult^n, max) — is
// delegated to github.com/jpillora/backoff rather than hand-rolled: its
// Backoff{Min,Max,Factor}.ForAttempt(n) computes exactly that closed
// form, and using it keeps the multiplicative-growth math (and its
// float-to-duration rounding) in one well-tested place instead of
// reimplementing jpillora's own algorithm next to it.

const transmitTimeout = 60 * time.Second

// dueRetries returns every queued message whose next_try has arrived,
// walked head-to-tail ("order is by due time, not by
// insertion").
func (g *Gateway) dueRetries() []*Message {
	now := time.Now()
	var due []*Message
	for _, m := range g.queue.items() {
		if !m.NextTry.After(now) {
			due = append(due, m)
		}
	}
	return due
}

// attemptRetry re-transmits a queued message and applies the
// success/failure disposition.
func (g *Gateway) attemptRetry(m *Message) {
	if err := g.mtransmit(m); err != nil {
		g.log.Warn("MO retry failed", "msgid", m.MsgID, "tries", m.Tries, "error", err)
		g.stats.MOTryFail++
		g.rescheduleOrDrop(m)
		return
	}
	g.queue.remove(m)
	g.removePersisted(m)
	g.stats.MOOk++
	g.log.Info("MO delivered on retry", "msgid", m.MsgID, "tries", m.Tries)
}

// enqueueForRetry is invoked on a first-attempt failure: the
// message gets tries=1, retry_time=mo_queue_init_retryt, then
// next_try = now + retry_time.
func (g *Gateway) enqueueForRetry(m *Message) {
	m.Tries = 1
	m.RetryTime = g.cfg.InitialRetry
	m.NextTry = time.Now().Add(m.RetryTime)
	g.queue.push(m)
	g.stats.MOQueued++
	g.persistQueued(m)
}

// rescheduleOrDrop applies the failure disposition: drop after
// mo_queue_max_tries, else grow retry_time via the shared backoff curve.
func (g *Gateway) rescheduleOrDrop(m *Message) {
	m.Tries++
	if m.Tries >= g.cfg.MaxRetries {
		g.queue.remove(m)
		g.removePersisted(m)
		g.stats.MODropped++
		g.log.Error("MO dropped after max retries", "msgid", m.MsgID, "tries", m.Tries)
		return
	}

	b := &backoff.Backoff{
		Min:    g.cfg.InitialRetry,
		Max:    maxRetryDuration,
		Factor: g.cfg.RetryMultiplier,
	}
	// ForAttempt(0) returns Min; attempt n-1 (0-indexed) corresponds to
	// the n-th failure's resulting retry_time, per the worked example
	// (10, 30, 90, 270, 300, 300, ...).
	m.RetryTime = b.ForAttempt(float64(m.Tries - 1))
	if m.RetryTime > maxRetryDuration {
		m.RetryTime = maxRetryDuration
	}
	m.RetryTime = m.RetryTime.Truncate(time.Second)
	m.NextTry = time.Now().Add(m.RetryTime)
	g.persistQueued(m)
}

const maxRetryDuration = 300 * time.Second

// mtransmit encodes m as an SMS-SUBMIT PDU, issues AT+CMGS=<len>, writes
// the PDU terminated by Ctrl-Z, and waits up to transmitTimeout for the
// modem's OK. The AT+CMGS dialogue can interleave unsolicited MT
// indications ahead of the prompt and the final OK ("Interleaved MT
// during MO" scenario) — issueCmd's interleave handling covers both.
//
// stats.MOTries is bumped here rather than by each caller so that it
// counts every transmit attempt, first try included, matching
// mo_transmit's stats_mo_tries bump in the original.
func (g *Gateway) mtransmit(m *Message) error {
	g.stats.MOTries++
	pdu, err := EncodePDU(m)
	if err != nil {
		return errors.Wrap(err, "encode MO PDU")
	}
	// pdu is "smsc-octet-pair-hex" + TPDU hex; AT+CMGS's length argument
	// counts TPDU octets only, i.e. excluding the leading SMSC byte pair.
	tpduOctets := (len(pdu) - 2) / 2

	saved := g.cfg.CmdTimeout
	g.cfg.CmdTimeout = transmitTimeout
	defer func() { g.cfg.CmdTimeout = saved }()

	if _, err := g.issueCmdPrompt(pdu, tpduOctets); err != nil {
		return errors.Wrap(err, "AT+CMGS failed")
	}
	return nil
}

// issueCmdPrompt is the AT+CMGS-specific variant of issueCmd: it waits
// for the "> " prompt (interleaving MT the same way issueCmd does),
// then writes the PDU plus Ctrl-Z, then waits for the final OK.
func (g *Gateway) issueCmdPrompt(pdu string, tpduOctets int) ([]string, error) {
	cmd := "AT+CMGS=" + strconv.Itoa(tpduOctets)
	if err := g.tr.write(cmd + "\r\n"); err != nil {
		return nil, errors.Wrap(err, "write AT+CMGS")
	}

	for {
		text, matchedErr, err := readUntil(g.tr, cmdReadBufLen, append([]string{">"}, mtIndicationPrefixes...), []string{"ERROR"}, g.cfg.CmdTimeout)
		if err != nil {
			return nil, err
		}
		if matchedErr {
			return nil, errCmdFailed
		}
		if text == "" {
			return nil, errCmdTimeout
		}
		if idx := firstIndicationIndex(text); idx >= 0 {
			if err := g.drainIndications(text); err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	if err := g.tr.write(pdu + "\x1A"); err != nil {
		return nil, errors.Wrap(err, "write PDU body")
	}
	return g.waitForTerminator(true)
}
