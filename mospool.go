// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const smsSpoolExt = ".sms"

// scanSpoolOnce processes at most one `.sms` file per call, per its
// "one file per scan pass" interleaving rule. Returns true if a file was
// found and processed (whatever the outcome).
func (g *Gateway) scanSpoolOnce() bool {
	entries, err := os.ReadDir(g.cfg.SpoolDir)
	if err != nil {
		g.log.Error("spool directory read failed", "dir", g.cfg.SpoolDir, "error", err)
		return false
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), smsSpoolExt) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return false
	}
	sort.Strings(names)

	path := filepath.Join(g.cfg.SpoolDir, names[0])
	g.setState(stateUpSendingMO, "processing spool file "+names[0])
	g.processSpoolFile(path)
	g.setState(stateUpSleeping, "spool file processed")
	return true
}

// moEnvelope is the parsed header block of a `.sms` spool file.
type moEnvelope struct {
	To      string
	Binary  bool
	HasUDH  bool
	PID     int
	DCS     int
	MsgID   string
}

// processSpoolFile parses path, attempts first-delivery, enqueues on
// failure, and unconditionally unlinks the file afterward ("After
// any outcome ... unlink the spool file unconditionally").
func (g *Gateway) processSpoolFile(path string) {
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			g.log.Error("spool file unlink failed", "path", path, "error", err)
		}
	}()

	g.stats.MO++

	env, body, err := parseMOEnvelope(path)
	if err != nil {
		g.log.Error("spool envelope parse failed", "path", path, "error", err)
		return
	}

	msg, err := buildMOMessage(env, body, g.nextMsgID("mo", time.Now().UnixMilli()))
	if err != nil {
		g.log.Error("spool message build failed", "path", path, "error", err)
		return
	}
	msg.Received = time.Now().UTC()
	msg.SpoolFile = path

	if err := g.mtransmit(msg); err != nil {
		g.log.Warn("MO first attempt failed, enqueueing", "msgid", msg.MsgID, "error", err)
		g.enqueueForRetry(msg)
		return
	}
	g.stats.MOOk++
	g.log.Info("MO delivered", "msgid", msg.MsgID, "dst", msg.Dst)
}

// parseMOEnvelope reads the RFC-822-style header block (terminated by a
// blank line) from path, then the body.
func parseMOEnvelope(path string) (moEnvelope, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return moEnvelope{}, nil, errors.Wrap(err, "open spool file")
	}
	defer f.Close()

	env := moEnvelope{PID: 0, DCS: 0}
	scanner := bufio.NewScanner(f)
	var bodyLines []string
	inBody := false

	for scanner.Scan() {
		line := scanner.Text()
		if inBody {
			bodyLines = append(bodyLines, line)
			continue
		}
		if strings.TrimSpace(line) == "" {
			inBody = true
			continue
		}
		key, value, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "to":
			env.To = value
		case "is-binary":
			env.Binary = value == "1"
		case "has-udh":
			env.HasUDH = value == "1"
		case "tp-pid":
			if n, err := strconv.Atoi(value); err == nil {
				env.PID = n
			}
		case "tp-dcs":
			if n, err := strconv.Atoi(value); err == nil {
				env.DCS = n
			}
		case "message-id":
			env.MsgID = value
		default:
			// Unknown keys warn and are skipped.
			slog.Warn("unknown spool header key skipped", "path", path, "key", key)
		}
	}
	if err := scanner.Err(); err != nil {
		return moEnvelope{}, nil, errors.Wrap(err, "read spool file")
	}
	if env.To == "" {
		return moEnvelope{}, nil, errors.New("spool envelope missing required To header")
	}

	body := strings.Join(bodyLines, "\n")
	return env, []byte(body), nil
}

func splitHeaderLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// buildMOMessage assembles a Message ready for encode/transmit from a
// parsed envelope and raw body bytes. Binary bodies are hex-encoded in
// the spool file; an odd-length hex string drops the last nibble with a
// warning.
func buildMOMessage(env moEnvelope, body []byte, genID string) (*Message, error) {
	msgID := env.MsgID
	if msgID == "" {
		msgID = genID
	}

	msg := &Message{
		MsgID:    msgID,
		Type:     0,
		PID:      byte(env.PID),
		DCS:      byte(env.DCS),
		IsBinary: env.Binary,
		HasUDH:   env.HasUDH,
		Dst:      env.To,
	}

	if env.Binary {
		hexBody := strings.TrimSpace(string(body))
		if len(hexBody)%2 != 0 {
			slog.Warn("odd-length binary spool body, last nibble dropped", "msgid", msgID)
			hexBody = hexBody[:len(hexBody)-1]
		}
		bin, err := hexstring2bin(hexBody)
		if err != nil {
			return nil, errors.Wrap(err, "decode binary spool body")
		}
		msg.Content = bin
	} else {
		msg.Content = body
	}

	return msg, nil
}
