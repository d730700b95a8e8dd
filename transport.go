// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Byte-stream transport: open a serial device or a TCP host:port, and
// read/write against it through one narrow capability interface so
// higher layers never see which kind of stream they hold ("Dynamic
// dispatch across transports").
//
// Grounded on original_source/device.c (open_serial_device,
// open_socket_device, open_device, hwrite, readuntil, string_in,
// empty_read_buffer) for the algorithm, and on the reference
// serial.OpenPort(&serial.Config{...}) call in main.go for the Go serial
// backing (github.com/tarm/serial). TCP uses the stdlib net package; the
// out-of-scope byte pipe requirement means net.Conn already
// satisfies everything higher layers need.

// transport is the capability set {read bounded, write-all, close} that
// both backings satisfy.
type transport interface {
	// readByte blocks for at most timeout for one byte. ok==false means
	// the deadline elapsed with nothing read (maps to readUntil's 0
	// "timeout" case); a non-nil error means the stream failed (maps to
	// readUntil's -1 "error" case).
	readByte(timeout time.Duration) (b byte, ok bool, err error)
	write(s string) error
	close() error
}

const minSerialBaud = 300
const maxSerialBaud = 115200

var validBauds = map[int]bool{
	300: true, 600: true, 1200: true, 2400: true, 4800: true,
	9600: true, 19200: true, 38400: true, 57600: true, 76800: true, 115200: true,
}

// openDevice parses dev as either "host:port" (TCP) or a filesystem
// device path (serial), matching the dispatch rule: dev is TCP iff it
// contains a ':' whose suffix parses as a port in 1..65535.
func openDevice(dev string, baud int) (transport, error) {
	if host, port, ok := splitHostPort(dev); ok {
		return openSocketDevice(host, port)
	}
	return openSerialDevice(dev, baud)
}

func splitHostPort(dev string) (host string, port int, ok bool) {
	idx := strings.LastIndex(dev, ":")
	if idx < 0 {
		return "", 0, false
	}
	h, p := dev[:idx], dev[idx+1:]
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return "", 0, false
	}
	return h, n, true
}

func openSerialDevice(path string, baud int) (transport, error) {
	if !validBauds[baud] {
		return nil, errors.Errorf("unsupported serial port speed: %d", baud)
	}
	cfg := &serial.Config{
		Name: path,
		Baud: baud,
		// tarm/serial configures raw 8N1 local-only mode internally;
		// the ReadTimeout bounds each underlying Read so our readByte
		// loop can enforce its own deadline on top.
		ReadTimeout: 100 * time.Millisecond,
	}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial device %s", path)
	}
	return &streamTransport{rw: p}, nil
}

func openSocketDevice(host string, port int) (transport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	return &streamTransport{rw: conn, conn: conn}, nil
}

// streamTransport adapts an io.ReadWriteCloser (serial port or net.Conn)
// to the transport interface. When the backing is a net.Conn, readByte
// uses SetReadDeadline directly; for the serial backing (whose
// ReadTimeout is fixed at open time) it polls in ReadTimeout-sized slices
// until its own timeout elapses, mirroring the original's select()-based
// one-byte-at-a-time read.
type streamTransport struct {
	rw   interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
		Close() error
	}
	conn net.Conn
}

func (t *streamTransport) readByte(timeout time.Duration) (byte, bool, error) {
	deadline := time.Now().Add(timeout)
	if t.conn != nil {
		t.conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, 1)
	for {
		n, err := t.rw.Read(buf)
		if n == 1 {
			return buf[0], true, nil
		}
		if err != nil {
			if isTimeoutErr(err) {
				if time.Now().After(deadline) {
					return 0, false, nil
				}
				continue
			}
			return 0, false, errors.Wrap(err, "transport read")
		}
		if time.Now().After(deadline) {
			return 0, false, nil
		}
	}
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func (t *streamTransport) write(s string) error {
	n, err := t.rw.Write([]byte(s))
	if err != nil {
		return errors.Wrap(err, "transport write")
	}
	if n != len(s) {
		return errors.Errorf("short write: wrote %d of %d bytes", n, len(s))
	}
	return nil
}

func (t *streamTransport) close() error {
	return t.rw.Close()
}

// readUntil reads from tr one byte at a time, stripping '\r', appending
// to an internal buffer, until a literal substring from okSet or errSet
// appears, the buffer reaches buflen, or timeout elapses with no further
// data. Returns the accumulated text (empty if the timeout elapsed with
// nothing read) and:
//   - matchedErr == true: an errSet entry matched
//   - matchedErr == false, err == nil: an okSet entry matched, or the
//     buffer filled or the timeout elapsed without a match
//   - err != nil: transport failure
//
// Grounded on original_source/device.c's readuntil()/string_in(); the
// naive O(n*m) substring search is simply strings.Contains here.
func readUntil(tr transport, buflen int, okSet, errSet []string, timeout time.Duration) (text string, matchedErr bool, err error) {
	var buf strings.Builder
	deadline := time.Now().Add(timeout)

	for buf.Len() < buflen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		step := remaining
		if step > time.Second {
			step = time.Second
		}
		b, ok, rerr := tr.readByte(step)
		if rerr != nil {
			return buf.String(), false, rerr
		}
		if !ok {
			if time.Now().After(deadline) {
				break
			}
			continue
		}
		if b == '\r' {
			continue
		}
		buf.WriteByte(b)

		cur := buf.String()
		if stringIn(cur, errSet) {
			return cur, true, nil
		}
		if stringIn(cur, okSet) {
			return cur, false, nil
		}
	}

	return buf.String(), false, nil
}

// stringIn reports whether any of strs appears in buffer, per
// original_source/device.c's string_in().
func stringIn(buffer string, strs []string) bool {
	for _, s := range strs {
		if strings.Contains(buffer, s) {
			return true
		}
	}
	return false
}

// emptyReadBuffer drains any pending bytes from tr until a quiet period
// of quiet elapses, used to discard stale modem output before command
// sequences (original_source/device.c's empty_read_buffer()).
func emptyReadBuffer(tr transport, quiet time.Duration) (int, error) {
	n := 0
	for {
		b, ok, err := tr.readByte(quiet)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		_ = b
		n++
	}
}
