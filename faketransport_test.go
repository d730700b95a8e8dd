package main

import "time"

// fakeTransport is a scripted in-memory transport used across this
// package's tests: readByte serves bytes queued in toRead; write just
// records what was sent. No real timing is involved; a hand-rolled fake
// keeps these tests free of a mocking library dependency.
type fakeTransport struct {
	toRead  []byte
	written []string
	closed  bool
}

func newFakeTransport(script string) *fakeTransport {
	return &fakeTransport{toRead: []byte(script)}
}

func (t *fakeTransport) readByte(timeout time.Duration) (byte, bool, error) {
	if len(t.toRead) == 0 {
		return 0, false, nil
	}
	b := t.toRead[0]
	t.toRead = t.toRead[1:]
	return b, true, nil
}

func (t *fakeTransport) write(s string) error {
	t.written = append(t.written, s)
	return nil
}

func (t *fakeTransport) close() error {
	t.closed = true
	return nil
}

func (t *fakeTransport) feed(s string) {
	t.toRead = append(t.toRead, []byte(s)...)
}
