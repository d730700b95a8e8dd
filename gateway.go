// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"sync/atomic"
)

// Gateway is the single top-level owner of all process-wide mutable
// state ("keep these as fields on a
// single top-level owner, not true globals"): the transport, the MO
// retry queue, the counters, the running-state enum, and the
// state-file path. Exactly one goroutine — the one running runSession —
// ever mutates these fields; see session.go.
type Gateway struct {
	cfg *Config

	tr transport

	queue     moQueue
	msgIDSeq  int // rolling message-ID counter, see pdu.go's genMsgID

	stats Stats

	state        sessionState
	stateMessage string
	networkInfo  string

	lastPoll int64 // unix seconds of the last UP/POLLING pass

	store    *persistStore
	notifier *Notifier

	log *slog.Logger

	// indicationHook, when set, replaces handleIndication as the target
	// of dispatched MT indications; used only by dialogue_test.go and
	// session_test.go so
	// interleave-handling tests don't need a full spool+handler fixture.
	indicationHook func(indicationEvent)

	// shuttingDown and dumpStats are the only state signal handlers are
	// allowed to touch directly; the main loop polls them at the
	// top of every iteration and performs the actual work itself.
	shuttingDown atomic.Bool
	dumpStats    atomic.Bool
}

// Stats holds the observable counters. All fields are monotonic; the
// queue-length gauge is not stored here but read from queue.length()
// whenever it is reported.
type Stats struct {
	MT           int64
	MTOk         int64
	MTFail       int64
	MTFailParse  int64
	MTFailHandle int64

	MO         int64
	MOOk       int64
	MOTries    int64
	MOTryFail  int64
	MODropped  int64
	MOQueued   int64
}

func newGateway(cfg *Config, log *slog.Logger) *Gateway {
	return &Gateway{
		cfg:   cfg,
		log:   log,
		state: stateDownInit,
	}
}

// nextMsgID generates a message-id with the given direction prefix
// ("mo"/"mt"), advancing the Gateway-owned rolling counter.
func (g *Gateway) nextMsgID(prefix string, nowMillis int64) string {
	return genMsgID(prefix, nowMillis, &g.msgIDSeq)
}
