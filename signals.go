// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// installSignals wires SIGINT/SIGTERM to the shutdown flag, SIGUSR1 to
// the stats-dump flag, and ignores SIGCHLD/SIGPIPE. Per the single-writer rule,
// signal handlers touch only the two atomic flags; runSession's top loop
// does the actual work.
//
// Generalized from a signal.Notify block pattern in main.go, which
// wired SIGINT/SIGTERM to a context cancel; here there are two distinct
// flags instead of one because SIGUSR1 must not tear down the session.
func (g *Gateway) installSignals() {
	signal.Ignore(unix.SIGCHLD, unix.SIGPIPE)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, unix.SIGINT, unix.SIGTERM)

	statsCh := make(chan os.Signal, 1)
	signal.Notify(statsCh, unix.SIGUSR1)

	go func() {
		for {
			select {
			case <-shutdownCh:
				g.shuttingDown.Store(true)
			case <-statsCh:
				g.dumpStats.Store(true)
			}
		}
	}()
}

// checkDumpStats logs the counter snapshot once if SIGUSR1 arrived since
// the last check.
func (g *Gateway) checkDumpStats() {
	if g.dumpStats.CompareAndSwap(true, false) {
		g.logStats()
	}
}

func (g *Gateway) logStats() {
	s := g.stats
	g.log.Info("stats snapshot",
		"mt", s.MT, "mt_ok", s.MTOk, "mt_fail", s.MTFail,
		"mt_fail_parse", s.MTFailParse, "mt_fail_handle", s.MTFailHandle,
		"mo", s.MO, "mo_ok", s.MOOk, "mo_tries", s.MOTries,
		"mo_try_fail", s.MOTryFail, "mo_dropped", s.MODropped,
		"mo_queued", s.MOQueued, "mo_queue_len", g.queue.length(),
	)
}
