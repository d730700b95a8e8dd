// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Retry-queue persistence, resolving the open question of
// ("Retry-queue persistence is absent ... Consider persisting to the
// spool directory under a reserved extension"): instead of a reserved
// spool extension, the queue is mirrored into a small SQLite database
// (by default .retryqueue.db inside the spool directory), so an unclean
// shutdown can reload exactly
// the rows still pending.
//
// Grounded on bakode-goatsms's internal/db/db.go: the schema-version
// table + re-init-if-stale check, and the thin *sql.DB wrapper with
// explicit Exec/Query CRUD methods, reused verbatim in shape and adapted
// to the MO queue's own row shape.
const persistSchemaVersion = "m20d_queue v1"

type persistStore struct {
	db *sql.DB
}

// openPersistStore opens (creating/migrating if needed) the SQLite file
// at path and returns the store ready for use.
func openPersistStore(path string) (*persistStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open retry-queue store")
	}

	needsInit := true
	if rows, err := db.Query("SELECT version FROM schema_version"); err == nil {
		if rows.Next() {
			var version string
			if err := rows.Scan(&version); err == nil && version == persistSchemaVersion {
				needsInit = false
			}
		}
		rows.Close()
	}

	store := &persistStore{db: db}
	if needsInit {
		if err := store.init(); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "initialize retry-queue store")
		}
	}
	return store, nil
}

func (s *persistStore) init() error {
	cmds := []string{
		`CREATE TABLE IF NOT EXISTS mo_queue (
			msgid       TEXT PRIMARY KEY,
			dst         TEXT NOT NULL,
			pid         INTEGER NOT NULL,
			dcs         INTEGER NOT NULL,
			is_binary   INTEGER NOT NULL,
			has_udh     INTEGER NOT NULL,
			content     BLOB NOT NULL,
			tries       INTEGER NOT NULL,
			retry_time  INTEGER NOT NULL,
			next_try    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`DELETE FROM schema_version`,
		`INSERT INTO schema_version(version) VALUES('` + persistSchemaVersion + `')`,
	}
	for _, cmd := range cmds {
		if _, err := s.db.Exec(cmd); err != nil {
			return err
		}
	}
	return nil
}

// upsert mirrors a queued message's current retry state into the store,
// called on every enqueue/reschedule.
func (s *persistStore) upsert(m *Message) error {
	_, err := s.db.Exec(
		`INSERT INTO mo_queue(msgid, dst, pid, dcs, is_binary, has_udh, content, tries, retry_time, next_try)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(msgid) DO UPDATE SET
		   tries=excluded.tries, retry_time=excluded.retry_time, next_try=excluded.next_try`,
		m.MsgID, m.Dst, int(m.PID), int(m.DCS), boolToInt(m.IsBinary), boolToInt(m.HasUDH),
		m.Content, m.Tries, int64(m.RetryTime/time.Second), m.NextTry.Unix(),
	)
	return err
}

// remove deletes a message's row, called on successful delivery or drop.
func (s *persistStore) remove(msgID string) error {
	_, err := s.db.Exec(`DELETE FROM mo_queue WHERE msgid = ?`, msgID)
	return err
}

// loadAll reconstructs every persisted row as a *Message, used at
// startup to reload messages left over from an unclean shutdown.
func (s *persistStore) loadAll() ([]*Message, error) {
	rows, err := s.db.Query(`SELECT msgid, dst, pid, dcs, is_binary, has_udh, content, tries, retry_time, next_try FROM mo_queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			msgID, dst            string
			pid, dcs              int
			isBinary, hasUDH       int
			content                []byte
			tries                  int
			retryTimeS, nextTryUTC int64
		)
		if err := rows.Scan(&msgID, &dst, &pid, &dcs, &isBinary, &hasUDH, &content, &tries, &retryTimeS, &nextTryUTC); err != nil {
			return nil, err
		}
		out = append(out, &Message{
			MsgID:     msgID,
			Dst:       dst,
			PID:       byte(pid),
			DCS:       byte(dcs),
			IsBinary:  isBinary != 0,
			HasUDH:    hasUDH != 0,
			Content:   content,
			Tries:     tries,
			RetryTime: time.Duration(retryTimeS) * time.Second,
			NextTry:   time.Unix(nextTryUTC, 0).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *persistStore) close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// persistQueued mirrors the queue entry; errors are logged, not
// propagated, since persistence is a durability nicety and must never
// block MO delivery (durability is additive to, not a dependency of, the
// in-memory queue).
func (g *Gateway) persistQueued(m *Message) {
	if g.store == nil {
		return
	}
	if err := g.store.upsert(m); err != nil {
		g.log.Warn("retry-queue persistence upsert failed", "msgid", m.MsgID, "error", err)
	}
}

func (g *Gateway) removePersisted(m *Message) {
	if g.store == nil {
		return
	}
	if err := g.store.remove(m.MsgID); err != nil {
		g.log.Warn("retry-queue persistence remove failed", "msgid", m.MsgID, "error", err)
	}
}

// reloadPersistedQueue is called once at startup, before the session opens
// the transport, to requeue rows left by an unclean shutdown.
func (g *Gateway) reloadPersistedQueue() {
	if g.store == nil {
		return
	}
	msgs, err := g.store.loadAll()
	if err != nil {
		g.log.Error("retry-queue reload failed", "error", err)
		return
	}
	for _, m := range msgs {
		g.queue.push(m)
	}
	if len(msgs) > 0 {
		g.log.Info("reloaded persisted retry queue", "count", len(msgs))
	}
}

func (g *Gateway) closeStore() {
	if g.store == nil {
		return
	}
	if err := g.store.close(); err != nil {
		g.log.Warn("retry-queue store close failed", "error", err)
	}
}
