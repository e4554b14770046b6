// Package delta journals filesystem changes made by write-category tools
// so a turn can be reverted. Entries are persisted to SQLite (sharing the
// kernel's cache database) keyed by (session, turn); the original
// content of each touched file is captured once per turn, before the
// first change.
package delta

import (
	"database/sql"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Journal records reversible file changes for the active turn.
type Journal struct {
	mu        sync.Mutex
	db        *sql.DB
	sessionID string
	turn      int64 // 0 = journaling off
}

// NewJournal creates a Journal writing to db. Nothing is recorded until
// Begin names a session and turn.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Begin scopes subsequent recordings to (sessionID, turn).
func (j *Journal) Begin(sessionID string, turn int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessionID = sessionID
	j.turn = turn
}

// Active reports whether the journal is currently scoped to a turn.
func (j *Journal) Active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.turn != 0 && j.sessionID != ""
}

// FileChanged captures a file's content as it was before this turn first
// touched it. Later changes to the same file in the same turn are no-ops;
// the first capture is the revert target.
func (j *Journal) FileChanged(path string, before []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.turn == 0 || j.sessionID == "" {
		return
	}

	var exists bool
	err := j.db.QueryRow(
		`SELECT 1 FROM file_deltas WHERE session_id = ? AND turn_id = ? AND file_path = ? LIMIT 1`,
		j.sessionID, j.turn, path,
	).Scan(&exists)
	if err == nil && exists {
		return
	}

	if _, err := j.db.Exec(
		`INSERT INTO file_deltas (session_id, turn_id, file_path, op, old_content, created)
		 VALUES (?, ?, ?, 'modify', ?, strftime('%s','now'))`,
		j.sessionID, j.turn, path, before,
	); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("failed to journal file change")
	}
}

// FileCreated records that this turn created path; revert deletes it.
func (j *Journal) FileCreated(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.turn == 0 || j.sessionID == "" {
		return
	}
	if _, err := j.db.Exec(
		`INSERT INTO file_deltas (session_id, turn_id, file_path, op, old_content, created)
		 VALUES (?, ?, ?, 'create', NULL, strftime('%s','now'))`,
		j.sessionID, j.turn, path,
	); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("failed to journal file creation")
	}
}

// Revert undoes every journaled change of (sessionID, turn) in reverse
// order: changed files get their captured content back, created files are
// removed. Returns the affected paths.
func (j *Journal) Revert(sessionID string, turn int64) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT file_path, op, old_content FROM file_deltas
		 WHERE session_id = ? AND turn_id = ?
		 ORDER BY id DESC`,
		sessionID, turn,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var affected []string
	for rows.Next() {
		var path, op string
		var before []byte
		if err := rows.Scan(&path, &op, &before); err != nil {
			log.Warn().Err(err).Msg("failed to scan journal row")
			continue
		}
		affected = append(affected, path)
		switch op {
		case "modify":
			if err := os.WriteFile(path, before, 0600); err != nil {
				log.Warn().Err(err).Str("file", path).Msg("revert: failed to restore file")
			}
		case "create":
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("file", path).Msg("revert: failed to remove created file")
			}
		}
	}
	return affected, rows.Err()
}

// Drop discards a turn's journal entries without touching the files.
func (j *Journal) Drop(sessionID string, turn int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.Exec(
		`DELETE FROM file_deltas WHERE session_id = ? AND turn_id = ?`,
		sessionID, turn,
	); err != nil {
		log.Warn().Err(err).Int64("turn", turn).Msg("failed to drop turn journal")
	}
}
