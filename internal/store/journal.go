package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"

	"modver/internal/engine"
)

// ActionEntry is a journaled action.
type ActionEntry struct {
	Seq         int64
	ID          []byte
	Parent      []byte
	RunID       string
	RunSeq      int
	Job         string
	NodePath    string
	Version     string
	Description string
	At          int64
}

// RecordAction appends an action to the journal, chained to the previous
// entry. It implements engine.ActionRecorder.
func (db *DB) RecordAction(a engine.Action) error {
	tx, err := db.BeginTx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var parent []byte
	err = tx.QueryRow(`SELECT id FROM actions ORDER BY seq DESC LIMIT 1`).Scan(&parent)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("getting journal head: %w", err)
	}

	at := a.At.UnixMilli()
	entry := map[string]interface{}{
		"at":          at,
		"run":         a.RunID,
		"runSeq":      a.Seq,
		"job":         a.Job,
		"module":      a.ModuleVersion.String(),
		"description": a.Description,
	}
	if parent != nil {
		entry["parent"] = hex.EncodeToString(parent)
	}
	// encoding/json sorts map keys, so the entry hashes deterministically.
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}
	id := blake3.Sum256(entryJSON)

	_, err = tx.Exec(
		`INSERT INTO actions (id, parent, run_id, run_seq, job, node_path, version, description, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id[:], parent, a.RunID, a.Seq, a.Job, string(a.ModuleVersion.NodePath), a.ModuleVersion.Version.String(), a.Description, at,
	)
	if err != nil {
		return fmt.Errorf("inserting action: %w", err)
	}
	return tx.Commit()
}

// ListActions returns journal entries, optionally of one run, oldest first.
// limit <= 0 returns everything.
func (db *DB) ListActions(runID string, limit int) ([]*ActionEntry, error) {
	query := `SELECT seq, id, parent, run_id, run_seq, job, node_path, version, description, at FROM actions`
	var args []interface{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	defer rows.Close()

	var entries []*ActionEntry
	for rows.Next() {
		var e ActionEntry
		if err := rows.Scan(&e.Seq, &e.ID, &e.Parent, &e.RunID, &e.RunSeq, &e.Job, &e.NodePath, &e.Version, &e.Description, &e.At); err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Run is a journaled job execution.
type Run struct {
	ID         string
	Job        string
	StartedAt  int64
	FinishedAt *int64
	Aborted    bool
	Failures   *string
}

// RecordRun stores the summary of a finished run.
func (db *DB) RecordRun(r *Run) error {
	_, err := db.conn.Exec(
		`INSERT INTO runs (id, job, started_at, finished_at, aborted, failures) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET finished_at=excluded.finished_at, aborted=excluded.aborted, failures=excluded.failures`,
		r.ID, r.Job, r.StartedAt, r.FinishedAt, r.Aborted, r.Failures,
	)
	if err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given ID.
func (db *DB) GetRun(id string) (*Run, error) {
	var r Run
	err := db.conn.QueryRow(
		`SELECT id, job, started_at, finished_at, aborted, failures FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Job, &r.StartedAt, &r.FinishedAt, &r.Aborted, &r.Failures)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs first.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(
		`SELECT id, job, started_at, finished_at, aborted, failures FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Job, &r.StartedAt, &r.FinishedAt, &r.Aborted, &r.Failures); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
