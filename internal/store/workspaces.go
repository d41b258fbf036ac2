package store

import (
	"database/sql"
	"fmt"
)

// WorkspaceRecord indexes a workspace directory.
type WorkspaceRecord struct {
	Path      string
	NodePath  string
	Version   string
	Mode      string
	CreatedAt int64
	UpdatedAt int64
}

const workspaceColumns = `path, node_path, version, mode, created_at, updated_at`

func scanWorkspace(row interface{ Scan(...interface{}) error }) (*WorkspaceRecord, error) {
	var w WorkspaceRecord
	if err := row.Scan(&w.Path, &w.NodePath, &w.Version, &w.Mode, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// PutWorkspace inserts or updates a workspace record.
func (db *DB) PutWorkspace(w *WorkspaceRecord) error {
	ts := nowMs()
	_, err := db.conn.Exec(
		`INSERT INTO workspaces (`+workspaceColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET node_path=excluded.node_path, version=excluded.version,
		   mode=excluded.mode, updated_at=excluded.updated_at`,
		w.Path, w.NodePath, w.Version, w.Mode, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upserting workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns the record of the workspace at path.
func (db *DB) GetWorkspace(path string) (*WorkspaceRecord, error) {
	w, err := scanWorkspace(db.conn.QueryRow(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE path = ?`, path,
	))
	if err == sql.ErrNoRows {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workspace: %w", err)
	}
	return w, nil
}

// FindWorkspaces returns the workspaces of a module in a mode.
func (db *DB) FindWorkspaces(nodePath, mode string) ([]*WorkspaceRecord, error) {
	return db.queryWorkspaces(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE node_path = ? AND mode = ? ORDER BY path`,
		nodePath, mode,
	)
}

// ListWorkspaces returns every indexed workspace.
func (db *DB) ListWorkspaces() ([]*WorkspaceRecord, error) {
	return db.queryWorkspaces(`SELECT ` + workspaceColumns + ` FROM workspaces ORDER BY node_path, path`)
}

func (db *DB) queryWorkspaces(query string, args ...interface{}) ([]*WorkspaceRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying workspaces: %w", err)
	}
	defer rows.Close()

	var out []*WorkspaceRecord
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes the record of the workspace at path.
func (db *DB) DeleteWorkspace(path string) error {
	if _, err := db.conn.Exec(`DELETE FROM workspaces WHERE path = ?`, path); err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	return nil
}
