package store

import (
	"database/sql"
	"fmt"
)

// Property is a persisted operator default.
type Property struct {
	Scope     string
	Key       string
	Value     string
	UpdatedAt int64
}

// GetProperty returns the value of key in scope.
func (db *DB) GetProperty(scope, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRow(
		`SELECT value FROM properties WHERE scope = ? AND key = ?`, scope, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying property: %w", err)
	}
	return value, true, nil
}

// SetProperty stores value for key in scope.
func (db *DB) SetProperty(scope, key, value string) error {
	_, err := db.conn.Exec(
		`INSERT INTO properties (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		scope, key, value, nowMs(),
	)
	if err != nil {
		return fmt.Errorf("upserting property: %w", err)
	}
	return nil
}

// DeleteProperty removes key from scope. It reports whether it existed.
func (db *DB) DeleteProperty(scope, key string) (bool, error) {
	res, err := db.conn.Exec(`DELETE FROM properties WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		return false, fmt.Errorf("deleting property: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListProperties returns all properties ordered by scope and key.
func (db *DB) ListProperties() ([]*Property, error) {
	rows, err := db.conn.Query(`SELECT scope, key, value, updated_at FROM properties ORDER BY scope, key`)
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()

	var props []*Property
	for rows.Next() {
		var p Property
		if err := rows.Scan(&p.Scope, &p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		props = append(props, &p)
	}
	return props, rows.Err()
}
