package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"modver/internal/capability"
)

// BuildLogInfo describes an archived build log.
type BuildLogInfo struct {
	ID        int64
	RunID     string
	NodePath  string
	Version   string
	Target    string
	Reason    string
	CreatedAt int64
	Size      int64
}

// buildLogWriter buffers build output and archives it on Close.
type buildLogWriter struct {
	db    *DB
	runID string
	bc    capability.BuildContext
	buf   bytes.Buffer
	echo  io.Writer
}

func (w *buildLogWriter) Write(p []byte) (int, error) {
	if w.echo != nil {
		w.echo.Write(p)
	}
	return w.buf.Write(p)
}

func (w *buildLogWriter) Close() error {
	_, err := w.db.InsertBuildLog(w.runID, w.bc, w.buf.Bytes())
	return err
}

// BuildLogs archives build output in the database. It implements
// engine.BuildLogSink.
type BuildLogs struct {
	DB *DB
	// Echo, when set, also receives the output as it is written.
	Echo io.Writer
}

// BuildLog opens a writer for the output of one build.
func (b *BuildLogs) BuildLog(runID string, bc capability.BuildContext) (io.WriteCloser, error) {
	return &buildLogWriter{db: b.DB, runID: runID, bc: bc, echo: b.Echo}, nil
}

// InsertBuildLog compresses and stores a build log.
func (db *DB) InsertBuildLog(runID string, bc capability.BuildContext, content []byte) (int64, error) {
	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed)
	if err != nil {
		return 0, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := encoder.Write(content); err != nil {
		encoder.Close()
		return 0, fmt.Errorf("compressing: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return 0, fmt.Errorf("closing encoder: %w", err)
	}

	result, err := db.conn.Exec(
		`INSERT INTO build_logs (run_id, node_path, version, target, reason, created_at, size, blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, string(bc.ModuleVersion.NodePath), bc.ModuleVersion.Version.String(), bc.Target.String(),
		bc.Reason, nowMs(), len(content), compressed.Bytes(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting build log: %w", err)
	}
	return result.LastInsertId()
}

// ReadBuildLog returns the decompressed content of a build log.
func (db *DB) ReadBuildLog(id int64) ([]byte, error) {
	var blob []byte
	err := db.conn.QueryRow(`SELECT blob FROM build_logs WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrBuildLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying build log: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()
	content, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing build log: %w", err)
	}
	return content, nil
}

// ListBuildLogs returns the build logs of a run, or all when runID is empty.
func (db *DB) ListBuildLogs(runID string) ([]*BuildLogInfo, error) {
	query := `SELECT id, run_id, node_path, version, target, reason, created_at, size FROM build_logs`
	var args []interface{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying build logs: %w", err)
	}
	defer rows.Close()

	var logs []*BuildLogInfo
	for rows.Next() {
		var l BuildLogInfo
		if err := rows.Scan(&l.ID, &l.RunID, &l.NodePath, &l.Version, &l.Target, &l.Reason, &l.CreatedAt, &l.Size); err != nil {
			return nil, fmt.Errorf("scanning build log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
