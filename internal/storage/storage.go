package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for blur runs and viewer sessions.
// A nil *Store is valid: writes are no-ops and reads report an error.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            inputs_json TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS viewer_sessions (
            id TEXT PRIMARY KEY,
            root TEXT,
            dirs_json TEXT,
            port INTEGER,
            mode TEXT,
            streams INTEGER,
            images INTEGER,
            started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            stopped_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_results_run_id ON run_results(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted diff or score run.
type RunRecord struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Inputs      []string   `json:"inputs"`
	OutputPath  string     `json:"output,omitempty"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SessionRecord captures one viewer launch.
type SessionRecord struct {
	ID        string     `json:"id"`
	Root      string     `json:"root"`
	Dirs      []string   `json:"dirs"`
	Port      int        `json:"port"`
	Mode      string     `json:"mode"`
	Streams   int        `json:"streams"`
	Images    int        `json:"images"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	inputs, _ := json.Marshal(rec.Inputs)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, kind, status, inputs_json, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Status, string(inputs), rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, status, inputs_json, output_path, options_json, created_at, started_at, completed_at, error_message FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var inputs, output, options, errorMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Status, &inputs, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		if inputs.Valid && inputs.String != "" {
			if err := json.Unmarshal([]byte(inputs.String), &rec.Inputs); err != nil {
				return nil, fmt.Errorf("unmarshal inputs for %s: %w", rec.ID, err)
			}
		}
		rec.OutputPath = output.String
		rec.OptionsJSON = options.String
		rec.Error = errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordSessionStart persists a viewer launch.
func (s *Store) RecordSessionStart(rec SessionRecord) error {
	if s == nil {
		return nil
	}
	dirs, _ := json.Marshal(rec.Dirs)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO viewer_sessions (id, root, dirs_json, port, mode, streams, images) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Root, string(dirs), rec.Port, rec.Mode, rec.Streams, rec.Images)
	return err
}

// UpdateSessionCounts refreshes stream and image totals after a rebuild.
func (s *Store) UpdateSessionCounts(id string, streams, images int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE viewer_sessions SET streams=?, images=? WHERE id=?;`, streams, images, id)
	return err
}

// RecordSessionStop marks a viewer session as finished.
func (s *Store) RecordSessionStop(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE viewer_sessions SET stopped_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecentSessions returns the latest viewer sessions up to limit.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, root, dirs_json, port, mode, streams, images, started_at, stopped_at FROM viewer_sessions ORDER BY started_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var dirs sql.NullString
		var stopped sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Root, &dirs, &rec.Port, &rec.Mode, &rec.Streams, &rec.Images, &rec.StartedAt, &stopped); err != nil {
			return nil, err
		}
		if dirs.Valid && dirs.String != "" {
			if err := json.Unmarshal([]byte(dirs.String), &rec.Dirs); err != nil {
				return nil, fmt.Errorf("unmarshal dirs for %s: %w", rec.ID, err)
			}
		}
		if stopped.Valid {
			rec.StoppedAt = &stopped.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
