package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open: the pure-Go default and the cgo alternative.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
)

// Store wraps SQLite-backed persistence for jobs, offsets, reductions and
// accumulation sequences.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the default driver.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open opens (or creates) the database at path and ensures schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverSQLite3 {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, path)
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
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_offsets (
            job_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            frame TEXT NOT NULL,
            row_offset INTEGER NOT NULL,
            col_offset INTEGER NOT NULL,
            refined BOOLEAN DEFAULT FALSE,
            PRIMARY KEY (job_id, frame_index)
        );`,
		`CREATE TABLE IF NOT EXISTS reductions (
            id TEXT PRIMARY KEY,
            job_id TEXT,
            summary_json TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS products (
            job_id TEXT,
            name TEXT NOT NULL,
            hdus INTEGER NOT NULL,
            rows INTEGER,
            cols INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS accumulations (
            sequence TEXT PRIMARY KEY,
            round INTEGER NOT NULL,
            product_path TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_reductions_job_id ON reductions(job_id);`,
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// OffsetRecord is the canvas placement of one frame in a job.
type OffsetRecord struct {
	Index   int
	Frame   string
	Row     int
	Col     int
	Refined bool
}

// AccumRecord is the persisted accumulator of an observing sequence.
type AccumRecord struct {
	Sequence    string
	Round       int
	ProductPath string
	UpdatedAt   time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job returns the record of one job, or sql.ErrNoRows.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	return scanJob(s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var created time.Time
	var started, completed sql.NullTime
	var input, output, options, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.InputPath, rec.OutputPath, rec.OptionsJSON = input.String, output.String, options.String
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordOffsets replaces the stored frame placements of a job.
func (s *Store) RecordOffsets(jobID string, recs []OffsetRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM frame_offsets WHERE job_id=?;`, jobID); err != nil {
		tx.Rollback()
		return err
	}
	for _, r := range recs {
		if _, err := tx.Exec(`INSERT INTO frame_offsets (job_id, frame_index, frame, row_offset, col_offset, refined) VALUES (?, ?, ?, ?, ?, ?);`,
			jobID, r.Index, r.Frame, r.Row, r.Col, r.Refined); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Offsets returns the stored placements of a job in frame order.
func (s *Store) Offsets(jobID string) ([]OffsetRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame_index, frame, row_offset, col_offset, refined FROM frame_offsets WHERE job_id=? ORDER BY frame_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OffsetRecord
	for rows.Next() {
		var r OffsetRecord
		if err := rows.Scan(&r.Index, &r.Frame, &r.Row, &r.Col, &r.Refined); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveAccum stores the accumulator of sequence after a round.
func (s *Store) SaveAccum(rec AccumRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO accumulations (sequence, round, product_path, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.Sequence, rec.Round, rec.ProductPath)
	return err
}

// LoadAccum returns the accumulator of sequence, or sql.ErrNoRows.
func (s *Store) LoadAccum(sequence string) (AccumRecord, error) {
	if s == nil {
		return AccumRecord{}, errors.New("store not initialized")
	}
	rec := AccumRecord{Sequence: sequence}
	err := s.DB.QueryRow(`SELECT round, product_path, updated_at FROM accumulations WHERE sequence=?;`, sequence).
		Scan(&rec.Round, &rec.ProductPath, &rec.UpdatedAt)
	return rec, err
}

// ResetAccum forgets the accumulator of sequence.
func (s *Store) ResetAccum(sequence string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM accumulations WHERE sequence=?;`, sequence)
	return err
}
