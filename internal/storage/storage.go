package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"platesolver/internal/errors"
)

// ErrNotFound is returned when a job or solution does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for solve jobs and their results.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// one writer; the pipeline workers share the handle
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS solve_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            options_json TEXT,
            reason TEXT,
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
		`CREATE TABLE IF NOT EXISTS solutions (
            job_id TEXT PRIMARY KEY,
            ra REAL NOT NULL,
            dec REAL NOT NULL,
            scale_arcsec REAL NOT NULL,
            rotation_deg REAL NOT NULL,
            parity INTEGER NOT NULL,
            width INTEGER,
            height INTEGER,
            votes REAL,
            matches INTEGER,
            mean_residual_px REAL,
            rms_residual_px REAL,
            wcs_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS match_pairs (
            job_id TEXT NOT NULL,
            image_index INTEGER,
            x REAL,
            y REAL,
            catalog_id INTEGER,
            ra REAL,
            dec REAL,
            mag REAL,
            residual_px REAL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_match_pairs_job_id ON match_pairs(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return errors.Wrap(err, "ensure schema")
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
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OptionsJSON string     `json:"options,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SolutionRecord is the persisted summary of a solved job.
type SolutionRecord struct {
	JobID          string          `json:"job_id"`
	RA             float64         `json:"ra"`
	Dec            float64         `json:"dec"`
	ScaleArcsec    float64         `json:"scale_arcsec"`
	RotationDeg    float64         `json:"rotation_deg"`
	Parity         int             `json:"parity"`
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	Votes          float64         `json:"votes"`
	Matches        int             `json:"matches"`
	MeanResidualPx float64         `json:"mean_residual_px"`
	RMSResidualPx  float64         `json:"rms_residual_px"`
	WCS            json.RawMessage `json:"wcs,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PairRecord is one persisted image/catalog star match.
type PairRecord struct {
	ImageIndex int     `json:"image_index"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	CatalogID  int64   `json:"catalog_id"`
	RA         float64 `json:"ra"`
	Dec        float64 `json:"dec"`
	Mag        float64 `json:"mag"`
	ResidualPx float64 `json:"residual_px"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solve_jobs (id, job_type, status, input_path, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE solve_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status, failure reason and meta.
func (s *Store) RecordJobResult(id, status, reason string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshal job meta")
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE solve_jobs SET status=?, reason=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, reason, errMsg, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON)); err != nil {
		return err
	}
	return tx.Commit()
}

const jobColumns = `id, job_type, status, input_path, options_json, reason, created_at, started_at, completed_at, error_message`

func scanJob(row interface{ Scan(...any) error }) (JobRecord, error) {
	var rec JobRecord
	var input, options, reason, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &options, &reason, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.InputPath, rec.OptionsJSON, rec.Reason, rec.Error = input.String, options.String, reason.String, errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM solve_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
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

// Job fetches one job.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	rec, err := scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM solve_jobs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return rec, err
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "meta for job %s", id)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, errors.Wrap(err, "unmarshal meta")
	}
	return meta, nil
}

// RecordSolution stores a solution and its matched pairs, replacing any
// previous solution of the job.
func (s *Store) RecordSolution(rec SolutionRecord, pairs []PairRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO solutions (job_id, ra, dec, scale_arcsec, rotation_deg, parity, width, height, votes, matches, mean_residual_px, rms_residual_px, wcs_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.RA, rec.Dec, rec.ScaleArcsec, rec.RotationDeg, rec.Parity, rec.Width, rec.Height,
		rec.Votes, rec.Matches, rec.MeanResidualPx, rec.RMSResidualPx, string(rec.WCS)); err != nil {
		return errors.Wrap(err, "insert solution")
	}
	if _, err := tx.Exec(`DELETE FROM match_pairs WHERE job_id=?;`, rec.JobID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO match_pairs (job_id, image_index, x, y, catalog_id, ra, dec, mag, residual_px) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range pairs {
		if _, err := stmt.Exec(rec.JobID, p.ImageIndex, p.X, p.Y, p.CatalogID, p.RA, p.Dec, p.Mag, p.ResidualPx); err != nil {
			return errors.Wrap(err, "insert match pair")
		}
	}
	return tx.Commit()
}

// Solution fetches the stored solution of a job.
func (s *Store) Solution(jobID string) (SolutionRecord, error) {
	if s == nil {
		return SolutionRecord{}, errors.New("store not initialized")
	}
	var rec SolutionRecord
	var wcsJSON sql.NullString
	err := s.DB.QueryRow(`SELECT job_id, ra, dec, scale_arcsec, rotation_deg, parity, width, height, votes, matches, mean_residual_px, rms_residual_px, wcs_json, created_at
        FROM solutions WHERE job_id=?;`, jobID).Scan(
		&rec.JobID, &rec.RA, &rec.Dec, &rec.ScaleArcsec, &rec.RotationDeg, &rec.Parity, &rec.Width, &rec.Height,
		&rec.Votes, &rec.Matches, &rec.MeanResidualPx, &rec.RMSResidualPx, &wcsJSON, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, errors.Wrapf(ErrNotFound, "solution for job %s", jobID)
	}
	if err != nil {
		return rec, err
	}
	if wcsJSON.Valid && wcsJSON.String != "" {
		rec.WCS = json.RawMessage(wcsJSON.String)
	}
	return rec, nil
}

// MatchPairs returns the stored pairs of a job ordered by image index.
func (s *Store) MatchPairs(jobID string) ([]PairRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT image_index, x, y, catalog_id, ra, dec, mag, residual_px FROM match_pairs WHERE job_id=? ORDER BY image_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PairRecord
	for rows.Next() {
		var p PairRecord
		if err := rows.Scan(&p.ImageIndex, &p.X, &p.Y, &p.CatalogID, &p.RA, &p.Dec, &p.Mag, &p.ResidualPx); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
