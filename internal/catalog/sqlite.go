package catalog

import (
	"context"
	"database/sql"
	"math"

	_ "github.com/mattn/go-sqlite3"

	"platesolver/internal/errors"
)

// SQLiteSource serves stars from a catalog database with a single
// stars(id, ra, dec, mag) table. Queries prefilter on declination and
// magnitude in SQL and apply the exact cone test in Go.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a catalog database at path.
func OpenSQLite(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open catalog database %s", path)
	}
	s := &SQLiteSource{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSource) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stars (
            id INTEGER PRIMARY KEY,
            ra REAL NOT NULL,
            dec REAL NOT NULL,
            mag REAL NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stars_dec ON stars(dec);`,
		`CREATE INDEX IF NOT EXISTS idx_stars_mag ON stars(mag);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create catalog schema")
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Import inserts or replaces stars in one transaction.
func (s *SQLiteSource) Import(ctx context.Context, stars []Star) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO stars (id, ra, dec, mag) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for i, st := range stars {
		if err := validate(st); err != nil {
			tx.Rollback()
			return i, err
		}
		if _, err := stmt.ExecContext(ctx, st.ID, st.RA, st.Dec, st.Mag); err != nil {
			tx.Rollback()
			return i, errors.Wrapf(err, "insert star %d", st.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stars), nil
}

// Count returns the number of stored stars.
func (s *SQLiteSource) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stars`).Scan(&n)
	return n, err
}

// Stars implements Source.
func (s *SQLiteSource) Stars(ctx context.Context, cone Cone, maxMag float64) ([]Star, error) {
	if cone.RadiusDeg <= 0 {
		return nil, errors.Inputf("cone radius %g", cone.RadiusDeg)
	}
	lo := math.Max(-90, cone.Center.Dec-cone.RadiusDeg)
	hi := math.Min(90, cone.Center.Dec+cone.RadiusDeg)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ra, dec, mag FROM stars WHERE dec BETWEEN ? AND ? AND mag <= ? ORDER BY mag, id`,
		lo, hi, maxMag)
	if err != nil {
		return nil, errors.Wrap(err, "query catalog")
	}
	defer rows.Close()

	var out []Star
	for rows.Next() {
		var st Star
		if err := rows.Scan(&st.ID, &st.RA, &st.Dec, &st.Mag); err != nil {
			return nil, err
		}
		if cone.Contains(st.Coord()) {
			out = append(out, st)
		}
	}
	return out, rows.Err()
}
