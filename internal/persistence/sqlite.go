// Package persistence saves and restores the record set so the in-memory
// store survives restarts. SQLite is the default backend; Postgres is used
// for shared deployments.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/pooltrace-server/internal/domain"
)

var _ domain.Repository = (*SQLiteRepository)(nil)

// SQLiteRepository implements domain.Repository on a single SQLite file.
type SQLiteRepository struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
}

// NewSQLiteRepository opens (creating if needed) the database file and its
// schema.
func NewSQLiteRepository(dbPath string, logger *logrus.Logger) (*SQLiteRepository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// foreign_keys is a per-connection pragma.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", dbPath).Debug("SQLite repository opened")

	return &SQLiteRepository{db: db, dbPath: dbPath, log: logger}, nil
}

// NewSQLiteRepositoryFromDB wraps an already-open handle whose schema exists.
func NewSQLiteRepositoryFromDB(db *sql.DB, logger *logrus.Logger) *SQLiteRepository {
	return &SQLiteRepository{db: db, log: logger}
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		sample_id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		site_id TEXT NOT NULL,
		collected_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pools (
		pool_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		pool_strategy TEXT NOT NULL,
		notes TEXT
	);

	CREATE TABLE IF NOT EXISTS pool_members (
		pool_id TEXT NOT NULL REFERENCES pools(pool_id),
		sample_id TEXT NOT NULL UNIQUE REFERENCES samples(sample_id),
		PRIMARY KEY (pool_id, sample_id)
	);

	CREATE TABLE IF NOT EXISTS tests (
		test_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL CHECK (entity_type IN ('POOL', 'SAMPLE')),
		entity_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL CHECK (result IN ('NEG', 'BORDERLINE', 'POS')),
		ct_value REAL,
		tested_at TEXT NOT NULL,
		reflex_triggered INTEGER NOT NULL DEFAULT 0,
		UNIQUE (entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tests_flagged ON tests(entity_type, result);
	CREATE INDEX IF NOT EXISTS idx_tests_tested_at ON tests(tested_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save writes every record in the snapshot. Records already on disk are left
// untouched, so saving a growing store repeatedly is safe.
func (r *SQLiteRepository) Save(ctx context.Context, snap domain.Snapshot) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.log.WithError(rbErr).Warn("Rollback failed")
			}
		}
	}()

	for _, s := range snap.Samples {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO samples (sample_id, patient_id, site_id, collected_at) VALUES (?, ?, ?, ?)`,
			s.ID, s.PatientID, s.SiteID, formatTime(s.CollectedAt),
		); err != nil {
			return fmt.Errorf("failed to insert sample %s: %w", s.ID, err)
		}
	}

	for _, p := range snap.Pools {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pools (pool_id, created_at, pool_strategy, notes) VALUES (?, ?, ?, ?)`,
			p.ID, formatTime(p.CreatedAt), p.Strategy, nullString(p.Notes),
		); err != nil {
			return fmt.Errorf("failed to insert pool %s: %w", p.ID, err)
		}
	}

	for _, m := range snap.Memberships {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pool_members (pool_id, sample_id) VALUES (?, ?)`,
			m.PoolID, m.SampleID,
		); err != nil {
			return fmt.Errorf("failed to insert membership %s/%s: %w", m.PoolID, m.SampleID, err)
		}
	}

	for _, t := range snap.Tests {
		if _, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tests (
				test_id, entity_type, entity_id, run_id, result,
				ct_value, tested_at, reflex_triggered
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, string(t.SubjectKind), t.SubjectID, t.RunID, string(t.Result),
			nullFloat(t.CtValue), formatTime(t.TestedAt), t.ReflexTriggered,
		); err != nil {
			return fmt.Errorf("failed to insert test %s: %w", t.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"samples": len(snap.Samples),
		"pools":   len(snap.Pools),
		"members": len(snap.Memberships),
		"tests":   len(snap.Tests),
	}).Debug("Snapshot saved to SQLite")
	return nil
}

// Load reads every record back, ordered by identifier.
func (r *SQLiteRepository) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot

	rows, err := r.db.QueryContext(ctx,
		`SELECT sample_id, patient_id, site_id, collected_at FROM samples ORDER BY sample_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query samples: %w", err)
	}
	err = collect(rows, func(s scanner) error {
		var (
			sample    domain.Sample
			collected string
		)
		if err := s.Scan(&sample.ID, &sample.PatientID, &sample.SiteID, &collected); err != nil {
			return err
		}
		t, err := parseTime(collected)
		if err != nil {
			return fmt.Errorf("sample %s: %w", sample.ID, err)
		}
		sample.CollectedAt = t
		snap.Samples = append(snap.Samples, sample)
		return nil
	})
	if err != nil {
		return snap, err
	}

	rows, err = r.db.QueryContext(ctx,
		`SELECT pool_id, created_at, pool_strategy, notes FROM pools ORDER BY pool_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query pools: %w", err)
	}
	err = collect(rows, func(s scanner) error {
		var (
			pool    domain.Pool
			created string
			notes   sql.NullString
		)
		if err := s.Scan(&pool.ID, &created, &pool.Strategy, &notes); err != nil {
			return err
		}
		t, err := parseTime(created)
		if err != nil {
			return fmt.Errorf("pool %s: %w", pool.ID, err)
		}
		pool.CreatedAt = t
		if notes.Valid {
			pool.Notes = &notes.String
		}
		snap.Pools = append(snap.Pools, pool)
		return nil
	})
	if err != nil {
		return snap, err
	}

	rows, err = r.db.QueryContext(ctx,
		`SELECT pool_id, sample_id FROM pool_members ORDER BY pool_id, sample_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query pool members: %w", err)
	}
	err = collect(rows, func(s scanner) error {
		var m domain.PoolMembership
		if err := s.Scan(&m.PoolID, &m.SampleID); err != nil {
			return err
		}
		snap.Memberships = append(snap.Memberships, m)
		return nil
	})
	if err != nil {
		return snap, err
	}

	rows, err = r.db.QueryContext(ctx, `
		SELECT test_id, entity_type, entity_id, run_id, result,
			ct_value, tested_at, reflex_triggered
		FROM tests ORDER BY test_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query tests: %w", err)
	}
	err = collect(rows, func(s scanner) error {
		var (
			test         domain.Test
			kind, result string
			ct           sql.NullFloat64
			tested       string
		)
		if err := s.Scan(&test.ID, &kind, &test.SubjectID, &test.RunID, &result,
			&ct, &tested, &test.ReflexTriggered); err != nil {
			return err
		}
		t, err := parseTime(tested)
		if err != nil {
			return fmt.Errorf("test %s: %w", test.ID, err)
		}
		test.SubjectKind = domain.SubjectKind(kind)
		test.Result = domain.TestResult(result)
		test.TestedAt = t
		if ct.Valid {
			test.CtValue = domain.Float(ct.Float64)
		}
		snap.Tests = append(snap.Tests, test)
		return nil
	})
	if err != nil {
		return snap, err
	}

	return snap, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func collect(rows *sql.Rows, fn func(scanner) error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
	}
	return rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
