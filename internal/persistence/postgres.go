package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/database"
	"github.com/pooltrace-server/internal/domain"
)

var _ domain.Repository = (*PostgresRepository)(nil)

// PostgresRepository implements domain.Repository on a pgx pool. The schema
// is created by the migration runner.
type PostgresRepository struct {
	db  *database.DB
	log *logrus.Logger
}

// NewPostgresRepository wraps an open connection pool.
func NewPostgresRepository(db *database.DB, logger *logrus.Logger) (*PostgresRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresRepository{db: db, log: logger}, nil
}

// Save queues every record into one batch inside a transaction. Conflicting
// rows are skipped.
func (r *PostgresRepository) Save(ctx context.Context, snap domain.Snapshot) error {
	batch := &pgx.Batch{}

	for _, s := range snap.Samples {
		batch.Queue(`
			INSERT INTO samples (sample_id, patient_id, site_id, collected_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (sample_id) DO NOTHING`,
			s.ID, s.PatientID, s.SiteID, s.CollectedAt.UTC())
	}
	for _, p := range snap.Pools {
		batch.Queue(`
			INSERT INTO pools (pool_id, created_at, pool_strategy, notes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pool_id) DO NOTHING`,
			p.ID, p.CreatedAt.UTC(), p.Strategy, p.Notes)
	}
	for _, m := range snap.Memberships {
		batch.Queue(`
			INSERT INTO pool_members (pool_id, sample_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			m.PoolID, m.SampleID)
	}
	for _, t := range snap.Tests {
		batch.Queue(`
			INSERT INTO tests (
				test_id, entity_type, entity_id, run_id, result,
				ct_value, tested_at, reflex_triggered
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING`,
			t.ID, string(t.SubjectKind), t.SubjectID, t.RunID, string(t.Result),
			t.CtValue, t.TestedAt.UTC(), t.ReflexTriggered)
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"statements": batch.Len(),
	}).Debug("Snapshot saved to Postgres")
	return nil
}

// Load reads every record back, ordered by identifier.
func (r *PostgresRepository) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	pool := r.db.Pool

	rows, err := pool.Query(ctx,
		`SELECT sample_id, patient_id, site_id, collected_at FROM samples ORDER BY sample_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query samples: %w", err)
	}
	snap.Samples, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Sample, error) {
		var s domain.Sample
		err := row.Scan(&s.ID, &s.PatientID, &s.SiteID, &s.CollectedAt)
		s.CollectedAt = s.CollectedAt.UTC()
		return s, err
	})
	if err != nil {
		return snap, fmt.Errorf("failed to scan samples: %w", err)
	}

	rows, err = pool.Query(ctx,
		`SELECT pool_id, created_at, pool_strategy, notes FROM pools ORDER BY pool_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query pools: %w", err)
	}
	snap.Pools, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Pool, error) {
		var p domain.Pool
		err := row.Scan(&p.ID, &p.CreatedAt, &p.Strategy, &p.Notes)
		p.CreatedAt = p.CreatedAt.UTC()
		return p, err
	})
	if err != nil {
		return snap, fmt.Errorf("failed to scan pools: %w", err)
	}

	rows, err = pool.Query(ctx,
		`SELECT pool_id, sample_id FROM pool_members ORDER BY pool_id, sample_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query pool members: %w", err)
	}
	snap.Memberships, err = pgx.CollectRows(rows, pgx.RowToStructByPos[domain.PoolMembership])
	if err != nil {
		return snap, fmt.Errorf("failed to scan pool members: %w", err)
	}

	rows, err = pool.Query(ctx, `
		SELECT test_id, entity_type, entity_id, run_id, result,
			ct_value, tested_at, reflex_triggered
		FROM tests ORDER BY test_id`)
	if err != nil {
		return snap, fmt.Errorf("failed to query tests: %w", err)
	}
	snap.Tests, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Test, error) {
		var (
			t            domain.Test
			kind, result string
		)
		err := row.Scan(&t.ID, &kind, &t.SubjectID, &t.RunID, &result,
			&t.CtValue, &t.TestedAt, &t.ReflexTriggered)
		t.SubjectKind = domain.SubjectKind(kind)
		t.Result = domain.TestResult(result)
		t.TestedAt = t.TestedAt.UTC()
		return t, err
	})
	if err != nil {
		return snap, fmt.Errorf("failed to scan tests: %w", err)
	}

	return snap, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}
