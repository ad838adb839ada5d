// Package ingest loads the intake, pool plan and test result CSV feeds into the
// record store. Malformed rows are skipped and counted, never fatal; only a
// feed missing its required columns fails as a whole.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/domain"
)

// Feed names used in stats, logs and metrics.
const (
	FeedIntake   = "intake"
	FeedPoolPlan = "pool_plan"
	FeedResults  = "results"
)

// Row outcomes reported to the metrics observer.
const (
	OutcomeLoaded    = "loaded"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeRejected  = "rejected"
)

const maxProblems = 50

// RowObserver receives per-feed row counts after each load.
type RowObserver interface {
	IngestRows(feed, outcome string, n int)
}

// Stats summarizes one feed load.
type Stats struct {
	BatchID     string   `json:"batch_id"`
	Feed        string   `json:"feed"`
	Rows        int      `json:"rows"`
	Loaded      int      `json:"loaded"`
	PoolsLoaded int      `json:"pools_loaded,omitempty"`
	Duplicates  int      `json:"duplicates"`
	Malformed   int      `json:"malformed"`
	Rejected    int      `json:"rejected"`
	Problems    []string `json:"problems,omitempty"`
}

func (s *Stats) problem(err error) {
	if len(s.Problems) < maxProblems {
		s.Problems = append(s.Problems, err.Error())
	}
}

// Loader writes CSV feeds through the record store.
type Loader struct {
	store    domain.RecordStore
	cfg      domain.IngestConfig
	logger   *logrus.Logger
	observer RowObserver
	now      func() time.Time
}

// Option configures a Loader.
type Option func(*Loader)

// WithObserver reports row outcomes to o.
func WithObserver(o RowObserver) Option {
	return func(l *Loader) {
		l.observer = o
	}
}

// WithClock overrides the time source used for backfilled timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		l.now = now
	}
}

// NewLoader creates a loader. Empty sentinels in cfg fall back to the
// PT_UNKNOWN / SITE_UNKNOWN / optimistic defaults.
func NewLoader(store domain.RecordStore, cfg domain.IngestConfig, logger *logrus.Logger, opts ...Option) *Loader {
	if cfg.PatientSentinel == "" {
		cfg.PatientSentinel = "PT_UNKNOWN"
	}
	if cfg.SiteSentinel == "" {
		cfg.SiteSentinel = "SITE_UNKNOWN"
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = "optimistic"
	}
	l := &Loader{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadIntake loads samples from the clean intake feed. The feed must carry a
// barcode column; patient, site and timestamp columns are optional.
func (l *Loader) LoadIntake(ctx context.Context, r io.Reader) (Stats, error) {
	stats := Stats{BatchID: uuid.NewString(), Feed: FeedIntake}

	rows, err := newTable(r, FeedIntake, "barcode")
	if err != nil {
		return stats, err
	}

	for rows.next() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Rows++

		sample, rowErr := l.parseSample(rows)
		if rowErr != nil {
			stats.Malformed++
			stats.problem(rowErr)
			continue
		}

		if _, err := l.store.Sample(sample.ID); err == nil {
			stats.Duplicates++
			continue
		}
		if err := l.store.AddSample(sample); err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				stats.Rejected++
				stats.problem(rows.errorf("%v", err))
				continue
			}
			return stats, fmt.Errorf("loading intake: %w", err)
		}
		stats.Loaded++
	}
	if err := rows.err(); err != nil {
		return stats, err
	}

	l.finish(stats)
	return stats, nil
}

func (l *Loader) parseSample(rows *table) (domain.Sample, error) {
	id := rows.get("barcode")
	if id == "" {
		return domain.Sample{}, rows.errorf("missing barcode")
	}

	raw := rows.get("collected_at")
	if raw == "" {
		raw = rows.get("scanned_at")
	}
	collected := l.now()
	if raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return domain.Sample{}, rows.errorf("unparseable timestamp %q", raw)
		}
		collected = ts
	}

	return domain.Sample{
		ID:          id,
		PatientID:   orDefault(rows.get("patient_id"), l.cfg.PatientSentinel),
		SiteID:      orDefault(rows.get("site_id"), l.cfg.SiteSentinel),
		CollectedAt: collected,
	}, nil
}

// LoadPoolPlan loads pools and memberships. Pool rows collapse to the first
// occurrence of each pool id; memberships naming unknown samples are rejected
// and counted.
func (l *Loader) LoadPoolPlan(ctx context.Context, r io.Reader) (Stats, error) {
	stats := Stats{BatchID: uuid.NewString(), Feed: FeedPoolPlan}

	rows, err := newTable(r, FeedPoolPlan, "pool_id", "sample_id")
	if err != nil {
		return stats, err
	}

	for rows.next() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Rows++

		poolID, sampleID := rows.get("pool_id"), rows.get("sample_id")
		if poolID == "" {
			stats.Malformed++
			stats.problem(rows.errorf("missing pool_id"))
			continue
		}

		if _, err := l.store.Pool(poolID); errors.Is(err, domain.ErrUnknownPool) {
			pool, rowErr := l.parsePool(rows, poolID)
			if rowErr != nil {
				stats.Malformed++
				stats.problem(rowErr)
				continue
			}
			if err := l.store.AddPool(pool); err != nil {
				stats.Rejected++
				stats.problem(rows.errorf("%v", err))
				continue
			}
			stats.PoolsLoaded++
		}

		if sampleID == "" {
			stats.Malformed++
			stats.problem(rows.errorf("missing sample_id"))
			continue
		}
		if current, err := l.store.PoolOf(sampleID); err == nil && current == poolID {
			stats.Duplicates++
			continue
		}
		if err := l.store.AddMembership(domain.PoolMembership{PoolID: poolID, SampleID: sampleID}); err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				stats.Rejected++
				stats.problem(rows.errorf("%v", err))
				continue
			}
			return stats, fmt.Errorf("loading pool plan: %w", err)
		}
		stats.Loaded++
	}
	if err := rows.err(); err != nil {
		return stats, err
	}

	l.finish(stats)
	return stats, nil
}

func (l *Loader) parsePool(rows *table, poolID string) (domain.Pool, error) {
	created := l.now()
	if raw := rows.get("created_at"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return domain.Pool{}, rows.errorf("unparseable created_at %q", raw)
		}
		created = ts
	}

	pool := domain.Pool{
		ID:        poolID,
		CreatedAt: created,
		Strategy:  orDefault(rows.get("pool_strategy"), l.cfg.DefaultStrategy),
	}
	if notes := rows.get("notes"); notes != "" {
		pool.Notes = &notes
	}
	return pool, nil
}

// LoadResults loads pool and reflex test results. A missing reflex_triggered
// column is derived from the subject kind and result.
func (l *Loader) LoadResults(ctx context.Context, r io.Reader) (Stats, error) {
	stats := Stats{BatchID: uuid.NewString(), Feed: FeedResults}

	rows, err := newTable(r, FeedResults, "test_id", "entity_type", "entity_id", "result", "tested_at")
	if err != nil {
		return stats, err
	}

	for rows.next() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Rows++

		test, rowErr := parseTest(rows)
		if rowErr != nil {
			stats.Malformed++
			stats.problem(rowErr)
			continue
		}

		if existing, err := l.store.TestFor(test.SubjectKind, test.SubjectID); err == nil && existing.ID == test.ID {
			stats.Duplicates++
			continue
		}
		if err := l.store.AddTest(test); err != nil {
			if errors.Is(err, domain.ErrIntegrity) {
				stats.Rejected++
				stats.problem(rows.errorf("%v", err))
				continue
			}
			return stats, fmt.Errorf("loading results: %w", err)
		}
		stats.Loaded++
	}
	if err := rows.err(); err != nil {
		return stats, err
	}

	l.finish(stats)
	return stats, nil
}

func (l *Loader) finish(stats Stats) {
	if l.observer != nil {
		l.observer.IngestRows(stats.Feed, OutcomeLoaded, stats.Loaded)
		l.observer.IngestRows(stats.Feed, OutcomeDuplicate, stats.Duplicates)
		l.observer.IngestRows(stats.Feed, OutcomeMalformed, stats.Malformed)
		l.observer.IngestRows(stats.Feed, OutcomeRejected, stats.Rejected)
	}

	entry := l.logger.WithFields(logrus.Fields{
		"batch_id":   stats.BatchID,
		"feed":       stats.Feed,
		"rows":       stats.Rows,
		"loaded":     stats.Loaded,
		"duplicates": stats.Duplicates,
		"malformed":  stats.Malformed,
		"rejected":   stats.Rejected,
	})
	if stats.Feed == FeedPoolPlan {
		entry = entry.WithField("pools_loaded", stats.PoolsLoaded)
	}
	if stats.Malformed+stats.Rejected > 0 {
		entry.Warn("Feed loaded with skipped rows")
		return
	}
	entry.Info("Feed loaded")
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// table is a header-aware CSV cursor.
type table struct {
	feed    string
	reader  *csv.Reader
	columns map[string]int
	record  []string
	line    int
	readErr error
}

func newTable(r io.Reader, feed string, required ...string) (*table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.NewValidationError(feed, "feed is empty", nil)
		}
		return nil, fmt.Errorf("reading %s header: %w", feed, err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, seen := columns[name]; !seen {
			columns[name] = i
		}
	}

	var missing []string
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, domain.NewValidationError(feed, fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")), missing)
	}

	return &table{feed: feed, reader: reader, columns: columns, line: 1}, nil
}

func (t *table) next() bool {
	for {
		record, err := t.reader.Read()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			t.readErr = fmt.Errorf("reading %s: %w", t.feed, err)
			return false
		}
		t.line++
		if isBlank(record) {
			continue
		}
		t.record = record
		return true
	}
}

func (t *table) get(column string) string {
	i, ok := t.columns[column]
	if !ok || i >= len(t.record) {
		return ""
	}
	return strings.TrimSpace(t.record[i])
}

func (t *table) has(column string) bool {
	_, ok := t.columns[column]
	return ok
}

func (t *table) errorf(format string, args ...interface{}) error {
	return &domain.MalformedRowError{Feed: t.feed, Line: t.line, Reason: fmt.Sprintf(format, args...)}
}

func (t *table) err() error {
	return t.readErr
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
