package service

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/domain"
)

// QueryService exposes the traceability queries: pool membership, flagged
// pools, sample lineage, missing reflexes and final statuses.
type QueryService struct {
	store    domain.RecordReader
	resolver *LineageResolver
	detector *ExceptionDetector
	logger   *logrus.Logger
	now      func() time.Time
}

// NewQueryService creates a query service over the given store
func NewQueryService(store domain.RecordReader, logger *logrus.Logger) *QueryService {
	return &QueryService{
		store:    store,
		resolver: NewLineageResolver(store, logger),
		detector: NewExceptionDetector(store, logger),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Generation returns the write generation of the underlying store, used as a
// cache key component by callers.
func (q *QueryService) Generation() uint64 {
	return q.store.Generation()
}

// PoolMembers lists the sample ids of a pool in ascending order.
func (q *QueryService) PoolMembers(poolID string) ([]string, error) {
	members, err := q.store.MembersOf(poolID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	return members, nil
}

// FlaggedPools lists pool tests with a BORDERLINE or POS result ordered by
// tested-at, ties broken by pool id.
func (q *QueryService) FlaggedPools() []domain.FlaggedPool {
	flagged := make([]domain.FlaggedPool, 0)
	for _, test := range q.store.PoolTests() {
		if !test.Result.IsFlagged() {
			continue
		}
		flagged = append(flagged, domain.FlaggedPool{
			PoolID:   test.SubjectID,
			Result:   test.Result,
			CtValue:  test.CtValue,
			TestedAt: test.TestedAt,
		})
	}

	sort.SliceStable(flagged, func(i, j int) bool {
		if !flagged[i].TestedAt.Equal(flagged[j].TestedAt) {
			return flagged[i].TestedAt.Before(flagged[j].TestedAt)
		}
		return flagged[i].PoolID < flagged[j].PoolID
	})
	return flagged
}

// Lineage resolves the lineage of a single sample.
func (q *QueryService) Lineage(sampleID string) (domain.Lineage, error) {
	return q.resolver.Resolve(sampleID)
}

// MissingReflexes reports members of flagged pools lacking a reflex test.
func (q *QueryService) MissingReflexes() []domain.MissingReflex {
	return q.detector.FindMissingReflexes()
}

// FinalStatuses derives the status of every sample whose pool has a result,
// ordered by status, pool id and sample id. Samples in untested pools are
// omitted; their lineage is still available through Lineage.
func (q *QueryService) FinalStatuses() []domain.StatusRow {
	rows := make([]domain.StatusRow, 0)
	for _, test := range q.store.PoolTests() {
		members, err := q.store.MembersOf(test.SubjectID)
		if err != nil {
			q.logger.WithError(err).WithField("pool_id", test.SubjectID).Error("Tested pool has no member index")
			continue
		}
		for _, sampleID := range members {
			lineage, err := q.resolver.Resolve(sampleID)
			if err != nil {
				q.logger.WithError(err).WithField("sample_id", sampleID).Error("Failed to resolve pooled sample")
				continue
			}
			rows = append(rows, domain.StatusRow{
				SampleID:     sampleID,
				PoolID:       lineage.PoolID,
				PoolResult:   lineage.PoolResult,
				ReflexResult: lineage.ReflexResult,
				Status:       DeriveLineageStatus(lineage),
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		if a.PoolID != b.PoolID {
			return a.PoolID < b.PoolID
		}
		return a.SampleID < b.SampleID
	})
	return rows
}

// Summary aggregates counts across the record set.
func (q *QueryService) Summary() domain.Summary {
	generation := q.store.Generation()
	pools := q.store.Pools()
	poolTests := q.store.PoolTests()

	summary := domain.Summary{
		Samples:         len(q.store.Samples()),
		Pools:           len(pools),
		UntestedPools:   len(pools) - len(poolTests),
		FlaggedPools:    len(q.FlaggedPools()),
		MissingReflexes: len(q.MissingReflexes()),
		StatusCounts: map[domain.FinalStatus]int{
			domain.FinalNeg:       0,
			domain.FinalPosReview: 0,
			domain.PendingReflex:  0,
		},
		GeneratedAt:     q.now(),
		StoreGeneration: generation,
	}
	for _, row := range q.FinalStatuses() {
		summary.StatusCounts[row.Status]++
	}

	q.logger.WithFields(logrus.Fields{
		"samples":          summary.Samples,
		"pools":            summary.Pools,
		"flagged_pools":    summary.FlaggedPools,
		"missing_reflexes": summary.MissingReflexes,
	}).Debug("Computed summary")
	return summary
}
