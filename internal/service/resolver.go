package service

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/domain"
)

// LineageResolver links a sample to its pool and both test results.
type LineageResolver struct {
	store  domain.RecordReader
	logger *logrus.Logger
}

// NewLineageResolver creates a resolver over the given store
func NewLineageResolver(store domain.RecordReader, logger *logrus.Logger) *LineageResolver {
	return &LineageResolver{
		store:  store,
		logger: logger,
	}
}

// Resolve returns the lineage of a sample. A pool without a POOL test resolves
// to UNTESTED and a sample without a reflex test to ABSENT. A sample that was
// never pooled resolves with an empty pool id and UNTESTED.
func (r *LineageResolver) Resolve(sampleID string) (domain.Lineage, error) {
	if _, err := r.store.Sample(sampleID); err != nil {
		return domain.Lineage{}, err
	}

	lineage := domain.Lineage{
		SampleID:     sampleID,
		PoolResult:   domain.PoolUntested,
		ReflexResult: domain.ReflexAbsent,
	}

	poolID, err := r.store.PoolOf(sampleID)
	switch {
	case err == nil:
		lineage.PoolID = poolID
		poolTest, err := r.store.TestFor(domain.SubjectPool, poolID)
		if err == nil {
			lineage.PoolResult = domain.PoolResult(poolTest.Result)
			lineage.PoolCt = poolTest.CtValue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.Lineage{}, fmt.Errorf("resolving pool test for %s: %w", poolID, err)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Lineage{}, fmt.Errorf("resolving pool for %s: %w", sampleID, err)
	}

	reflex, err := r.store.TestFor(domain.SubjectSample, sampleID)
	if err == nil {
		lineage.ReflexResult = domain.ReflexResult(reflex.Result)
		lineage.ReflexCt = reflex.CtValue
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Lineage{}, fmt.Errorf("resolving reflex test for %s: %w", sampleID, err)
	}

	r.logger.WithFields(logrus.Fields{
		"sample_id":     sampleID,
		"pool_id":       lineage.PoolID,
		"pool_result":   lineage.PoolResult,
		"reflex_result": lineage.ReflexResult,
	}).Debug("Resolved sample lineage")

	return lineage, nil
}
