package service

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/domain"
)

// ExceptionDetector finds members of flagged pools that never received the
// mandated reflex test. It holds no state between calls.
type ExceptionDetector struct {
	store  domain.RecordReader
	logger *logrus.Logger
}

// NewExceptionDetector creates a detector over the given store
func NewExceptionDetector(store domain.RecordReader, logger *logrus.Logger) *ExceptionDetector {
	return &ExceptionDetector{
		store:  store,
		logger: logger,
	}
}

// FindMissingReflexes returns every (pool, sample) pair where the pool result
// is BORDERLINE or POS and the sample has no SAMPLE test, ordered by pool id
// then sample id. NEG and untested pools are never scanned.
func (d *ExceptionDetector) FindMissingReflexes() []domain.MissingReflex {
	missing := make([]domain.MissingReflex, 0)
	scanned := 0

	// PoolTests and MembersOf are both sorted, so output order falls out of the scan
	for _, test := range d.store.PoolTests() {
		if !test.Result.IsFlagged() {
			continue
		}
		scanned++

		members, err := d.store.MembersOf(test.SubjectID)
		if err != nil {
			d.logger.WithError(err).WithField("pool_id", test.SubjectID).Error("Flagged pool has no member index")
			continue
		}
		for _, sampleID := range members {
			_, err := d.store.TestFor(domain.SubjectSample, sampleID)
			if errors.Is(err, domain.ErrNotFound) {
				missing = append(missing, domain.MissingReflex{PoolID: test.SubjectID, SampleID: sampleID})
			}
		}
	}

	fields := logrus.Fields{
		"flagged_pools": scanned,
		"missing":       len(missing),
	}
	if len(missing) > 0 {
		d.logger.WithFields(fields).Warn("Flagged pools with missing reflex tests")
	} else {
		d.logger.WithFields(fields).Debug("No missing reflex tests")
	}
	return missing
}
