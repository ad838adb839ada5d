package service

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pooltrace-server/internal/domain"
	"github.com/pooltrace-server/internal/store"
)

var baseTime = time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fixture builds a store record by record and fails the test on any rejection.
type fixture struct {
	t     *testing.T
	store *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, store: store.New(quietLogger())}
}

func (f *fixture) pool(poolID string, sampleIDs ...string) *fixture {
	f.t.Helper()
	require.NoError(f.t, f.store.AddPool(domain.Pool{ID: poolID, CreatedAt: baseTime, Strategy: "optimistic"}))
	for _, id := range sampleIDs {
		require.NoError(f.t, f.store.AddSample(domain.Sample{ID: id, PatientID: "PT_" + id, SiteID: "SITE_A", CollectedAt: baseTime}))
		require.NoError(f.t, f.store.AddMembership(domain.PoolMembership{PoolID: poolID, SampleID: id}))
	}
	return f
}

func (f *fixture) poolResult(poolID string, result domain.TestResult, testedAt time.Time) *fixture {
	f.t.Helper()
	require.NoError(f.t, f.store.AddTest(domain.Test{
		ID:              "T_P_" + poolID,
		SubjectKind:     domain.SubjectPool,
		SubjectID:       poolID,
		RunID:           "RUN_001",
		Result:          result,
		CtValue:         ctFor(result),
		TestedAt:        testedAt,
		ReflexTriggered: result.IsFlagged(),
	}))
	return f
}

func (f *fixture) reflex(sampleID string, result domain.TestResult) *fixture {
	f.t.Helper()
	require.NoError(f.t, f.store.AddTest(domain.Test{
		ID:          "T_S_" + sampleID,
		SubjectKind: domain.SubjectSample,
		SubjectID:   sampleID,
		RunID:       "RUN_002",
		Result:      result,
		CtValue:     ctFor(result),
		TestedAt:    baseTime.Add(24 * time.Hour),
	}))
	return f
}

func (f *fixture) queries() *QueryService {
	return NewQueryService(f.store, quietLogger())
}

func ctFor(result domain.TestResult) *float64 {
	switch result {
	case domain.ResultPos:
		return domain.Float(24.3)
	case domain.ResultBorderline:
		return domain.Float(36.1)
	default:
		return nil
	}
}
