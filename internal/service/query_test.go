package service

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pooltrace-server/internal/domain"
)

func TestQueryService_NegativePoolScenario(t *testing.T) {
	f := newFixture(t).
		pool("POOL_0001", "SAMPLE_0004", "SAMPLE_0002", "SAMPLE_0001", "SAMPLE_0003").
		poolResult("POOL_0001", domain.ResultNeg, baseTime)
	q := f.queries()

	members, err := q.PoolMembers("POOL_0001")
	require.NoError(t, err)
	assert.Equal(t, []string{"SAMPLE_0001", "SAMPLE_0002", "SAMPLE_0003", "SAMPLE_0004"}, members)

	statuses := q.FinalStatuses()
	require.Len(t, statuses, 4)
	for _, row := range statuses {
		assert.Equal(t, domain.FinalNeg, row.Status, row.SampleID)
		assert.Equal(t, domain.ReflexAbsent, row.ReflexResult)
	}
}

func TestQueryService_PositivePoolScenario(t *testing.T) {
	f := newFixture(t).
		pool("POOL_0050", "SAMPLE_0117", "SAMPLE_0118", "SAMPLE_0119", "SAMPLE_0120").
		poolResult("POOL_0050", domain.ResultPos, baseTime).
		reflex("SAMPLE_0117", domain.ResultNeg).
		reflex("SAMPLE_0118", domain.ResultNeg).
		reflex("SAMPLE_0119", domain.ResultNeg).
		reflex("SAMPLE_0120", domain.ResultPos)
	q := f.queries()

	want := []domain.StatusRow{
		{SampleID: "SAMPLE_0117", PoolID: "POOL_0050", PoolResult: domain.PoolPos, ReflexResult: domain.ReflexNeg, Status: domain.FinalNeg},
		{SampleID: "SAMPLE_0118", PoolID: "POOL_0050", PoolResult: domain.PoolPos, ReflexResult: domain.ReflexNeg, Status: domain.FinalNeg},
		{SampleID: "SAMPLE_0119", PoolID: "POOL_0050", PoolResult: domain.PoolPos, ReflexResult: domain.ReflexNeg, Status: domain.FinalNeg},
		{SampleID: "SAMPLE_0120", PoolID: "POOL_0050", PoolResult: domain.PoolPos, ReflexResult: domain.ReflexPos, Status: domain.FinalPosReview},
	}
	if diff := cmp.Diff(want, q.FinalStatuses()); diff != "" {
		t.Errorf("FinalStatuses() mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, q.MissingReflexes())
}

func TestQueryService_PoolMembersUnknownPool(t *testing.T) {
	q := newFixture(t).queries()

	_, err := q.PoolMembers("POOL_9999")
	assert.ErrorIs(t, err, domain.ErrUnknownPool)
}

func TestQueryService_FlaggedPoolsOrdering(t *testing.T) {
	f := newFixture(t).
		pool("POOL_0003", "S1").poolResult("POOL_0003", domain.ResultPos, baseTime.Add(2*time.Hour)).
		pool("POOL_0002", "S2").poolResult("POOL_0002", domain.ResultBorderline, baseTime).
		pool("POOL_0001", "S3").poolResult("POOL_0001", domain.ResultPos, baseTime).
		pool("POOL_0004", "S4").poolResult("POOL_0004", domain.ResultNeg, baseTime)

	flagged := f.queries().FlaggedPools()
	ids := make([]string, 0, len(flagged))
	for _, p := range flagged {
		ids = append(ids, p.PoolID)
		assert.NotNil(t, p.CtValue)
	}
	assert.Equal(t, []string{"POOL_0001", "POOL_0002", "POOL_0003"}, ids)
}

func TestQueryService_Lineage(t *testing.T) {
	f := newFixture(t).
		pool("POOL_0011", "SAMPLE_0042", "SAMPLE_0043").
		poolResult("POOL_0011", domain.ResultBorderline, baseTime).
		reflex("SAMPLE_0042", domain.ResultBorderline).
		pool("POOL_0012", "SAMPLE_0050")
	require.NoError(t, f.store.AddSample(domain.Sample{ID: "SAMPLE_0099"}))
	q := f.queries()

	tests := []struct {
		name     string
		sampleID string
		want     domain.Lineage
	}{
		{
			name:     "reflex tested",
			sampleID: "SAMPLE_0042",
			want: domain.Lineage{
				SampleID: "SAMPLE_0042", PoolID: "POOL_0011",
				PoolResult: domain.PoolBorderline, PoolCt: domain.Float(36.1),
				ReflexResult: domain.ReflexBorderline, ReflexCt: domain.Float(36.1),
			},
		},
		{
			name:     "reflex absent",
			sampleID: "SAMPLE_0043",
			want: domain.Lineage{
				SampleID: "SAMPLE_0043", PoolID: "POOL_0011",
				PoolResult: domain.PoolBorderline, PoolCt: domain.Float(36.1),
				ReflexResult: domain.ReflexAbsent,
			},
		},
		{
			name:     "untested pool",
			sampleID: "SAMPLE_0050",
			want:     domain.Lineage{SampleID: "SAMPLE_0050", PoolID: "POOL_0012", PoolResult: domain.PoolUntested, ReflexResult: domain.ReflexAbsent},
		},
		{
			name:     "never pooled",
			sampleID: "SAMPLE_0099",
			want:     domain.Lineage{SampleID: "SAMPLE_0099", PoolResult: domain.PoolUntested, ReflexResult: domain.ReflexAbsent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := q.Lineage(tt.sampleID)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Lineage(%s) mismatch (-want +got):\n%s", tt.sampleID, diff)
			}
		})
	}

	_, err := q.Lineage("SAMPLE_9999")
	assert.ErrorIs(t, err, domain.ErrUnknownSample)
}

func TestQueryService_FinalStatusesOmitsUntestedPools(t *testing.T) {
	f := newFixture(t).
		pool("POOL_0001", "S1", "S2").poolResult("POOL_0001", domain.ResultPos, baseTime).
		reflex("S1", domain.ResultPos).
		pool("POOL_0002", "S3", "S4").poolResult("POOL_0002", domain.ResultNeg, baseTime).
		pool("POOL_0003", "S5")

	rows := f.queries().FinalStatuses()
	got := make([][2]string, 0, len(rows))
	for _, r := range rows {
		got = append(got, [2]string{string(r.Status), r.SampleID})
	}
	want := [][2]string{
		{"FINAL_NEG", "S3"},
		{"FINAL_NEG", "S4"},
		{"FINAL_POS_REVIEW", "S1"},
		{"PENDING_REFLEX", "S2"},
	}
	assert.Equal(t, want, got)
}

func TestQueryService_Summary(t *testing.T) {
	f := newFixture(t).
		pool("POOL_0001", "S1", "S2").poolResult("POOL_0001", domain.ResultPos, baseTime).
		reflex("S1", domain.ResultPos).
		pool("POOL_0002", "S3").poolResult("POOL_0002", domain.ResultNeg, baseTime).
		pool("POOL_0003", "S4")
	q := f.queries()
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	s := q.Summary()
	assert.Equal(t, 4, s.Samples)
	assert.Equal(t, 3, s.Pools)
	assert.Equal(t, 1, s.UntestedPools)
	assert.Equal(t, 1, s.FlaggedPools)
	assert.Equal(t, 1, s.MissingReflexes)
	assert.Equal(t, map[domain.FinalStatus]int{
		domain.FinalNeg:       1,
		domain.FinalPosReview: 1,
		domain.PendingReflex:  1,
	}, s.StatusCounts)
	assert.Equal(t, fixed, s.GeneratedAt)
	assert.Equal(t, f.store.Generation(), s.StoreGeneration)
}
