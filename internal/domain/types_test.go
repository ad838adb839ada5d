package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestResult_IsValid(t *testing.T) {
	tests := []struct {
		result TestResult
		valid  bool
	}{
		{ResultNeg, true},
		{ResultBorderline, true},
		{ResultPos, true},
		{"neg", false},
		{"INCONCLUSIVE", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.result), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.result.IsValid())
		})
	}
}

func TestParseTestResult(t *testing.T) {
	r, err := ParseTestResult("BORDERLINE")
	require.NoError(t, err)
	assert.Equal(t, ResultBorderline, r)

	_, err = ParseTestResult("MAYBE")
	assert.True(t, errors.Is(err, ErrInvalidResult))
}

func TestPoolResult_IsFlagged(t *testing.T) {
	assert.False(t, PoolNeg.IsFlagged())
	assert.True(t, PoolBorderline.IsFlagged())
	assert.True(t, PoolPos.IsFlagged())
	assert.False(t, PoolUntested.IsFlagged())
}

func TestTest_Validate(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		test    Test
		wantErr error
	}{
		{
			name: "negative pool test",
			test: Test{ID: "T1", SubjectKind: SubjectPool, SubjectID: "POOL_0001", Result: ResultNeg, TestedAt: now},
		},
		{
			name: "positive pool test with ct",
			test: Test{ID: "T2", SubjectKind: SubjectPool, SubjectID: "POOL_0002", Result: ResultPos, CtValue: Float(22.4), TestedAt: now, ReflexTriggered: true},
		},
		{
			name: "borderline reflex test",
			test: Test{ID: "T3", SubjectKind: SubjectSample, SubjectID: "SAMPLE_0001", Result: ResultBorderline, CtValue: Float(35.1), TestedAt: now},
		},
		{
			name:    "unknown subject kind",
			test:    Test{ID: "T4", SubjectKind: "PLATE", SubjectID: "P1", Result: ResultNeg},
			wantErr: ErrInvalidSubjectKind,
		},
		{
			name:    "unknown result",
			test:    Test{ID: "T5", SubjectKind: SubjectSample, SubjectID: "SAMPLE_0001", Result: "MAYBE"},
			wantErr: ErrInvalidResult,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.test.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTest_Validate_CtPresence(t *testing.T) {
	missingCt := Test{ID: "T1", SubjectKind: SubjectPool, SubjectID: "POOL_0001", Result: ResultPos, ReflexTriggered: true}
	var vErr *ValidationError
	require.ErrorAs(t, missingCt.Validate(), &vErr)
	assert.Equal(t, "ct_value", vErr.Field)

	ctOnNeg := Test{ID: "T2", SubjectKind: SubjectSample, SubjectID: "SAMPLE_0001", Result: ResultNeg, CtValue: Float(40)}
	require.ErrorAs(t, ctOnNeg.Validate(), &vErr)
	assert.Equal(t, "ct_value", vErr.Field)

	for _, ct := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		nonFinite := Test{ID: "T3", SubjectKind: SubjectPool, SubjectID: "POOL_0001", Result: ResultPos, CtValue: Float(ct), ReflexTriggered: true}
		require.ErrorAs(t, nonFinite.Validate(), &vErr, "ct %v", ct)
		assert.Equal(t, "ct_value", vErr.Field)
	}
}

func TestTest_Validate_ReflexTrigger(t *testing.T) {
	flaggedWithoutTrigger := Test{ID: "T1", SubjectKind: SubjectPool, SubjectID: "POOL_0001", Result: ResultBorderline, CtValue: Float(33)}
	var vErr *ValidationError
	require.ErrorAs(t, flaggedWithoutTrigger.Validate(), &vErr)
	assert.Equal(t, "reflex_triggered", vErr.Field)

	sampleWithTrigger := Test{ID: "T2", SubjectKind: SubjectSample, SubjectID: "SAMPLE_0001", Result: ResultPos, CtValue: Float(21), ReflexTriggered: true}
	require.ErrorAs(t, sampleWithTrigger.Validate(), &vErr)
	assert.Equal(t, "reflex_triggered", vErr.Field)
}

func TestFinalStatus_RequiresFollowUp(t *testing.T) {
	assert.False(t, FinalNeg.RequiresFollowUp())
	assert.True(t, FinalPosReview.RequiresFollowUp())
	assert.True(t, PendingReflex.RequiresFollowUp())
}
