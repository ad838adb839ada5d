// Package domain contains the core entities of the sample-pooling workflow:
// samples, pools, pool memberships and tests, together with the derived
// lineage and final-status types used by reporting.
//
// Specimens are grouped into pools, each pool is tested once, and pools with a
// BORDERLINE or POS result trigger reflex (individual) testing of every member.
package domain

import (
	"fmt"
	"math"
	"time"
)

// SubjectKind identifies what a Test was run against.
type SubjectKind string

const (
	SubjectPool   SubjectKind = "POOL"
	SubjectSample SubjectKind = "SAMPLE"
)

// IsValid reports whether the kind is one of the recognized subject kinds.
func (k SubjectKind) IsValid() bool {
	switch k {
	case SubjectPool, SubjectSample:
		return true
	default:
		return false
	}
}

// String returns the string representation of the subject kind.
func (k SubjectKind) String() string {
	return string(k)
}

// TestResult is the recorded outcome of a single test run.
type TestResult string

const (
	ResultNeg        TestResult = "NEG"
	ResultBorderline TestResult = "BORDERLINE"
	ResultPos        TestResult = "POS"
)

// IsValid reports whether the result is one of NEG, BORDERLINE or POS.
func (r TestResult) IsValid() bool {
	switch r {
	case ResultNeg, ResultBorderline, ResultPos:
		return true
	default:
		return false
	}
}

// IsFlagged reports whether the result requires reflex testing or review.
func (r TestResult) IsFlagged() bool {
	return r == ResultBorderline || r == ResultPos
}

// String returns the string representation of the result.
func (r TestResult) String() string {
	return string(r)
}

// ParseTestResult converts raw input into a TestResult, rejecting unknown values.
func ParseTestResult(s string) (TestResult, error) {
	r := TestResult(s)
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidResult, s)
	}
	return r, nil
}

// PoolResult is the pool-side input to status derivation. It extends
// TestResult with UNTESTED for pools that have no POOL-kind test yet.
type PoolResult string

const (
	PoolNeg        PoolResult = PoolResult(ResultNeg)
	PoolBorderline PoolResult = PoolResult(ResultBorderline)
	PoolPos        PoolResult = PoolResult(ResultPos)
	PoolUntested   PoolResult = "UNTESTED"
)

// IsFlagged reports whether the pool result mandates reflex testing.
func (p PoolResult) IsFlagged() bool {
	return p == PoolBorderline || p == PoolPos
}

// String returns the string representation of the pool result.
func (p PoolResult) String() string {
	return string(p)
}

// ReflexResult is the sample-side input to status derivation. It extends
// TestResult with ABSENT for samples without a SAMPLE-kind test.
type ReflexResult string

const (
	ReflexNeg        ReflexResult = ReflexResult(ResultNeg)
	ReflexBorderline ReflexResult = ReflexResult(ResultBorderline)
	ReflexPos        ReflexResult = ReflexResult(ResultPos)
	ReflexAbsent     ReflexResult = "ABSENT"
)

// String returns the string representation of the reflex result.
func (r ReflexResult) String() string {
	return string(r)
}

// AllPoolResults lists every pool-side input value.
func AllPoolResults() []PoolResult {
	return []PoolResult{PoolNeg, PoolBorderline, PoolPos, PoolUntested}
}

// AllReflexResults lists every sample-side input value.
func AllReflexResults() []ReflexResult {
	return []ReflexResult{ReflexNeg, ReflexBorderline, ReflexPos, ReflexAbsent}
}

// FinalStatus is the authoritative disposition of a sample.
type FinalStatus string

const (
	FinalNeg       FinalStatus = "FINAL_NEG"
	FinalPosReview FinalStatus = "FINAL_POS_REVIEW"
	PendingReflex  FinalStatus = "PENDING_REFLEX"
)

// String returns the string representation of the status.
func (s FinalStatus) String() string {
	return string(s)
}

// RequiresFollowUp reports whether a human still has to act on the sample.
func (s FinalStatus) RequiresFollowUp() bool {
	return s != FinalNeg
}

// Sample is an individual specimen. Samples are immutable once created.
type Sample struct {
	ID          string    `json:"sample_id"`
	PatientID   string    `json:"patient_id"`
	SiteID      string    `json:"site_id"`
	CollectedAt time.Time `json:"collected_at"`
}

// Pool is a batch of samples tested together as one unit.
type Pool struct {
	ID        string    `json:"pool_id"`
	CreatedAt time.Time `json:"created_at"`
	Strategy  string    `json:"pool_strategy"`
	Notes     *string   `json:"notes,omitempty"`
}

// PoolMembership links a sample to the pool it was tested in.
type PoolMembership struct {
	PoolID   string `json:"pool_id"`
	SampleID string `json:"sample_id"`
}

// Test is a single recorded test run against a pool or a sample.
type Test struct {
	ID              string      `json:"test_id"`
	SubjectKind     SubjectKind `json:"entity_type"`
	SubjectID       string      `json:"entity_id"`
	RunID           string      `json:"run_id"`
	Result          TestResult  `json:"result"`
	CtValue         *float64    `json:"ct_value,omitempty"`
	TestedAt        time.Time   `json:"tested_at"`
	ReflexTriggered bool        `json:"reflex_triggered"`
}

// Validate checks the self-contained invariants of a test. Referential checks
// are the store's responsibility.
func (t *Test) Validate() error {
	if t.ID == "" {
		return NewValidationError("test_id", "is required", t.ID)
	}
	if !t.SubjectKind.IsValid() {
		return fmt.Errorf("test %s: %w: %q", t.ID, ErrInvalidSubjectKind, t.SubjectKind)
	}
	if t.SubjectID == "" {
		return NewValidationError("entity_id", "is required", t.SubjectID)
	}
	if !t.Result.IsValid() {
		return fmt.Errorf("test %s: %w: %q", t.ID, ErrInvalidResult, t.Result)
	}
	if t.Result.IsFlagged() && t.CtValue == nil {
		return NewValidationError("ct_value", fmt.Sprintf("is required for %s results", t.Result), nil)
	}
	if t.CtValue != nil && (math.IsNaN(*t.CtValue) || math.IsInf(*t.CtValue, 0)) {
		return NewValidationError("ct_value", "must be a finite number", *t.CtValue)
	}
	if t.Result == ResultNeg && t.CtValue != nil {
		return NewValidationError("ct_value", "must be empty for NEG results", *t.CtValue)
	}
	if t.ReflexTriggered != ExpectsReflexTrigger(t.SubjectKind, t.Result) {
		return NewValidationError("reflex_triggered", "must be set only on flagged POOL results", t.ReflexTriggered)
	}
	return nil
}

// ExpectsReflexTrigger reports whether a test of this kind and result is a
// pool result that triggered reflex testing.
func ExpectsReflexTrigger(kind SubjectKind, result TestResult) bool {
	return kind == SubjectPool && result.IsFlagged()
}

// Lineage links a sample to its pool and both of their test results.
type Lineage struct {
	SampleID     string       `json:"sample_id"`
	PoolID       string       `json:"pool_id"`
	PoolResult   PoolResult   `json:"pool_result"`
	PoolCt       *float64     `json:"pool_ct,omitempty"`
	ReflexResult ReflexResult `json:"reflex_result"`
	ReflexCt     *float64     `json:"reflex_ct,omitempty"`
}

// MissingReflex is a member of a flagged pool with no reflex test on record.
type MissingReflex struct {
	PoolID   string `json:"pool_id"`
	SampleID string `json:"sample_id"`
}

// StatusRow is one line of the final-status report.
type StatusRow struct {
	SampleID     string       `json:"sample_id"`
	PoolID       string       `json:"pool_id"`
	PoolResult   PoolResult   `json:"pool_result"`
	ReflexResult ReflexResult `json:"reflex_result"`
	Status       FinalStatus  `json:"final_status"`
}

// FlaggedPool is a pool whose authoritative result triggered reflex testing.
type FlaggedPool struct {
	PoolID   string     `json:"pool_id"`
	Result   TestResult `json:"result"`
	CtValue  *float64   `json:"ct_value,omitempty"`
	TestedAt time.Time  `json:"tested_at"`
}

// Summary aggregates the final-status report for dashboards and the CLI.
type Summary struct {
	Samples         int                 `json:"samples"`
	Pools           int                 `json:"pools"`
	UntestedPools   int                 `json:"untested_pools"`
	FlaggedPools    int                 `json:"flagged_pools"`
	MissingReflexes int                 `json:"missing_reflexes"`
	StatusCounts    map[FinalStatus]int `json:"status_counts"`
	GeneratedAt     time.Time           `json:"generated_at"`
	StoreGeneration uint64              `json:"store_generation"`
}

// Snapshot is a point-in-time copy of every record, used for persistence and
// export. Slices are ordered by identifier.
type Snapshot struct {
	Samples     []Sample         `json:"samples"`
	Pools       []Pool           `json:"pools"`
	Memberships []PoolMembership `json:"pool_members"`
	Tests       []Test           `json:"tests"`
}

// Float returns a pointer to v, for optional ct values.
func Float(v float64) *float64 {
	return &v
}
