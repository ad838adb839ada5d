// Package store provides the in-memory record store holding samples, pools,
// pool memberships and tests. It is the single write boundary of the system:
// every referential, uniqueness and enumeration invariant is enforced here.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/domain"
)

// Entity labels used in integrity errors, logs and metrics.
const (
	EntitySample     = "sample"
	EntityPool       = "pool"
	EntityMembership = "pool_member"
	EntityTest       = "test"
)

var _ domain.RecordStore = (*MemoryStore)(nil)

// Observer receives write outcomes. The metrics collector implements it.
type Observer interface {
	RecordWritten(entity string)
	RecordRejected(entity string)
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithObserver registers an observer notified of every write outcome.
func WithObserver(o Observer) Option {
	return func(s *MemoryStore) {
		s.observer = o
	}
}

// MemoryStore is an append-only, indexed record set. Writes are serialized by
// a single lock so check-and-insert of uniqueness invariants is atomic;
// readers share a read lock and never observe a partial write.
type MemoryStore struct {
	mu sync.RWMutex

	samples     map[string]domain.Sample
	pools       map[string]domain.Pool
	members     map[string]map[string]struct{} // pool id -> sample ids
	poolOf      map[string]string              // sample id -> pool id
	poolTests   map[string]domain.Test         // pool id -> authoritative pool test
	sampleTests map[string]domain.Test         // sample id -> reflex test
	testIDs     map[string]struct{}
	generation  uint64

	log      *logrus.Logger
	observer Observer
}

// New creates an empty MemoryStore.
func New(logger *logrus.Logger, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		samples:     make(map[string]domain.Sample),
		pools:       make(map[string]domain.Pool),
		members:     make(map[string]map[string]struct{}),
		poolOf:      make(map[string]string),
		poolTests:   make(map[string]domain.Test),
		sampleTests: make(map[string]domain.Test),
		testIDs:     make(map[string]struct{}),
		log:         logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSample records a new sample. Duplicate ids are rejected.
func (s *MemoryStore) AddSample(sample domain.Sample) error {
	if sample.ID == "" {
		return s.reject(EntitySample, sample.ID, "sample id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.samples[sample.ID]; exists {
		return s.reject(EntitySample, sample.ID, "sample already exists", nil)
	}
	s.samples[sample.ID] = sample
	s.written(EntitySample)
	return nil
}

// AddPool records a new pool. Duplicate ids are rejected.
func (s *MemoryStore) AddPool(pool domain.Pool) error {
	if pool.ID == "" {
		return s.reject(EntityPool, pool.ID, "pool id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[pool.ID]; exists {
		return s.reject(EntityPool, pool.ID, "pool already exists", nil)
	}
	s.pools[pool.ID] = clonePool(pool)
	s.members[pool.ID] = make(map[string]struct{})
	s.written(EntityPool)
	return nil
}

// AddMembership places a sample in a pool. Both must exist and the sample
// must not already belong to any pool.
func (s *MemoryStore) AddMembership(m domain.PoolMembership) error {
	key := m.PoolID + "/" + m.SampleID

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[m.PoolID]; !ok {
		return s.reject(EntityMembership, key, "pool does not exist", domain.ErrUnknownPool)
	}
	if _, ok := s.samples[m.SampleID]; !ok {
		return s.reject(EntityMembership, key, "sample does not exist", domain.ErrUnknownSample)
	}
	if current, ok := s.poolOf[m.SampleID]; ok {
		if current == m.PoolID {
			return s.reject(EntityMembership, key, "membership already exists", nil)
		}
		return s.reject(EntityMembership, key, fmt.Sprintf("sample already belongs to pool %s", current), nil)
	}

	s.members[m.PoolID][m.SampleID] = struct{}{}
	s.poolOf[m.SampleID] = m.PoolID
	s.written(EntityMembership)
	return nil
}

// AddTest records a test result. The subject must exist for the test's kind,
// and each pool or sample may carry at most one test.
func (s *MemoryStore) AddTest(test domain.Test) error {
	if err := test.Validate(); err != nil {
		return s.reject(EntityTest, test.ID, "invalid test", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.testIDs[test.ID]; exists {
		return s.reject(EntityTest, test.ID, "test already exists", nil)
	}

	switch test.SubjectKind {
	case domain.SubjectPool:
		if _, ok := s.pools[test.SubjectID]; !ok {
			return s.reject(EntityTest, test.ID, fmt.Sprintf("pool %s does not exist", test.SubjectID), domain.ErrUnknownPool)
		}
		if existing, ok := s.poolTests[test.SubjectID]; ok {
			return s.reject(EntityTest, test.ID, fmt.Sprintf("pool %s already has result %s", test.SubjectID, existing.ID), nil)
		}
		s.poolTests[test.SubjectID] = cloneTest(test)
	case domain.SubjectSample:
		if _, ok := s.samples[test.SubjectID]; !ok {
			return s.reject(EntityTest, test.ID, fmt.Sprintf("sample %s does not exist", test.SubjectID), domain.ErrUnknownSample)
		}
		if existing, ok := s.sampleTests[test.SubjectID]; ok {
			return s.reject(EntityTest, test.ID, fmt.Sprintf("sample %s already has reflex test %s", test.SubjectID, existing.ID), nil)
		}
		s.sampleTests[test.SubjectID] = cloneTest(test)
	}

	s.testIDs[test.ID] = struct{}{}
	s.written(EntityTest)

	s.log.WithFields(logrus.Fields{
		"test_id":    test.ID,
		"kind":       test.SubjectKind,
		"subject_id": test.SubjectID,
		"result":     test.Result,
	}).Debug("Test recorded")
	return nil
}

// Sample returns the sample with the given id.
func (s *MemoryStore) Sample(id string) (domain.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sample, ok := s.samples[id]
	if !ok {
		return domain.Sample{}, fmt.Errorf("sample %s: %w", id, domain.ErrUnknownSample)
	}
	return sample, nil
}

// Pool returns the pool with the given id.
func (s *MemoryStore) Pool(id string) (domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pool, ok := s.pools[id]
	if !ok {
		return domain.Pool{}, fmt.Errorf("pool %s: %w", id, domain.ErrUnknownPool)
	}
	return clonePool(pool), nil
}

// Samples returns every sample ordered by id.
func (s *MemoryStore) Samples() []domain.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sample, 0, len(s.samples))
	for _, sample := range s.samples {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pools returns every pool ordered by id.
func (s *MemoryStore) Pools() []domain.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Pool, 0, len(s.pools))
	for _, pool := range s.pools {
		out = append(out, clonePool(pool))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MembersOf returns the sorted sample ids of a pool.
func (s *MemoryStore) MembersOf(poolID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.members[poolID]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", poolID, domain.ErrUnknownPool)
	}
	return sortedKeys(set), nil
}

// PoolOf returns the pool a sample belongs to. It fails with ErrUnknownSample
// for unknown samples and ErrNotFound for samples not yet pooled.
func (s *MemoryStore) PoolOf(sampleID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.samples[sampleID]; !ok {
		return "", fmt.Errorf("sample %s: %w", sampleID, domain.ErrUnknownSample)
	}
	poolID, ok := s.poolOf[sampleID]
	if !ok {
		return "", fmt.Errorf("pool for sample %s: %w", sampleID, domain.ErrNotFound)
	}
	return poolID, nil
}

// TestFor returns the single test recorded against a subject. At most one test
// per subject is ever accepted, so no tie-break is needed.
func (s *MemoryStore) TestFor(kind domain.SubjectKind, subjectID string) (domain.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		test domain.Test
		ok   bool
	)
	switch kind {
	case domain.SubjectPool:
		test, ok = s.poolTests[subjectID]
	case domain.SubjectSample:
		test, ok = s.sampleTests[subjectID]
	}
	if !ok {
		return domain.Test{}, fmt.Errorf("%s test for %s: %w", kind, subjectID, domain.ErrNotFound)
	}
	return cloneTest(test), nil
}

// PoolTests returns every authoritative pool test ordered by pool id.
func (s *MemoryStore) PoolTests() []domain.Test {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Test, 0, len(s.poolTests))
	for _, t := range s.poolTests {
		out = append(out, cloneTest(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// Generation returns a counter incremented on every accepted write.
func (s *MemoryStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Snapshot returns a copy of every record ordered by identifier.
func (s *MemoryStore) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.Snapshot{
		Samples:     make([]domain.Sample, 0, len(s.samples)),
		Pools:       make([]domain.Pool, 0, len(s.pools)),
		Memberships: make([]domain.PoolMembership, 0, len(s.poolOf)),
		Tests:       make([]domain.Test, 0, len(s.testIDs)),
	}
	for _, sample := range s.samples {
		snap.Samples = append(snap.Samples, sample)
	}
	for _, pool := range s.pools {
		snap.Pools = append(snap.Pools, clonePool(pool))
	}
	for sampleID, poolID := range s.poolOf {
		snap.Memberships = append(snap.Memberships, domain.PoolMembership{PoolID: poolID, SampleID: sampleID})
	}
	for _, t := range s.poolTests {
		snap.Tests = append(snap.Tests, cloneTest(t))
	}
	for _, t := range s.sampleTests {
		snap.Tests = append(snap.Tests, cloneTest(t))
	}

	sort.Slice(snap.Samples, func(i, j int) bool { return snap.Samples[i].ID < snap.Samples[j].ID })
	sort.Slice(snap.Pools, func(i, j int) bool { return snap.Pools[i].ID < snap.Pools[j].ID })
	sort.Slice(snap.Memberships, func(i, j int) bool {
		a, b := snap.Memberships[i], snap.Memberships[j]
		if a.PoolID != b.PoolID {
			return a.PoolID < b.PoolID
		}
		return a.SampleID < b.SampleID
	})
	sort.Slice(snap.Tests, func(i, j int) bool { return snap.Tests[i].ID < snap.Tests[j].ID })
	return snap
}

// Restore replays a snapshot through the write path so that every invariant is
// checked again. Records already present are rejected like any other duplicate.
func (s *MemoryStore) Restore(snap domain.Snapshot) error {
	for _, sample := range snap.Samples {
		if err := s.AddSample(sample); err != nil {
			return fmt.Errorf("restoring samples: %w", err)
		}
	}
	for _, pool := range snap.Pools {
		if err := s.AddPool(pool); err != nil {
			return fmt.Errorf("restoring pools: %w", err)
		}
	}
	for _, m := range snap.Memberships {
		if err := s.AddMembership(m); err != nil {
			return fmt.Errorf("restoring pool members: %w", err)
		}
	}
	for _, t := range snap.Tests {
		if err := s.AddTest(t); err != nil {
			return fmt.Errorf("restoring tests: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"samples":     len(snap.Samples),
		"pools":       len(snap.Pools),
		"memberships": len(snap.Memberships),
		"tests":       len(snap.Tests),
	}).Info("Record store restored from snapshot")
	return nil
}

// written must be called with the write lock held.
func (s *MemoryStore) written(entity string) {
	s.generation++
	if s.observer != nil {
		s.observer.RecordWritten(entity)
	}
}

func (s *MemoryStore) reject(entity, id, reason string, cause error) error {
	s.log.WithFields(logrus.Fields{
		"entity": entity,
		"id":     id,
		"reason": reason,
	}).Warn("Write rejected")
	if s.observer != nil {
		s.observer.RecordRejected(entity)
	}
	return &domain.IntegrityError{Entity: entity, ID: id, Reason: reason, Err: cause}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clonePool(p domain.Pool) domain.Pool {
	if p.Notes != nil {
		notes := *p.Notes
		p.Notes = &notes
	}
	return p
}

func cloneTest(t domain.Test) domain.Test {
	if t.CtValue != nil {
		ct := *t.CtValue
		t.CtValue = &ct
	}
	return t
}
