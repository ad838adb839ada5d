// Package simulate generates deterministic synthetic pooling datasets for
// demos, load tests and end-to-end checks of the exception detector.
package simulate

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/pooltrace-server/internal/domain"
)

// Options controls dataset generation.
type Options struct {
	Seed          int64
	Samples       int
	PoolSize      int
	Sites         []string
	BaseTime      time.Time
	ExceptionRate float64 // chance a flagged-pool member is left without a reflex test
	MaxExceptions int
}

// DefaultOptions returns the reference dataset parameters.
func DefaultOptions() Options {
	return Options{
		Seed:          7,
		Samples:       120,
		PoolSize:      4,
		Sites:         []string{"SITE_A", "SITE_B", "SITE_C"},
		BaseTime:      time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
		ExceptionRate: 0.10,
		MaxExceptions: 3,
	}
}

// Dataset is a generated record set plus the reflex gaps planted in it.
type Dataset struct {
	domain.Snapshot
	Planted []domain.MissingReflex
}

// Generate builds a dataset. The same options always yield the same dataset.
func Generate(opts Options) (Dataset, error) {
	if opts.Samples <= 0 || opts.PoolSize <= 0 {
		return Dataset{}, domain.NewValidationError("samples", "sample count and pool size must be positive", opts.Samples)
	}
	if opts.Samples < opts.PoolSize {
		return Dataset{}, domain.NewValidationError("samples", "need at least one full pool", opts.Samples)
	}
	if len(opts.Sites) == 0 {
		opts.Sites = DefaultOptions().Sites
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	var ds Dataset

	for i := 1; i <= opts.Samples; i++ {
		ds.Samples = append(ds.Samples, domain.Sample{
			ID:          fmt.Sprintf("SAMPLE_%04d", i),
			PatientID:   fmt.Sprintf("PT_%03d", (i%80)+1),
			SiteID:      opts.Sites[rng.Intn(len(opts.Sites))],
			CollectedAt: opts.BaseTime.Add(time.Duration(rng.Intn(601)) * time.Minute),
		})
	}

	shuffled := make([]string, len(ds.Samples))
	for i, s := range ds.Samples {
		shuffled[i] = s.ID
	}
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nPools := opts.Samples / opts.PoolSize
	members := make(map[string][]string, nPools)
	poolIDs := make([]string, 0, nPools)
	for p := 1; p <= nPools; p++ {
		poolID := fmt.Sprintf("POOL_%04d", p)
		poolIDs = append(poolIDs, poolID)
		ds.Pools = append(ds.Pools, domain.Pool{
			ID:        poolID,
			CreatedAt: opts.BaseTime.Add(time.Hour + time.Duration(p)*time.Minute),
			Strategy:  "optimistic",
		})
		for _, sampleID := range shuffled[(p-1)*opts.PoolSize : p*opts.PoolSize] {
			members[poolID] = append(members[poolID], sampleID)
			ds.Memberships = append(ds.Memberships, domain.PoolMembership{PoolID: poolID, SampleID: sampleID})
		}
	}

	// Samples beyond the last full pool stay unpooled.
	borderline, positive := pickFlagged(rng, poolIDs, max(3, nPools/10), max(2, nPools/20))

	run := 1
	for _, pool := range ds.Pools {
		test := domain.Test{
			ID:          "T_POOL_" + pool.ID,
			SubjectKind: domain.SubjectPool,
			SubjectID:   pool.ID,
			RunID:       fmt.Sprintf("RUN_%03d", run),
			Result:      domain.ResultNeg,
			TestedAt:    pool.CreatedAt.Add(2 * time.Hour),
		}
		run++
		switch {
		case positive[pool.ID]:
			test.Result = domain.ResultPos
			test.CtValue = ct(rng, 18.0, 28.0)
		case borderline[pool.ID]:
			test.Result = domain.ResultBorderline
			test.CtValue = ct(rng, 30.0, 37.5)
		}
		test.ReflexTriggered = domain.ExpectsReflexTrigger(test.SubjectKind, test.Result)
		ds.Tests = append(ds.Tests, test)
	}

	flagged := make([]string, 0, len(borderline)+len(positive))
	for id := range borderline {
		flagged = append(flagged, id)
	}
	for id := range positive {
		flagged = append(flagged, id)
	}
	sort.Strings(flagged)

	skipped := 0
	for _, poolID := range flagged {
		poolMembers := members[poolID]
		trigger := poolMembers[rng.Intn(len(poolMembers))]
		for _, sampleID := range poolMembers {
			if skipped < opts.MaxExceptions && rng.Float64() < opts.ExceptionRate {
				skipped++
				ds.Planted = append(ds.Planted, domain.MissingReflex{PoolID: poolID, SampleID: sampleID})
				continue
			}

			test := domain.Test{
				ID:          "T_S_" + sampleID,
				SubjectKind: domain.SubjectSample,
				SubjectID:   sampleID,
				RunID:       fmt.Sprintf("RUN_%03d", run),
				Result:      domain.ResultNeg,
				TestedAt:    opts.BaseTime.Add(24*time.Hour + time.Duration(rng.Intn(601))*time.Minute),
			}
			run++
			if sampleID == trigger {
				if positive[poolID] {
					test.Result = domain.ResultPos
					test.CtValue = ct(rng, 20.0, 30.0)
				} else {
					test.Result = domain.ResultBorderline
					test.CtValue = ct(rng, 32.0, 38.5)
				}
			}
			ds.Tests = append(ds.Tests, test)
		}
	}

	sort.Slice(ds.Memberships, func(i, j int) bool {
		a, b := ds.Memberships[i], ds.Memberships[j]
		if a.PoolID != b.PoolID {
			return a.PoolID < b.PoolID
		}
		return a.SampleID < b.SampleID
	})
	sort.Slice(ds.Planted, func(i, j int) bool {
		a, b := ds.Planted[i], ds.Planted[j]
		if a.PoolID != b.PoolID {
			return a.PoolID < b.PoolID
		}
		return a.SampleID < b.SampleID
	})
	return ds, nil
}

// Apply writes the dataset through w so every store invariant is checked.
func (d Dataset) Apply(w domain.RecordWriter) error {
	for _, s := range d.Samples {
		if err := w.AddSample(s); err != nil {
			return fmt.Errorf("applying samples: %w", err)
		}
	}
	for _, p := range d.Pools {
		if err := w.AddPool(p); err != nil {
			return fmt.Errorf("applying pools: %w", err)
		}
	}
	for _, m := range d.Memberships {
		if err := w.AddMembership(m); err != nil {
			return fmt.Errorf("applying pool members: %w", err)
		}
	}
	for _, t := range d.Tests {
		if err := w.AddTest(t); err != nil {
			return fmt.Errorf("applying tests: %w", err)
		}
	}
	return nil
}

func pickFlagged(rng *rand.Rand, poolIDs []string, nBorderline, nPositive int) (borderline, positive map[string]bool) {
	order := rng.Perm(len(poolIDs))
	borderline = make(map[string]bool, nBorderline)
	positive = make(map[string]bool, nPositive)
	for _, idx := range order {
		switch {
		case len(borderline) < nBorderline:
			borderline[poolIDs[idx]] = true
		case len(positive) < nPositive:
			positive[poolIDs[idx]] = true
		}
	}
	return borderline, positive
}

// ct draws a ct value in [lo, hi] rounded to one decimal.
func ct(rng *rand.Rand, lo, hi float64) *float64 {
	v := math.Round((lo+rng.Float64()*(hi-lo))*10) / 10
	return &v
}
