package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pooltrace-server/internal/cache"
	"github.com/pooltrace-server/internal/domain"
	"github.com/pooltrace-server/internal/logging"
	"github.com/pooltrace-server/internal/metrics"
	"github.com/pooltrace-server/internal/store"
)

var baseTime = time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	return logging.Discard()
}

// countingCache wraps a MemoryCache and counts hits and writes.
type countingCache struct {
	*cache.MemoryCache
	mu         sync.Mutex
	hits, sets int
}

func (c *countingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := c.MemoryCache.Get(ctx, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.hits++
	}
	return v, ok, err
}

func (c *countingCache) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.MemoryCache.Set(ctx, key, value)
}

type recordingRepository struct {
	mu    sync.Mutex
	saves []domain.Snapshot
}

func (r *recordingRepository) Save(_ context.Context, snap domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, snap)
	return nil
}

func (r *recordingRepository) Load(context.Context) (domain.Snapshot, error) {
	return domain.Snapshot{}, nil
}

func (r *recordingRepository) Close() error { return nil }

type testServer struct {
	*Server
	store *store.MemoryStore
	cache *countingCache
	repo  *recordingRepository
}

// newTestServer seeds a POS pool with one missing reflex and a NEG pool.
func newTestServer(t *testing.T, cfg domain.ServerConfig) *testServer {
	t.Helper()
	s := store.New(quietLogger())

	require.NoError(t, s.AddPool(domain.Pool{ID: "POOL_0050", CreatedAt: baseTime, Strategy: "optimistic"}))
	require.NoError(t, s.AddPool(domain.Pool{ID: "POOL_0001", CreatedAt: baseTime, Strategy: "optimistic"}))
	for _, m := range []domain.PoolMembership{
		{PoolID: "POOL_0050", SampleID: "SAMPLE_0120"},
		{PoolID: "POOL_0050", SampleID: "SAMPLE_0117"},
		{PoolID: "POOL_0001", SampleID: "SAMPLE_0001"},
	} {
		require.NoError(t, s.AddSample(domain.Sample{ID: m.SampleID, PatientID: "PT_001", SiteID: "SITE_A", CollectedAt: baseTime}))
		require.NoError(t, s.AddMembership(m))
	}
	require.NoError(t, s.AddTest(domain.Test{
		ID: "T1", SubjectKind: domain.SubjectPool, SubjectID: "POOL_0050", RunID: "RUN_001",
		Result: domain.ResultPos, CtValue: domain.Float(24.3), TestedAt: baseTime, ReflexTriggered: true,
	}))
	require.NoError(t, s.AddTest(domain.Test{
		ID: "T2", SubjectKind: domain.SubjectPool, SubjectID: "POOL_0001", RunID: "RUN_001",
		Result: domain.ResultNeg, TestedAt: baseTime,
	}))
	require.NoError(t, s.AddTest(domain.Test{
		ID: "T3", SubjectKind: domain.SubjectSample, SubjectID: "SAMPLE_0120", RunID: "RUN_002",
		Result: domain.ResultPos, CtValue: domain.Float(26.0), TestedAt: baseTime.Add(24 * time.Hour),
	}))

	if cfg.RateLimit == 0 {
		cfg.RateLimit, cfg.RateBurst = 100, 100
	}
	cc := &countingCache{MemoryCache: cache.NewMemoryCache(32, time.Minute)}
	repo := &recordingRepository{}
	srv := NewServer(cfg, s, metrics.NewCollector(), quietLogger(), WithCache(cc), WithRepository(repo))
	return &testServer{Server: srv, store: s, cache: cc, repo: repo}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, domain.ServerConfig{})
	w := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(ts.store.Generation()), body["store_generation"])
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestPoolMembers(t *testing.T) {
	ts := newTestServer(t, domain.ServerConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/pools/POOL_0050/members", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		PoolID  string   `json:"pool_id"`
		Members []string `json:"members"`
	}](t, w)
	assert.Equal(t, "POOL_0050", body.PoolID)
	assert.Equal(t, []string{"SAMPLE_0117", "SAMPLE_0120"}, body.Members)

	w = ts.do(t, http.MethodGet, "/api/v1/pools/POOL_9999/members", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	apiErr := decode[domain.APIError](t, w)
	assert.Equal(t, domain.ErrCodeNotFound, apiErr.Code)
	assert.Equal(t, w.Header().Get("X-Correlation-ID"), apiErr.RequestID)
}

func TestFlaggedPoolsRouteDoesNotShadowMembers(t *testing.T) {
	ts := newTestServer(t, domain.ServerConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/pools/flagged", "")
	require.Equal(t, http.StatusOK, w.Code)
	flagged := decode[[]domain.FlaggedPool](t, w)
	require.Len(t, flagged, 1)
	assert.Equal(t, "POOL_0050", flagged[0].PoolID)
}

func TestLineage(t *testing.T) {
	ts := newTestServer(t, domain.ServerConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/samples/SAMPLE_0117/lineage", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[lineageResponse](t, w)
	assert.Equal(t, "POOL_0050", body.PoolID)
	assert.Equal(t, domain.PoolPos, body.PoolResult)
	assert.Equal(t, domain.ReflexAbsent, body.ReflexResult)
	assert.Equal(t, domain.PendingReflex, body.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/samples/SAMPLE_9999/lineage", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportsAndCaching(t *testing.T) {
	ts := newTestServer(t, domain.ServerConfig{})

	w := ts.do(t, http.MethodGet, "/api/v1/exceptions/missing-reflex", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []domain.MissingReflex{{PoolID: "POOL_0050", SampleID: "SAMPLE_0117"}}, decode[[]domain.MissingReflex](t, w))

	w = ts.do(t, http.MethodGet, "/api/v1/exceptions/missing-reflex", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ts.cache.hits)
	assert.Equal(t, 1, ts.cache.sets)

	// A new write moves the generation, so the next read recomputes.
	w = ts.do(t, http.MethodPost, "/api/v1/tests",
		`{"test_id":"T4","entity_type":"SAMPLE","entity_id":"SAMPLE_0117","run_id":"RUN_003","result":"NEG","tested_at":"2026-01-14T09:00:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/exceptions/missing-reflex", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]domain.MissingReflex](t, w))
	assert.Equal(t, 1, ts.cache.hits)
	assert.Equal(t, 2, ts.cache.sets)

	w = ts.do(t, http.MethodGet, "/api/v1/statuses", "")
	require.Equal(t, http.StatusOK, w.Code)
	statuses := decode[[]domain.StatusRow](t, w)
	require.Len(t, statuses, 3)
	assert.Equal(t, domain.FinalNeg, statuses[0].Status)

	w = ts.do(t, http.MethodGet, "/api/v1/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[domain.Summary](t, w)
	assert.Equal(t, 3, summary.Samples)
	assert.Equal(t, 0, summary.MissingReflexes)
	assert.Equal(t, 2, summary.StatusCounts[domain.FinalNeg])
	assert.Equal(t, 1, summary.StatusCounts[domain.FinalPosReview])
}

func TestRecordTest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{
			name:     "derives reflex flag",
			body:     `{"test_id":"T9","entity_type":"SAMPLE","entity_id":"SAMPLE_0117","result":"BORDERLINE","ct_value":36.2}`,
			wantCode: http.StatusCreated,
		},
		{
			name:     "missing fields",
			body:     `{"test_id":"T9"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  domain.ErrCodeInvalidInput,
		},
		{
			name:     "unknown result",
			body:     `{"test_id":"T9","entity_type":"SAMPLE","entity_id":"SAMPLE_0117","result":"MAYBE"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  domain.ErrCodeInvalidInput,
		},
		{
			name:     "positive without ct",
			body:     `{"test_id":"T9","entity_type":"SAMPLE","entity_id":"SAMPLE_0117","result":"POS"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  domain.ErrCodeInvalidInput,
		},
		{
			name:     "bad timestamp",
			body:     `{"test_id":"T9","entity_type":"SAMPLE","entity_id":"SAMPLE_0117","result":"NEG","tested_at":"tuesday"}`,
			wantCode: http.StatusBadRequest,
			wantErr:  domain.ErrCodeInvalidInput,
		},
		{
			name:     "second reflex for a sample",
			body:     `{"test_id":"T9","entity_type":"SAMPLE","entity_id":"SAMPLE_0120","result":"NEG"}`,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  domain.ErrCodeIntegrity,
		},
		{
			name:     "unknown pool",
			body:     `{"test_id":"T9","entity_type":"POOL","entity_id":"POOL_9999","result":"NEG"}`,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  domain.ErrCodeIntegrity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, domain.ServerConfig{})
			before := ts.store.Generation()

			w := ts.do(t, http.MethodPost, "/api/v1/tests", tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())

			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decode[domain.APIError](t, w).Code)
				assert.Equal(t, before, ts.store.Generation())
				assert.Empty(t, ts.repo.saves)
				return
			}

			got := decode[domain.Test](t, w)
			assert.False(t, got.ReflexTriggered)
			assert.Equal(t, before+1, ts.store.Generation())
			require.Len(t, ts.repo.saves, 1)
			assert.Len(t, ts.repo.saves[0].Tests, 4)
		})
	}
}

func TestRecordTest_RateLimited(t *testing.T) {
	ts := newTestServer(t, domain.ServerConfig{RateLimit: 0.001, RateBurst: 1})

	body := `{"test_id":"T9","entity_type":"SAMPLE","entity_id":"SAMPLE_0117","result":"NEG"}`
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/tests", body).Code)

	w := ts.do(t, http.MethodPost, "/api/v1/tests", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, domain.ErrCodeRateLimit, decode[domain.APIError](t, w).Code)

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/summary", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, domain.ServerConfig{})
	ts.do(t, http.MethodGet, "/api/v1/summary", "")

	w := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `pooltrace_http_requests_total{method="GET",route="/api/v1/summary",status="200"} 1`)
	assert.Contains(t, w.Body.String(), "pooltrace_missing_reflexes 1")
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t, domain.ServerConfig{Host: "127.0.0.1", Port: 0})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ts.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

type openBreakerCache struct{ cache.Noop }

func (openBreakerCache) State() gobreaker.State { return gobreaker.StateOpen }

func TestHealth_ReportsCacheBreaker(t *testing.T) {
	s := store.New(quietLogger())
	srv := NewServer(domain.ServerConfig{RateLimit: 1, RateBurst: 1}, s, metrics.NewCollector(), quietLogger(),
		WithCache(openBreakerCache{}))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]interface{}](t, w)
	assert.Equal(t, "open", body["cache_breaker"])
}
