package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/pooltrace-server/internal/cache"
	"github.com/pooltrace-server/internal/domain"
	"github.com/pooltrace-server/internal/middleware"
	"github.com/pooltrace-server/internal/service"
)

// breakerState is implemented by caches guarded by a circuit breaker.
type breakerState interface {
	State() gobreaker.State
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":           "healthy",
		"timestamp":        time.Now().UTC(),
		"version":          Version,
		"store_generation": s.store.Generation(),
	}
	if b, ok := s.cache.(breakerState); ok {
		body["cache_breaker"] = b.State().String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handlePoolMembers(c *gin.Context) {
	poolID := c.Param("id")
	s.cached(c, "members", []string{poolID}, func() (interface{}, error) {
		members, err := s.queries.PoolMembers(poolID)
		if err != nil {
			return nil, err
		}
		return gin.H{"pool_id": poolID, "members": members}, nil
	})
}

func (s *Server) handleFlaggedPools(c *gin.Context) {
	s.cached(c, "flagged", nil, func() (interface{}, error) {
		return s.queries.FlaggedPools(), nil
	})
}

func (s *Server) handleLineage(c *gin.Context) {
	sampleID := c.Param("id")
	s.cached(c, "lineage", []string{sampleID}, func() (interface{}, error) {
		lineage, err := s.queries.Lineage(sampleID)
		if err != nil {
			return nil, err
		}
		return lineageResponse{Lineage: lineage, Status: service.DeriveLineageStatus(lineage)}, nil
	})
}

func (s *Server) handleMissingReflexes(c *gin.Context) {
	s.cached(c, "missing", nil, func() (interface{}, error) {
		missing := s.queries.MissingReflexes()
		s.metrics.SetMissingReflexes(len(missing))
		return missing, nil
	})
}

func (s *Server) handleStatuses(c *gin.Context) {
	s.cached(c, "statuses", nil, func() (interface{}, error) {
		return s.queries.FinalStatuses(), nil
	})
}

func (s *Server) handleSummary(c *gin.Context) {
	s.cached(c, "summary", nil, func() (interface{}, error) {
		summary := s.queries.Summary()
		s.metrics.SetMissingReflexes(summary.MissingReflexes)
		return summary, nil
	})
}

// lineageResponse adds the derived final status to a lineage.
type lineageResponse struct {
	domain.Lineage
	Status domain.FinalStatus `json:"final_status"`
}

// testRequest is the body of POST /tests. An omitted reflex_triggered is
// derived from the subject kind and result.
type testRequest struct {
	ID              string   `json:"test_id" binding:"required"`
	SubjectKind     string   `json:"entity_type" binding:"required"`
	SubjectID       string   `json:"entity_id" binding:"required"`
	RunID           string   `json:"run_id"`
	Result          string   `json:"result" binding:"required"`
	CtValue         *float64 `json:"ct_value"`
	TestedAt        *string  `json:"tested_at"`
	ReflexTriggered *bool    `json:"reflex_triggered"`
}

func (r testRequest) toTest(now time.Time) (domain.Test, error) {
	result, err := domain.ParseTestResult(r.Result)
	if err != nil {
		return domain.Test{}, err
	}
	test := domain.Test{
		ID:          r.ID,
		SubjectKind: domain.SubjectKind(r.SubjectKind),
		SubjectID:   r.SubjectID,
		RunID:       r.RunID,
		Result:      result,
		CtValue:     r.CtValue,
		TestedAt:    now,
	}
	if r.TestedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *r.TestedAt)
		if err != nil {
			return domain.Test{}, domain.NewValidationError("tested_at", "must be RFC 3339", *r.TestedAt)
		}
		test.TestedAt = t.UTC()
	}
	if r.ReflexTriggered != nil {
		test.ReflexTriggered = *r.ReflexTriggered
	} else {
		test.ReflexTriggered = domain.ExpectsReflexTrigger(test.SubjectKind, test.Result)
	}
	return test, nil
}

func (s *Server) handleRecordTest(c *gin.Context) {
	var req testRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}

	test, err := req.toTest(time.Now().UTC())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.store.AddTest(test); err != nil {
		s.writeError(c, err)
		return
	}

	if s.repository != nil {
		if err := s.repository.Save(c.Request.Context(), s.store.Snapshot()); err != nil {
			// The record is accepted in memory; the next save retries it.
			s.log.WithError(err).WithField("test_id", test.ID).Error("Failed to persist recorded test")
		}
	}

	c.JSON(http.StatusCreated, test)
}

// cached serves a report from the cache keyed by the store generation,
// computing it at most once per key across concurrent requests.
func (s *Server) cached(c *gin.Context, name string, parts []string, compute func() (interface{}, error)) {
	ctx := c.Request.Context()
	key := cache.Key(s.store.Generation(), append([]string{name}, parts...)...)

	body, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Report cache read failed")
	}
	if ok {
		s.metrics.CacheHit()
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
		return
	}
	s.metrics.CacheMiss()

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		result, err := compute()
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, body); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Report cache write failed")
		}
		return body, nil
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", v.([]byte))
}

// writeError maps domain errors onto status codes and the APIError body.
func (s *Server) writeError(c *gin.Context, err error) {
	requestID := c.GetString(middleware.CorrelationIDKey)

	var (
		status int
		code   string
		verr   *domain.ValidationError
	)
	switch {
	case errors.As(err, &verr),
		errors.Is(err, domain.ErrInvalidResult),
		errors.Is(err, domain.ErrInvalidSubjectKind):
		status, code = http.StatusBadRequest, domain.ErrCodeInvalidInput
	case errors.Is(err, domain.ErrIntegrity):
		status, code = http.StatusUnprocessableEntity, domain.ErrCodeIntegrity
	case errors.Is(err, domain.ErrUnknownPool),
		errors.Is(err, domain.ErrUnknownSample),
		errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, domain.ErrCodeNotFound
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"correlation_id": requestID,
			"path":           c.Request.URL.Path,
		}).Error("Unhandled request error")
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			domain.NewAPIError(domain.ErrCodeInternalServer, "internal error", "", requestID))
		return
	}

	c.AbortWithStatusJSON(status, domain.NewAPIError(code, http.StatusText(status), err.Error(), requestID))
}
