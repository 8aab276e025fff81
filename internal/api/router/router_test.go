package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/api/admission"
	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/internal/api/handler"
	"github.com/cuongbtq/rate-bulk/internal/api/model"
	"github.com/cuongbtq/rate-bulk/internal/api/quota"
	"github.com/cuongbtq/rate-bulk/internal/api/tenant"
	"github.com/cuongbtq/rate-bulk/internal/config"
	"github.com/cuongbtq/rate-bulk/shared/clock"
	"github.com/cuongbtq/rate-bulk/shared/logger"
	"github.com/cuongbtq/rate-bulk/shared/servicetoken"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

var start = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

type companyTable map[string]*domain.Company

func (c companyTable) GetCompany(_ context.Context, id string) (*domain.Company, error) {
	if co, ok := c[id]; ok {
		return co, nil
	}
	return nil, domain.ErrCompanyNotFound
}

type batchStore struct {
	mu       sync.Mutex
	batches  []model.BulkRatingRequest
	jobs     []model.RatingJob
	failJobs bool
}

type batchTx struct {
	s       *batchStore
	batches []model.BulkRatingRequest
	jobs    []model.RatingJob
}

func (s *batchStore) InTenantTx(_ context.Context, _ string, fn func(tx admission.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &batchTx{s: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.batches = append(s.batches, tx.batches...)
	s.jobs = append(s.jobs, tx.jobs...)
	return nil
}

func (t *batchTx) CountBatchesSince(_ context.Context, companyID string, since time.Time) (int, error) {
	n := 0
	for _, b := range t.s.batches {
		if b.CompanyID == companyID && !b.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *batchTx) InsertBatch(_ context.Context, b *model.BulkRatingRequest) error {
	t.batches = append(t.batches, *b)
	return nil
}

func (t *batchTx) InsertJobs(_ context.Context, jobs []model.RatingJob) error {
	if t.s.failJobs {
		return errors.New("insert rating_jobs failed")
	}
	t.jobs = append(t.jobs, jobs...)
	return nil
}

func (s *batchStore) GetBatchStatus(_ context.Context, companyID, requestID string) (*domain.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.ID != requestID || b.CompanyID != companyID {
			continue
		}
		st := &domain.BatchStatus{
			RequestID:           b.ID,
			Status:              b.Status,
			TotalJobs:           b.TotalJobs,
			Priority:            domain.Priority(b.Priority),
			EstimatedCompletion: b.EstimatedCompletion,
			CreatedAt:           b.CreatedAt,
		}
		st.Jobs.Pending = b.TotalJobs
		return st, nil
	}
	return nil, domain.ErrBatchNotFound
}

func (s *batchStore) count() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches), len(s.jobs)
}

type stubHealth struct{ err error }

func (s stubHealth) HealthCheck(context.Context) error { return s.err }

type testServer struct {
	router *gin.Engine
	store  *batchStore
	mint   func(companyID string) string
}

func newTestServer(t *testing.T, dbErr error) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pub, priv, err := servicetoken.GenerateKeypair()
	require.NoError(t, err)
	clk := clock.Fake(start)

	companies := companyTable{
		"free-co": {ID: "free-co", Tier: domain.TierFree, Status: domain.CompanyStatusActive},
		"pro-co":  {ID: "pro-co", Tier: domain.TierPro, Status: domain.CompanyStatusActive},
		"frozen":  {ID: "frozen", Tier: domain.TierPro, Status: domain.CompanyStatusSuspended},
	}

	log := logger.NewDiscard()
	store := &batchStore{}
	seq := 0
	var seqMu sync.Mutex

	orch := admission.NewOrchestrator(admission.Config{}, admission.Dependencies{
		Resolver: tenant.NewResolver(tenant.NewSignedTokenVerifier(pub, "rate-bulk", clk), companies, log),
		Quota:    quota.NewEngine(quota.PoliciesFromConfig(config.DefaultTiers()), time.Hour),
		Store:    store,
		Clock:    clk,
		NewID: func() (string, error) {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("bulk_%03d", seq), nil
		},
		Tracer: noop.NewTracerProvider().Tracer("test"),
		Logger: log,
	})

	r := SetupRouter(&handler.Dependencies{
		Logger:      log,
		Admission:   orch,
		Database:    stubHealth{err: dbErr},
		ServiceName: "rate-bulk-api",
	})

	return &testServer{
		router: r,
		store:  store,
		mint: func(companyID string) string {
			wire, err := servicetoken.Mint(priv, &servicetoken.Token{
				Subject:   "user-1",
				CompanyID: companyID,
				Audience:  "rate-bulk",
				ID:        "t1",
				IssuedAt:  start.Unix(),
				ExpiresAt: start.Add(time.Hour).Unix(),
			})
			require.NoError(t, err)
			return wire
		},
	}
}

func (s *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func jobsJSON(n int, extra string) string {
	jobs := make([]string, n)
	for i := range jobs {
		jobs[i] = `{"origin":"Chicago, IL","destination":"Denver, CO","equipment_type":"Reefer","pickup_date":"2026-11-01","temperature_controlled":true}`
	}
	body := `{"company_id":"whatever","jobs":[` + strings.Join(jobs, ",") + `]`
	if extra != "" {
		body += "," + extra
	}
	return body + "}"
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRateBulk_Accepted(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/rate-bulk", s.mint("pro-co"), jobsJSON(3, `"priority":"high"`))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, map[string]any{
		"request_id":           "bulk_001",
		"accepted":             float64(3),
		"estimated_completion": "2026-10-18T10:00:06.000Z",
		"status":               "accepted",
	}, body)

	batches, jobs := s.store.count()
	assert.Equal(t, 1, batches)
	assert.Equal(t, 3, jobs)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateBulk_ErrorResponses(t *testing.T) {
	tests := []struct {
		name    string
		company string
		body    string
		status  int
		code    string
	}{
		{"no bearer token", "", jobsJSON(1, ""), http.StatusUnauthorized, "unauthorized"},
		{"no token and empty body", "", "", http.StatusUnauthorized, "unauthorized"},
		{"unknown company", "ghost", jobsJSON(1, ""), http.StatusNotFound, "not_found"},
		{"suspended company", "frozen", jobsJSON(1, ""), http.StatusForbidden, "account_suspended"},
		{"empty jobs", "pro-co", `{"jobs":[]}`, http.StatusBadRequest, "invalid_request"},
		{"missing jobs", "pro-co", `{}`, http.StatusBadRequest, "invalid_request"},
		{"free tier 11 jobs", "free-co", jobsJSON(11, ""), http.StatusTooManyRequests, "rate_limited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			token := ""
			if tt.company != "" {
				token = s.mint(tt.company)
			}

			w := s.do(http.MethodPost, "/api/v1/rate-bulk", token, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())

			body := decode(t, w)
			assert.Equal(t, tt.code, body["error"])
			assert.NotEmpty(t, body["message"])
			assert.Len(t, body, 2)

			batches, jobs := s.store.count()
			assert.Zero(t, batches)
			assert.Zero(t, jobs)
		})
	}
}

func TestRateBulk_InvalidToken(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/rate-bulk", "forged.token", jobsJSON(1, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateBulk_JobInsertFailure(t *testing.T) {
	s := newTestServer(t, nil)
	s.store.failJobs = true

	w := s.do(http.MethodPost, "/api/v1/rate-bulk", s.mint("pro-co"), jobsJSON(2, ""))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	body := decode(t, w)
	assert.Equal(t, "internal_error", body["error"])
	assert.NotContains(t, body["message"], "rating_jobs failed")

	batches, jobs := s.store.count()
	assert.Zero(t, batches)
	assert.Zero(t, jobs)
}

func TestRateBulk_Preflight(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/api/v1/rate-bulk", "/api/v1/rate-bulk/bulk_001"} {
		w := s.do(http.MethodOptions, path, "", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "authorization")
	}
}

func TestRateBulk_Status(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.mint("pro-co")

	w := s.do(http.MethodPost, "/api/v1/rate-bulk", token, jobsJSON(2, ""))
	require.Equal(t, http.StatusAccepted, w.Code)
	requestID := decode(t, w)["request_id"].(string)

	w = s.do(http.MethodGet, "/api/v1/rate-bulk/"+requestID, token, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, requestID, body["request_id"])
	assert.Equal(t, "processing", body["status"])
	assert.Equal(t, float64(2), body["total_jobs"])
	assert.Equal(t, "normal", body["priority"])
	assert.Equal(t, "2026-10-18T10:00:04.000Z", body["estimated_completion"])
	assert.Equal(t, "2026-10-18T10:00:00.000Z", body["created_at"])
	assert.Equal(t, map[string]any{"pending": float64(2), "running": float64(0), "done": float64(0), "failed": float64(0)}, body["jobs"])

	t.Run("other tenant", func(t *testing.T) {
		w := s.do(http.MethodGet, "/api/v1/rate-bulk/"+requestID, s.mint("free-co"), "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not_found", decode(t, w)["error"])
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := s.do(http.MethodGet, "/api/v1/rate-bulk/"+requestID, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := s.do(http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "rate-bulk-api", body["service"])
	})

	t.Run("database down", func(t *testing.T) {
		s := newTestServer(t, errors.New("connection refused"))
		w := s.do(http.MethodGet, "/health", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "unhealthy", decode(t, w)["status"])
	})
}
