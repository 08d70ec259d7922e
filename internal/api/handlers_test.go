package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/phrazzld/contextflow/internal/scheduler"
	"github.com/phrazzld/contextflow/internal/taskservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type fakeManager struct {
	GetFn        func(ctx context.Context, id string) (*domain.Context, error)
	CancelFn     func(ctx context.Context, id, reason string) (*domain.Context, error)
	PurgeFn      func(ctx context.Context, ids ...string) (int, error)
	ReferencesFn func(ctx context.Context, subjectID string, limit int) ([]*domain.Context, error)
}

func (m *fakeManager) Get(ctx context.Context, id string) (*domain.Context, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, id)
	}
	return nil, domain.ErrContextNotFound
}

func (m *fakeManager) Cancel(ctx context.Context, id, reason string) (*domain.Context, error) {
	if m.CancelFn != nil {
		return m.CancelFn(ctx, id, reason)
	}
	return nil, domain.ErrContextNotFound
}

func (m *fakeManager) Purge(ctx context.Context, ids ...string) (int, error) {
	if m.PurgeFn != nil {
		return m.PurgeFn(ctx, ids...)
	}
	return 0, nil
}

func (m *fakeManager) References(ctx context.Context, subjectID string, limit int) ([]*domain.Context, error) {
	if m.ReferencesFn != nil {
		return m.ReferencesFn(ctx, subjectID, limit)
	}
	return nil, nil
}

type fakeCreator struct {
	CreateContextFn func(ctx context.Context, req domain.Request, purpose string, opts taskservice.CreateOptions) (*domain.Context, error)
}

func (c *fakeCreator) CreateContext(ctx context.Context, req domain.Request, purpose string, opts taskservice.CreateOptions) (*domain.Context, error) {
	return c.CreateContextFn(ctx, req, purpose, opts)
}

type fakeSync struct {
	ExecuteNowFn func(ctx context.Context, id string) (*domain.Context, error)
}

func (s *fakeSync) ExecuteNow(ctx context.Context, id string) (*domain.Context, error) {
	return s.ExecuteNowFn(ctx, id)
}

type fakeJobs struct {
	SubmitFn func(ctx context.Context, jobID string, group *domain.GroupKey) (string, error)
	stats    []scheduler.JobStats
	triggers []scheduler.Trigger
}

func (j *fakeJobs) Submit(ctx context.Context, jobID string, group *domain.GroupKey) (string, error) {
	return j.SubmitFn(ctx, jobID, group)
}

func (j *fakeJobs) Stats() []scheduler.JobStats { return j.stats }

func (j *fakeJobs) Triggers() []scheduler.Trigger { return j.triggers }

func contextID(t *testing.T) string {
	t.Helper()
	return ident.MustNew(ident.PrefixContext, "test", testNow)
}

func batchID(t *testing.T) string {
	t.Helper()
	return ident.MustNew(ident.PrefixBatch, "test", testNow)
}

func sampleContext(id string, capability domain.Capability) *domain.Context {
	c := domain.NewContext(id, capability, domain.Request{SubjectID: "u1", Text: "hello"},
		domain.Template{Name: "summary", Purpose: "summary", Capability: capability}, testNow)
	return c
}

type testServer struct {
	manager *fakeManager
	creator *fakeCreator
	sync    *fakeSync
	jobs    *fakeJobs
	handler http.Handler
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	s := &testServer{
		manager: &fakeManager{},
		creator: &fakeCreator{},
		sync:    &fakeSync{},
		jobs:    &fakeJobs{},
	}
	h, err := NewRouter(RouterConfig{
		Contexts: NewContextHandler(s.manager, s.creator, s.sync),
		Jobs:     NewJobHandler(s.jobs),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("contextflow_claims_total 0\n"))
		}),
		JWTSecret: secret,
		Logger:    logger.Discard(),
	})
	require.NoError(t, err)
	s.handler = h
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	w := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	w = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "contextflow_claims_total")
}

func TestCreateContextAsync(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	id := contextID(t)

	var gotPurpose string
	var gotOpts taskservice.CreateOptions
	var gotReq domain.Request
	s.creator.CreateContextFn = func(_ context.Context, req domain.Request, purpose string, opts taskservice.CreateOptions) (*domain.Context, error) {
		gotReq, gotPurpose, gotOpts = req, purpose, opts
		return sampleContext(id, domain.CapabilityGenerative), nil
	}
	s.sync.ExecuteNowFn = func(context.Context, string) (*domain.Context, error) {
		t.Fatal("async submission must not execute")
		return nil, nil
	}

	w := s.do(t, http.MethodPost, "/api/contexts",
		`{"purpose":"summary","subject_id":"u1","text":"hello","priority":"high","max_retries":2,"tags":{"origin":"test"}}`)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, id, decode[CreatedResponse](t, w).ID)
	assert.Equal(t, "summary", gotPurpose)
	assert.Equal(t, "u1", gotReq.SubjectID)
	assert.Equal(t, domain.PriorityHigh, gotOpts.Priority)
	assert.Equal(t, 2, gotOpts.Retry.MaxRetries)
	assert.Equal(t, "test", gotOpts.Tags["origin"])
}

func TestCreateContextDefaultRetries(t *testing.T) {
	t.Parallel()

	var got int
	creator := &fakeCreator{CreateContextFn: func(_ context.Context, _ domain.Request, _ string, opts taskservice.CreateOptions) (*domain.Context, error) {
		got = opts.Retry.MaxRetries
		return sampleContext(ident.MustNew(ident.PrefixContext, "test", testNow), domain.CapabilityAnalysis), nil
	}}
	h, err := NewRouter(RouterConfig{
		Contexts: NewContextHandler(&fakeManager{}, creator, nil).WithDefaultRetries(3),
		Logger:   logger.Discard(),
	})
	require.NoError(t, err)

	for body, want := range map[string]int{
		`{"purpose":"summary","text":"x"}`:                 3,
		`{"purpose":"summary","text":"x","max_retries":0}`: 0,
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/contexts", strings.NewReader(body)))
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, want, got, body)
	}
}

func TestCreateContextValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	s.creator.CreateContextFn = func(context.Context, domain.Request, string, taskservice.CreateOptions) (*domain.Context, error) {
		return nil, domain.ErrTemplateNotFound
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"malformed body", "/api/contexts", `{"purpose":`, http.StatusBadRequest},
		{"unknown field", "/api/contexts", `{"purpose":"x","text":"y","owner":"z"}`, http.StatusBadRequest},
		{"missing purpose", "/api/contexts", `{"text":"hello"}`, http.StatusBadRequest},
		{"missing payload", "/api/contexts", `{"purpose":"summary"}`, http.StatusBadRequest},
		{"bad priority", "/api/contexts", `{"purpose":"summary","text":"x","priority":"urgent"}`, http.StatusBadRequest},
		{"bad sync flag", "/api/contexts?sync=maybe", `{"purpose":"summary","text":"x"}`, http.StatusBadRequest},
		{"unknown purpose", "/api/contexts", `{"purpose":"nope","text":"x"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCreateContextSync(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		s := newTestServer(t, "")
		id := contextID(t)
		s.creator.CreateContextFn = func(context.Context, domain.Request, string, taskservice.CreateOptions) (*domain.Context, error) {
			return sampleContext(id, domain.CapabilityGenerative), nil
		}
		s.sync.ExecuteNowFn = func(_ context.Context, got string) (*domain.Context, error) {
			assert.Equal(t, id, got)
			c := sampleContext(id, domain.CapabilityGenerative)
			c.Status = domain.StatusCompleted
			done := testNow.Add(time.Second)
			c.Results = &domain.Results{Output: json.RawMessage(`{"summary":"hi"}`), CompletedAt: &done}
			return c, nil
		}

		w := s.do(t, http.MethodPost, "/api/contexts?sync=true", `{"purpose":"summary","text":"hello"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[ContextResponse](t, w)
		assert.Equal(t, domain.StatusCompleted, resp.Status)
		assert.JSONEq(t, `{"summary":"hi"}`, string(resp.Output))
	})

	t.Run("capability unavailable", func(t *testing.T) {
		s := newTestServer(t, "")
		id := contextID(t)
		s.creator.CreateContextFn = func(context.Context, domain.Request, string, taskservice.CreateOptions) (*domain.Context, error) {
			return sampleContext(id, domain.CapabilityGenerative), nil
		}
		s.sync.ExecuteNowFn = func(context.Context, string) (*domain.Context, error) {
			return nil, domain.ErrCapabilityUnavailable
		}

		w := s.do(t, http.MethodPost, "/api/contexts?sync=true", `{"purpose":"summary","text":"hello"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode[syncFailureResponse](t, w)
		assert.Equal(t, id, resp.ContextID)
		assert.Equal(t, "Capability unavailable", resp.Error)
	})

	t.Run("permanent failure", func(t *testing.T) {
		s := newTestServer(t, "")
		id := contextID(t)
		s.creator.CreateContextFn = func(context.Context, domain.Request, string, taskservice.CreateOptions) (*domain.Context, error) {
			return sampleContext(id, domain.CapabilityGenerative), nil
		}
		s.sync.ExecuteNowFn = func(context.Context, string) (*domain.Context, error) {
			return nil, domain.Permanent(errors.New("model refused"))
		}

		w := s.do(t, http.MethodPost, "/api/contexts?sync=true", `{"purpose":"summary","text":"hello"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.NotContains(t, w.Body.String(), "model refused")
	})

	t.Run("disabled", func(t *testing.T) {
		h, err := NewRouter(RouterConfig{
			Contexts: NewContextHandler(&fakeManager{}, &fakeCreator{}, nil),
			Logger:   logger.Discard(),
		})
		require.NoError(t, err)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/contexts?sync=1", strings.NewReader(`{"purpose":"a","text":"b"}`)))
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})
}

func TestGetContext(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	id := contextID(t)
	s.manager.GetFn = func(_ context.Context, got string) (*domain.Context, error) {
		if got != id {
			return nil, domain.ErrContextNotFound
		}
		return sampleContext(id, domain.CapabilityAnalysis), nil
	}

	w := s.do(t, http.MethodGet, "/api/contexts/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ContextResponse](t, w)
	assert.Equal(t, id, resp.ID)
	assert.Equal(t, domain.StatusCreated, resp.Status)
	assert.Equal(t, "summary", resp.Template)
	assert.Equal(t, "u1", resp.SubjectID)

	w = s.do(t, http.MethodGet, "/api/contexts/"+ident.MustNew(ident.PrefixContext, "other", testNow), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Context not found", decode[map[string]string](t, w)["error"])

	w = s.do(t, http.MethodGet, "/api/contexts/not-an-id", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/contexts/"+batchID(t), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelContext(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	id := contextID(t)

	var gotReason string
	s.manager.CancelFn = func(_ context.Context, got, reason string) (*domain.Context, error) {
		gotReason = reason
		c := sampleContext(got, domain.CapabilityAnalysis)
		c.Status = domain.StatusFailed
		c.Results = &domain.Results{Error: &domain.ErrorInfo{Kind: domain.ErrorKindCancelled, Message: reason, At: testNow}}
		return c, nil
	}

	w := s.do(t, http.MethodPost, "/api/contexts/"+id+"/cancel", `{"reason":"operator request"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "operator request", gotReason)
	resp := decode[ContextResponse](t, w)
	assert.Equal(t, domain.ErrorKindCancelled, resp.Error.Kind)

	w = s.do(t, http.MethodPost, "/api/contexts/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled via api", gotReason)

	s.manager.CancelFn = func(context.Context, string, string) (*domain.Context, error) {
		return nil, domain.ErrImmutable
	}
	w = s.do(t, http.MethodPost, "/api/contexts/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetBatch(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	bid := batchID(t)

	s.manager.GetFn = func(_ context.Context, id string) (*domain.Context, error) {
		c := sampleContext(id, domain.CapabilityBatch)
		c.Tags[domain.TagJob] = "nightly"
		items := domain.NewBatchItems()
		items.Set("u1", domain.ItemResult{Status: domain.ItemSucceeded, SubjectID: "u1"})
		items.Set("u2", domain.ItemResult{Status: domain.ItemFailed, SubjectID: "u2", Error: "timeout"})
		items.AddInvalid("u3")
		progress := domain.Tally(items)
		c.Results = &domain.Results{Items: items, Progress: &progress}
		return c, nil
	}

	w := s.do(t, http.MethodGet, "/api/batches/"+bid, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "nightly", body["job_id"])
	assert.Equal(t, map[string]any{"processed": 2.0, "succeeded": 1.0, "failed": 1.0, "total": 2.0}, body["progress"])
	items := body["items"].(map[string]any)
	assert.Equal(t, []any{"u3"}, items["invalid_users"])
	assert.Contains(t, items, "u1")

	s.manager.GetFn = func(_ context.Context, id string) (*domain.Context, error) {
		return sampleContext(id, domain.CapabilityAnalysis), nil
	}
	w = s.do(t, http.MethodGet, "/api/batches/"+bid, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Batch not found", decode[map[string]string](t, w)["error"])
}

func TestListReferences(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	var gotLimit int
	s.manager.ReferencesFn = func(_ context.Context, subjectID string, limit int) ([]*domain.Context, error) {
		gotLimit = limit
		c := sampleContext(ident.MustNew(ident.PrefixReference, "test", testNow), domain.CapabilityReference)
		c.Results = &domain.Results{Reference: &domain.Reference{BatchID: "bat_x", SubjectID: subjectID}}
		return []*domain.Context{c}, nil
	}

	w := s.do(t, http.MethodGet, "/api/subjects/u1/references", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultReferenceLimit, gotLimit)
	refs := decode[[]ContextResponse](t, w)
	require.Len(t, refs, 1)
	assert.Equal(t, "u1", refs[0].Reference.SubjectID)

	w = s.do(t, http.MethodGet, "/api/subjects/u1/references?limit=100000", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxReferenceLimit, gotLimit)

	w = s.do(t, http.MethodGet, "/api/subjects/u1/references?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPurgeContext(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	id := contextID(t)

	s.manager.PurgeFn = func(_ context.Context, ids ...string) (int, error) {
		assert.Equal(t, []string{id}, ids)
		return 1, nil
	}
	w := s.do(t, http.MethodDelete, "/api/admin/contexts/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	s.manager.PurgeFn = func(context.Context, ...string) (int, error) { return 0, nil }
	w = s.do(t, http.MethodDelete, "/api/admin/contexts/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunJob(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	bid := batchID(t)

	var gotGroup *domain.GroupKey
	s.jobs.SubmitFn = func(_ context.Context, jobID string, group *domain.GroupKey) (string, error) {
		gotGroup = group
		switch jobID {
		case "nightly", "digest":
			return bid, nil
		default:
			return "", domain.ErrJobNotFound
		}
	}

	w := s.do(t, http.MethodPost, "/api/jobs/nightly/run", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, bid, decode[RunJobResponse](t, w).BatchID)
	assert.Nil(t, gotGroup)

	w = s.do(t, http.MethodPost, "/api/jobs/digest/run", `{"group":"digest|weekly|09:00"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, gotGroup)
	assert.Equal(t, domain.GroupKey{FeatureType: "digest", Frequency: "weekly", AnchorTime: "09:00"}, *gotGroup)

	w = s.do(t, http.MethodPost, "/api/jobs/digest/run", `{"group":"digest"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/jobs/missing/run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", decode[map[string]string](t, w)["error"])
}

func TestJobStatsAndTriggers(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")

	w := s.do(t, http.MethodGet, "/api/jobs/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	s.jobs.stats = []scheduler.JobStats{{JobID: "nightly", Runs: 3, Failures: 1, Processed: 10}}
	s.jobs.triggers = []scheduler.Trigger{{Key: "nightly", JobID: "nightly", NextRun: testNow}}

	w = s.do(t, http.MethodGet, "/api/jobs/stats", "")
	stats := decode[[]scheduler.JobStats](t, w)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Runs)

	w = s.do(t, http.MethodGet, "/api/jobs/triggers", "")
	triggers := decode[[]scheduler.Trigger](t, w)
	require.Len(t, triggers, 1)
	assert.True(t, testNow.Equal(triggers[0].NextRun))
}

func TestRouterAuthentication(t *testing.T) {
	t.Parallel()

	const secret = "0123456789abcdef0123456789abcdef"
	s := newTestServer(t, secret)
	s.jobs.stats = []scheduler.JobStats{}

	w := s.do(t, http.MethodGet, "/api/jobs/stats", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = NewRouter(RouterConfig{JWTSecret: "short", Logger: logger.Discard()})
	assert.Error(t, err)
}
