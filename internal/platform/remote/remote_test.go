package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 2 * time.Second, BearerToken: "secret"}, logger.Discard())
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{}, logger.Discard())
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = NewClient(Config{BaseURL: "not a url"}, logger.Discard())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		notFound  bool
		transient bool
	}{
		{http.StatusNotFound, true, false},
		{http.StatusBadRequest, false, false},
		{http.StatusUnprocessableEntity, false, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusBadGateway, false, true},
		{http.StatusServiceUnavailable, false, true},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			err := c.do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
			require.Error(t, err)
			assert.Equal(t, tc.notFound, isNotFound(err))
			if !tc.notFound {
				assert.Equal(t, tc.transient, domain.IsTransient(err))
			}
		})
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, logger.Discard())
	require.NoError(t, err)

	err = c.do(context.Background(), http.MethodGet, "/slow", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestDataSource(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/items":
			assert.Equal(t, "100", r.URL.Query().Get("limit"))
			assert.Equal(t, "new", r.URL.Query().Get("filter.status"))
			if r.URL.Query().Get("cursor") == "" {
				writeJSON(w, http.StatusOK, domain.ItemPage{
					Items:      []domain.Item{{Key: "i1", SubjectID: "u1", Text: "a"}},
					NextCursor: "c2",
				})
				return
			}
			writeJSON(w, http.StatusOK, domain.ItemPage{Items: []domain.Item{{Key: "i2", SubjectID: "u2"}}})
		case "/categories/cat_42":
			writeJSON(w, http.StatusOK, map[string]any{"name": "forty-two", "items": []int{1, 2}})
		default:
			http.NotFound(w, r)
		}
	}))
	ds := NewDataSource(c)
	ctx := context.Background()

	page, err := ds.FetchItems(ctx, map[string]string{"status": "new"}, 100, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c2", page.NextCursor)

	page, err = ds.FetchItems(ctx, map[string]string{"status": "new"}, 100, "c2")
	require.NoError(t, err)
	assert.Equal(t, "i2", page.Items[0].Key)
	assert.Empty(t, page.NextCursor)

	payload, err := ds.FetchCategory(ctx, "cat_42", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"forty-two","items":[1,2]}`, string(payload))

	_, err = ds.FetchCategory(ctx, "cat_missing", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubjectValidator(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req validateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := validateResponse{}
		for _, id := range req.IDs {
			if id == "ghost" {
				resp.Invalid = append(resp.Invalid, id)
			} else {
				resp.Valid = append(resp.Valid, id)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}))

	valid, invalid, err := NewSubjectValidator(c).Validate(context.Background(), []string{"u1", "ghost", "u2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, valid)
	assert.Equal(t, []string{"ghost"}, invalid)
}

func TestPreferenceSource(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/preferences/u1":
			writeJSON(w, http.StatusOK, domain.Preferences{FeatureType: "digest", Frequency: domain.FrequencyDaily, AnchorTime: "08:00"})
		case "/preferences/changes":
			assert.Equal(t, "t1", r.URL.Query().Get("since"))
			writeJSON(w, http.StatusOK, changesResponse{Subjects: []string{"u1"}, NextToken: "t2"})
		case "/groups/membership":
			assert.Equal(t, "weekly", r.URL.Query().Get("frequency"))
			writeJSON(w, http.StatusOK, membershipResponse{Subjects: []string{"u1", "u3"}})
		default:
			http.NotFound(w, r)
		}
	}))
	src := NewPreferenceSource(c)
	ctx := context.Background()

	p, err := src.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", p.SubjectID)
	assert.Equal(t, domain.FrequencyDaily, p.Frequency)

	_, err = src.GetPreferences(ctx, "u9")
	assert.ErrorIs(t, err, domain.ErrSubjectNotFound)

	subjects, token, err := src.GetChangedSubjects(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, subjects)
	assert.Equal(t, "t2", token)

	members, err := src.GetGroupMembership(ctx, domain.GroupKey{FeatureType: "digest", Frequency: domain.FrequencyWeekly, AnchorTime: "08:00"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, members)
}

func TestExecutor(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			if !healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/execute":
			var req executeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, domain.CapabilityAnalysis, req.Capability)
			switch req.Request.Text {
			case "reject":
				writeJSON(w, http.StatusOK, executeResponse{Success: false, Error: "unsupported language"})
			case "busy":
				writeJSON(w, http.StatusOK, executeResponse{Success: false, Error: "overloaded", Retryable: true})
			case "crash":
				w.WriteHeader(http.StatusInternalServerError)
			default:
				writeJSON(w, http.StatusOK, executeResponse{Success: true, Output: json.RawMessage(`{"label":"positive"}`)})
			}
		}
	}))
	exec := NewExecutor(c, domain.CapabilityAnalysis)
	ctx := context.Background()
	tmpl := domain.Template{Name: "sentiment", Purpose: "sentiment", Capability: domain.CapabilityAnalysis}

	out, err := exec.Execute(ctx, tmpl, domain.Request{Text: "love it"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"label":"positive"}`, string(out))

	_, err = exec.Execute(ctx, tmpl, domain.Request{Text: "reject"})
	assert.ErrorIs(t, err, domain.ErrPermanentExecution)
	assert.Contains(t, err.Error(), "analysis")

	_, err = exec.Execute(ctx, tmpl, domain.Request{Text: "busy"})
	assert.ErrorIs(t, err, domain.ErrTransientExecution)

	_, err = exec.Execute(ctx, tmpl, domain.Request{Text: "crash"})
	assert.ErrorIs(t, err, domain.ErrTransientExecution)

	require.NoError(t, exec.Ping(ctx))
	healthy.Store(false)
	err = exec.Ping(ctx)
	assert.ErrorIs(t, err, domain.ErrCapabilityUnavailable)
	assert.True(t, domain.IsTransient(err))
}
