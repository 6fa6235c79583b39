package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/model"
)

// mockServer creates an httptest server that mimics the sekimon API. It
// counts token requests in tokens.
func mockServer(t *testing.T, tokens *atomic.Int32, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		var req model.AuthTokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.APIKey != "bob-key" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid credentials"},
			})
			return
		}
		tokens.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"data": model.AuthTokenResponse{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)},
		})
	})
	for pattern, h := range handlers {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, baseURL, key string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL + "/", PrincipalID: "bob", APIKey: key, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresFields(t *testing.T) {
	_, err := New(Config{PrincipalID: "bob", APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x", APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x", PrincipalID: "bob"})
	assert.Error(t, err)
}

func TestClient_CachesToken(t *testing.T) {
	var tokens atomic.Int32
	id := uuid.New()
	srv := mockServer(t, &tokens, map[string]http.HandlerFunc{
		"GET /v1/tasks/{task_id}": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data": model.Task{ID: id, Status: model.TaskStatusPending, Action: "payments.refund"},
			})
		},
	})
	c := newTestClient(t, srv.URL, "bob-key")

	for range 3 {
		task, err := c.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusPending, task.Status)
	}
	assert.EqualValues(t, 1, tokens.Load())
}

func TestClient_RetriesOnceAfterUnauthorized(t *testing.T) {
	var tokens, calls atomic.Int32
	srv := mockServer(t, &tokens, map[string]http.HandlerFunc{
		"GET /v1/policy": func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid or expired token"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": model.PolicyResponse{RegisteredActions: []string{"system.echo"}},
			})
		},
	})
	c := newTestClient(t, srv.URL, "bob-key")

	p, err := c.Policy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"system.echo"}, p.RegisteredActions)
	assert.EqualValues(t, 2, tokens.Load())
}

func TestClient_BadCredentials(t *testing.T) {
	var tokens atomic.Int32
	srv := mockServer(t, &tokens, nil)
	c := newTestClient(t, srv.URL, "wrong")

	_, err := c.Policy(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
}

func TestClient_ListPendingPaging(t *testing.T) {
	var tokens atomic.Int32
	srv := mockServer(t, &tokens, map[string]http.HandlerFunc{
		"GET /v1/tasks/pending": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "true", q.Get("mine"))
			assert.Equal(t, "2", q.Get("limit"))
			assert.Equal(t, "4", q.Get("offset"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []model.Task{{ID: uuid.New()}, {ID: uuid.New()}},
				"has_more": true,
				"limit":    2,
				"offset":   4,
			})
		},
	})
	c := newTestClient(t, srv.URL, "bob-key")

	page, err := c.ListPending(context.Background(), PendingOptions{Mine: true, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 4, page.Offset)
}

func TestClient_ApproveAndReject(t *testing.T) {
	var tokens atomic.Int32
	id := uuid.New()
	srv := mockServer(t, &tokens, map[string]http.HandlerFunc{
		"POST /v1/tasks/{task_id}/approve": func(w http.ResponseWriter, r *http.Request) {
			var req model.ApproveTaskRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if assert.NotNil(t, req.Notes) {
				assert.Equal(t, "looks fine", *req.Notes)
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": model.Task{ID: id, Status: model.TaskStatusApproved}})
		},
		"POST /v1/tasks/{task_id}/reject": func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"reason":""}`, string(body))
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"code": "INVALID_INPUT", "message": "reason: must not be empty"},
			})
		},
	})
	c := newTestClient(t, srv.URL, "bob-key")

	task, err := c.Approve(context.Background(), id, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusApproved, task.Status)

	_, err = c.Reject(context.Background(), id, "")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)
}

func TestClient_ExecuteFailureCarriesTask(t *testing.T) {
	var tokens atomic.Int32
	id := uuid.New()
	srv := mockServer(t, &tokens, map[string]http.HandlerFunc{
		"POST /v1/tasks/{task_id}/execute": func(w http.ResponseWriter, r *http.Request) {
			var req model.ExecuteTaskRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 90, req.TimeoutSeconds)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": map[string]any{
					"code":    "EXECUTION_FAILED",
					"message": "execution failed: gateway unavailable",
					"details": map[string]any{"id": id, "status": "failed"},
				},
			})
		},
	})
	c := newTestClient(t, srv.URL, "bob-key")

	_, err := c.Execute(context.Background(), id, 90*time.Second)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "EXECUTION_FAILED", apiErr.Code)
	assert.Equal(t, "failed", apiErr.Details["status"])
	assert.False(t, IsConflict(err))
}

func TestClient_ListEventsEncodesFilters(t *testing.T) {
	var tokens atomic.Int32
	taskID := uuid.New()
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := mockServer(t, &tokens, map[string]http.HandlerFunc{
		"GET /v1/security-events": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "approval_bypass_attempt", q.Get("event_type"))
			assert.Equal(t, "warning", q.Get("min_severity"))
			assert.Equal(t, taskID.String(), q.Get("task_id"))
			assert.Equal(t, "2026-01-02T03:04:05Z", q.Get("since"))
			assert.Empty(t, q.Get("until"))
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []model.SecurityEvent{{EventType: model.EventApprovalBypassAttempt}},
				"has_more": false,
			})
		},
	})
	c := newTestClient(t, srv.URL, "bob-key")

	page, err := c.ListEvents(context.Background(), EventListOptions{
		EventType:   model.EventApprovalBypassAttempt,
		MinSeverity: model.SeverityWarning,
		TaskID:      &taskID,
		Since:       since,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, model.EventApprovalBypassAttempt, page.Items[0].EventType)
}

func TestClient_ExportAllEventsFollowsPages(t *testing.T) {
	var tokens atomic.Int32
	var offsets []string
	srv := mockServer(t, &tokens, map[string]http.HandlerFunc{
		"GET /v1/security-events/export": func(w http.ResponseWriter, r *http.Request) {
			offset := r.URL.Query().Get("offset")
			offsets = append(offsets, offset)
			export := model.EventExport{Count: 2, HasMore: true, MerkleRoot: "a"}
			switch offset {
			case "2":
				export.Offset = 2
				export.MerkleRoot = "b"
			case "4":
				export = model.EventExport{Count: 1, Offset: 4, MerkleRoot: "c"}
			}
			export.Events = make([]model.SecurityEvent, export.Count)
			writeJSON(w, http.StatusOK, map[string]any{"data": export})
		},
	})
	c := newTestClient(t, srv.URL, "bob-key")

	pages, err := c.ExportAllEvents(context.Background(), EventListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, []string{"", "2", "4"}, offsets)
	assert.Equal(t, "c", pages[2].MerkleRoot)
	assert.False(t, pages[2].HasMore)
}

func TestClient_HealthSkipsAuth(t *testing.T) {
	var tokens atomic.Int32
	srv := mockServer(t, &tokens, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{"data": model.HealthResponse{Status: "healthy"}})
		},
	})
	c := newTestClient(t, srv.URL, "bob-key")

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Zero(t, tokens.Load())
}
