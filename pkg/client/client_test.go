package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwatch/harborwatch/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(WithBaseURL(server.URL))
	require.NoError(t, err)
	return c, server
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, data interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(map[string]interface{}{
		"success": status < 400,
		"data":    data,
	})
	require.NoError(t, err)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(WithBaseURL(""))
	assert.Error(t, err)

	_, err = New(WithTimeout(-time.Second))
	assert.Error(t, err)

	c, err := New(WithBaseURL("http://example.com:9000"), WithHeader("X-Team", "infra"))
	require.NoError(t, err)
	assert.Equal(t, "http://example.com:9000", c.config.BaseURL)
}

func TestListContainers(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/containers", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		writeEnvelope(t, w, http.StatusOK, map[string]interface{}{
			"containers": []models.Container{
				{Name: "web", ImageRef: "nginx", CurrentTag: "1.25.0"},
				{Name: "db", ImageRef: "postgres", CurrentTag: "16.1"},
			},
		})
	})

	list, err := c.ListContainers(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "web", list[0].Name)
	assert.Equal(t, "16.1", list[1].CurrentTag)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
		{"unprocessable", http.StatusUnprocessableEntity, ErrUnprocessable},
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"server error", http.StatusInternalServerError, ErrServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error": map[string]string{
						"code":    "TEST",
						"message": "boom",
					},
				})
			})

			_, err := c.GetContainer(context.Background(), 7)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "TEST", apiErr.Code)
			assert.Equal(t, "boom", apiErr.Message)
		})
	}
}

func TestApproveUpdateSendsVersionAndActor(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/updates/3/approve", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["actor"])
		assert.Equal(t, float64(4), body["version"])

		writeEnvelope(t, w, http.StatusOK, map[string]interface{}{
			"update": models.Update{Status: models.UpdateStatusApproved, Version: 5},
		})
	})

	update, err := c.ApproveUpdate(context.Background(), 3, "alice", 4)
	require.NoError(t, err)
	assert.Equal(t, models.UpdateStatusApproved, update.Status)
	assert.Equal(t, int64(5), update.Version)
}

func TestStartCheckAlreadyRunning(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/check", r.URL.Path)
		writeEnvelope(t, w, http.StatusOK, map[string]interface{}{
			"job":             models.Job{Kind: models.JobKindCheck, Status: models.JobStatusRunning},
			"already_running": true,
		})
	})

	result, err := c.StartCheck(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.AlreadyRunning)
	assert.Equal(t, models.JobKindCheck, result.Job.Kind)
}

func TestStartCheckWithTarget(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(12), body["container_id"])
		writeEnvelope(t, w, http.StatusAccepted, map[string]interface{}{
			"job": models.Job{Kind: models.JobKindCheck, Status: models.JobStatusQueued},
		})
	})

	target := uint(12)
	result, err := c.StartCheck(context.Background(), &target)
	require.NoError(t, err)
	assert.False(t, result.AlreadyRunning)
}

func TestTriggerSweep(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orchestrator/sweep", r.URL.Path)
		writeEnvelope(t, w, http.StatusOK, map[string]interface{}{
			"sweep": SweepResult{Considered: 3, Applied: 2, Deferred: 1},
		})
	})

	result, err := c.TriggerSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Considered)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 1, result.Deferred)
}

func TestListUpdatesQuery(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		assert.Equal(t, "9", r.URL.Query().Get("container_id"))
		writeEnvelope(t, w, http.StatusOK, map[string]interface{}{
			"updates": []models.Update{{Status: models.UpdateStatusPending}},
		})
	})

	list, err := c.ListUpdates(context.Background(), UpdateListOptions{
		Status:      models.UpdateStatusPending,
		ContainerID: 9,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
}
