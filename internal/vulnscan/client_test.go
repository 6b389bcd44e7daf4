package vulnscan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestDisabledClient(t *testing.T) {
	c := NewClient("", time.Second, testLogger())

	_, err := c.ScanResultFor(context.Background(), "nginx", "1.25.0")
	assert.True(t, errors.Is(err, ErrNotConfigured))

	err = c.TriggerScan(context.Background(), "nginx", "1.25.0")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestScanResultForDecodesPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/scan-results", r.URL.Path)
		assert.Equal(t, "ghcr.io/acme/api", r.URL.Query().Get("image"))
		assert.Equal(t, "2.1.0", r.URL.Query().Get("tag"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"cves":      []string{"CVE-2024-1234"},
			"critical":  1,
			"high":      2,
			"completed": true,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, testLogger())
	result, err := c.ScanResultFor(context.Background(), "ghcr.io/acme/api", "2.1.0")
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, []string{"CVE-2024-1234"}, result.CVEs)
	assert.Equal(t, 1, result.CriticalCount)
	assert.Equal(t, 2, result.HighCount)
	assert.Zero(t, result.MediumCount)
}

func TestScanResultForUnknownImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, testLogger())
	_, err := c.ScanResultFor(context.Background(), "nginx", "1.25.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scan result for nginx:1.25.0")
}

func TestTriggerScanPostsImage(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/scans", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, testLogger())
	require.NoError(t, c.TriggerScan(context.Background(), "nginx", "1.25.0"))
	assert.Equal(t, map[string]string{"image": "nginx", "tag": "1.25.0"}, got)
}

func TestTriggerScanRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The scanner answers 422 until it has discovered the container.
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, testLogger())
	err := c.TriggerScan(context.Background(), "nginx", "1.25.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected trigger")
}
