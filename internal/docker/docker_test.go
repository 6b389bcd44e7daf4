package docker

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwatch/harborwatch/internal/interfaces"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSplitImageRef(t *testing.T) {
	tests := []struct {
		image    string
		wantRepo string
		wantTag  string
		wantOK   bool
	}{
		{"nginx:1.25.3", "nginx", "1.25.3", true},
		{"nginx", "nginx", "latest", true},
		{"library/nginx:1.25.3", "nginx", "1.25.3", true},
		{"ghcr.io/acme/api:v2.1.0", "ghcr.io/acme/api", "v2.1.0", true},
		{"registry.example.com:5000/app:1.0", "registry.example.com:5000/app", "1.0", true},
		{"sha256:1f2a3b4c5d6e", "", "", false},
		{"UPPERCASE:oops", "", "", false},
	}
	for _, tt := range tests {
		repo, tag, ok := splitImageRef(tt.image)
		assert.Equal(t, tt.wantOK, ok, tt.image)
		assert.Equal(t, tt.wantRepo, repo, tt.image)
		assert.Equal(t, tt.wantTag, tag, tt.image)
	}
}

func TestFirstConfigFile(t *testing.T) {
	assert.Equal(t, "", firstConfigFile(""))
	assert.Equal(t, "/srv/stack/compose.yml", firstConfigFile("/srv/stack/compose.yml"))
	assert.Equal(t, "/srv/stack/compose.yml",
		firstConfigFile("/srv/stack/compose.yml,/srv/stack/compose.override.yml"))
}

func TestResolveRepository(t *testing.T) {
	endpoint, repo, err := resolveRepository("nginx")
	require.NoError(t, err)
	assert.Equal(t, "https://registry-1.docker.io", endpoint)
	assert.Equal(t, "library/nginx", repo)

	endpoint, repo, err = resolveRepository("ghcr.io/acme/api")
	require.NoError(t, err)
	assert.Equal(t, "https://ghcr.io", endpoint)
	assert.Equal(t, "acme/api", repo)

	_, _, err = resolveRepository("not a valid ref")
	assert.Error(t, err)
}

func TestResolveLink(t *testing.T) {
	endpoint := "https://registry-1.docker.io"
	assert.Equal(t, "", resolveLink(endpoint, ""))
	assert.Equal(t, "", resolveLink(endpoint, "garbage"))
	assert.Equal(t,
		"https://registry-1.docker.io/v2/library/nginx/tags/list?last=1.25&n=1000",
		resolveLink(endpoint, `</v2/library/nginx/tags/list?last=1.25&n=1000>; rel="next"`))
	assert.Equal(t,
		"https://other.example.com/v2/x/tags/list",
		resolveLink(endpoint, `<https://other.example.com/v2/x/tags/list>; rel="next"`))
}

func TestCheckStatusClassifiesTransient(t *testing.T) {
	response := func(code int) *http.Response {
		return &http.Response{
			StatusCode: code,
			Status:     http.StatusText(code),
			Request:    &http.Request{URL: &url.URL{Path: "/v2/library/nginx/tags/list"}},
		}
	}

	assert.NoError(t, checkStatus(response(http.StatusOK)))

	err := checkStatus(response(http.StatusTooManyRequests))
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrTransient))

	err = checkStatus(response(http.StatusBadGateway))
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrTransient))

	err = checkStatus(response(http.StatusNotFound))
	require.Error(t, err)
	assert.False(t, errors.Is(err, interfaces.ErrTransient))
}

const composeFixture = `services:
  web:
    image: nginx:1.24.0
    ports:
      - "8080:80"
  cache:
    image: redis:7.2.0
`

func writeCompose(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(composeFixture), 0o644))
	return path
}

func TestRetargetComposeFileRewritesImage(t *testing.T) {
	path := writeCompose(t)
	e := NewEngine(nil, 0, testLogger())
	ref := interfaces.ServiceRef{
		ComposeFile: path, Project: "stack", Service: "web",
		Image: "nginx", Tag: "1.25.0",
	}

	require.NoError(t, e.retargetComposeFile(context.Background(), ref, "nginx:1.25.0"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "nginx:1.25.0")
	assert.NotContains(t, string(raw), "nginx:1.24.0")
	// Unrelated services keep their pins.
	assert.Contains(t, string(raw), "redis:7.2.0")
}

func TestRetargetComposeFileIsIdempotent(t *testing.T) {
	path := writeCompose(t)
	e := NewEngine(nil, 0, testLogger())
	ref := interfaces.ServiceRef{ComposeFile: path, Project: "stack", Service: "web"}

	require.NoError(t, e.retargetComposeFile(context.Background(), ref, "nginx:1.24.0"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, composeFixture, string(raw))
}

func TestRetargetComposeFileUnknownService(t *testing.T) {
	path := writeCompose(t)
	e := NewEngine(nil, 0, testLogger())
	ref := interfaces.ServiceRef{ComposeFile: path, Project: "stack", Service: "ghost"}

	err := e.retargetComposeFile(context.Background(), ref, "ghost:1.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestSnapshotCopiesComposeFile(t *testing.T) {
	path := writeCompose(t)
	backups := t.TempDir()
	clock := fixedClock{at: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := NewComposeSnapshotter(clock, testLogger())
	ref := interfaces.ServiceRef{ComposeFile: path, Project: "stack", Service: "web"}

	snapshot, err := s.Snapshot(context.Background(), ref, backups)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(backups,
		"stack-web-"+"1704164645"+".yml"), snapshot)

	raw, err := os.ReadFile(snapshot)
	require.NoError(t, err)
	assert.Equal(t, composeFixture, string(raw))
}

func TestSnapshotFailsWithoutComposeFile(t *testing.T) {
	s := NewComposeSnapshotter(fixedClock{at: time.Now()}, testLogger())
	ref := interfaces.ServiceRef{ComposeFile: "/does/not/exist.yml", Service: "web"}

	_, err := s.Snapshot(context.Background(), ref, t.TempDir())
	assert.Error(t, err)
}
