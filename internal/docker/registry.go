package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/distribution/reference"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/interfaces"
)

const manifestAccept = "application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.oci.image.index.v1+json"

// RegistryClient queries the v2 registry API for tags and manifest
// digests. All requests pass through a shared rate limiter so a large
// fleet cannot trip registry throttling.
type RegistryClient struct {
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

// NewRegistryClient builds a client limited to cfg.RegistryRPS requests
// per second with cfg.RegistryBurst burst capacity.
func NewRegistryClient(cfg config.ScannerConfig, logger *logrus.Logger) *RegistryClient {
	rps := cfg.RegistryRPS
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.RegistryBurst
	if burst <= 0 {
		burst = 1
	}
	return &RegistryClient{
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// ListTags returns every tag of the image's repository, following the
// registry's pagination links.
func (c *RegistryClient) ListTags(ctx context.Context, imageRef string) ([]string, error) {
	endpoint, repo, err := resolveRepository(imageRef)
	if err != nil {
		return nil, err
	}
	token, err := c.authToken(ctx, endpoint, repo)
	if err != nil {
		return nil, err
	}

	var tags []string
	next := fmt.Sprintf("%s/v2/%s/tags/list?n=1000", endpoint, repo)
	for next != "" {
		var page struct {
			Tags []string `json:"tags"`
		}
		link, err := c.getJSON(ctx, next, token, &page)
		if err != nil {
			return nil, errors.Wrapf(err, "listing tags for %s", repo)
		}
		tags = append(tags, page.Tags...)
		next = resolveLink(endpoint, link)
	}
	return tags, nil
}

// Digest resolves the manifest digest a tag currently points at.
func (c *RegistryClient) Digest(ctx context.Context, imageRef, tag string) (string, error) {
	endpoint, repo, err := resolveRepository(imageRef)
	if err != nil {
		return "", err
	}
	token, err := c.authToken(ctx, endpoint, repo)
	if err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		fmt.Sprintf("%s/v2/%s/manifests/%s", endpoint, repo, tag), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", manifestAccept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "fetching manifest for %s:%s", repo, tag)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", errors.Errorf("registry returned no digest for %s:%s", repo, tag)
	}
	return digest, nil
}

// authToken fetches an anonymous pull token when the registry requires
// one. Docker Hub always does; most private registries answer 200 without.
func (c *RegistryClient) authToken(ctx context.Context, endpoint, repo string) (string, error) {
	if !strings.Contains(endpoint, "registry-1.docker.io") {
		return "", nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	authURL := fmt.Sprintf(
		"https://auth.docker.io/token?service=registry.docker.io&scope=repository:%s:pull", repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "requesting registry token")
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errors.Wrap(err, "decoding registry token")
	}
	return payload.Token, nil
}

// getJSON performs one rate-limited GET and returns the Link header for
// pagination.
func (c *RegistryClient) getJSON(ctx context.Context, rawURL, token string, out interface{}) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", err
	}
	return resp.Header.Get("Link"), nil
}

// checkStatus maps throttling and server-side failures to transient
// errors so the retry policy can tell them apart from hard failures.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Wrapf(interfaces.ErrTransient,
			"registry returned %s for %s", resp.Status, resp.Request.URL.Path)
	default:
		return errors.Errorf("registry returned %s for %s", resp.Status, resp.Request.URL.Path)
	}
}

// resolveRepository turns an image reference into a registry endpoint and
// repository path. Docker Hub's well-known aliases map to registry-1.
func resolveRepository(imageRef string) (endpoint, repo string, err error) {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing image reference %q", imageRef)
	}
	domain := reference.Domain(named)
	repo = reference.Path(named)
	if domain == "docker.io" {
		return "https://registry-1.docker.io", repo, nil
	}
	return "https://" + domain, repo, nil
}

// resolveLink turns an RFC 5988 Link header into an absolute URL.
func resolveLink(endpoint, link string) string {
	if link == "" {
		return ""
	}
	start := strings.Index(link, "<")
	end := strings.Index(link, ">")
	if start < 0 || end <= start {
		return ""
	}
	raw := link[start+1 : end]
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if parsed.IsAbs() {
		return raw
	}
	return endpoint + raw
}
