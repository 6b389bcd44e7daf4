// Package vulnscan talks to the external, eventually-consistent
// vulnerability scanner over its HTTP API.
package vulnscan

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/interfaces"
)

// ErrNotConfigured is returned by the disabled client.
var ErrNotConfigured = errors.New("vulnerability scanner not configured")

// Client implements interfaces.VulnerabilityScanner against a remote
// scanner service.
type Client struct {
	base   string
	http   *http.Client
	logger *logrus.Logger
}

// NewClient creates a scanner client. An empty baseURL yields a disabled
// client whose calls return ErrNotConfigured.
func NewClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		base:   baseURL,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// ScanResultFor fetches the latest scan result for an image and tag. The
// scanner may not have seen the image yet; that surfaces as an error and
// the caller polls.
func (c *Client) ScanResultFor(ctx context.Context, imageRef, tag string) (interfaces.ScanResult, error) {
	if c.base == "" {
		return interfaces.ScanResult{}, ErrNotConfigured
	}

	endpoint := c.base + "/api/v1/scan-results?" + url.Values{
		"image": {imageRef},
		"tag":   {tag},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return interfaces.ScanResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return interfaces.ScanResult{}, errors.Wrap(err, "querying scan result")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return interfaces.ScanResult{}, errors.Errorf("no scan result for %s:%s", imageRef, tag)
	}
	if resp.StatusCode >= 300 {
		return interfaces.ScanResult{}, errors.Errorf("scanner returned %s", resp.Status)
	}

	var payload struct {
		CVEs      []string `json:"cves"`
		Critical  int      `json:"critical"`
		High      int      `json:"high"`
		Medium    int      `json:"medium"`
		Low       int      `json:"low"`
		Completed bool     `json:"completed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return interfaces.ScanResult{}, errors.Wrap(err, "decoding scan result")
	}
	return interfaces.ScanResult{
		CVEs:          payload.CVEs,
		CriticalCount: payload.Critical,
		HighCount:     payload.High,
		MediumCount:   payload.Medium,
		LowCount:      payload.Low,
		Completed:     payload.Completed,
	}, nil
}

// TriggerScan asks the scanner to scan an image. The scanner rejects
// images it has not discovered yet; callers retry with a bounded budget.
func (c *Client) TriggerScan(ctx context.Context, imageRef, tag string) error {
	if c.base == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(map[string]string{"image": imageRef, "tag": tag})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/v1/scans", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "triggering scan")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("scanner rejected trigger with %s", resp.Status)
	}
	c.logger.WithFields(logrus.Fields{"image": imageRef, "tag": tag}).
		Debug("Scan triggered")
	return nil
}
