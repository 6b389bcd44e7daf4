// Package interfaces defines the collaborator capabilities the update
// engine consumes. The engine depends on these abstractions only; concrete
// adapters live under internal/docker and internal/events.
package interfaces

import (
	"context"
	"errors"
	"time"
)

// ErrTransient marks collaborator failures that are worth retrying:
// network hiccups, registry timeouts, temporary engine contention.
// Adapters wrap such failures so the orchestrator's retry policy can
// classify them without knowing transport details.
var ErrTransient = errors.New("transient failure")

// RunningContainer is the engine-facing view of a container reported by the
// container runtime.
type RunningContainer struct {
	RuntimeID      string
	Name           string
	ImageRef       string
	Tag            string
	Digest         string
	Labels         map[string]string
	ComposeProject string
	ComposeFile    string
	ServiceName    string
}

// ServiceRef identifies a compose service to recreate.
type ServiceRef struct {
	ComposeFile string
	Project     string
	Service     string
	Image       string
	Tag         string
}

// ContainerEngine abstracts the container runtime.
type ContainerEngine interface {
	List(ctx context.Context) ([]RunningContainer, error)
	Inspect(ctx context.Context, runtimeID string) (RunningContainer, error)
	// Recreate pulls the target image and recreates the compose service to
	// run it. The pre-change compose snapshot is taken by the caller.
	Recreate(ctx context.Context, ref ServiceRef) error
	// RestoreSnapshot puts a previously captured compose snapshot back and
	// recreates the service from it.
	RestoreSnapshot(ctx context.Context, ref ServiceRef, snapshotPath string) error
}

// Registry abstracts tag and digest queries against an image registry.
type Registry interface {
	ListTags(ctx context.Context, imageRef string) ([]string, error)
	Digest(ctx context.Context, imageRef, tag string) (string, error)
}

// ScanResult is the opaque vulnerability-scan input consumed by the
// decision trace. The engine never interprets individual findings.
type ScanResult struct {
	CVEs          []string
	CriticalCount int
	HighCount     int
	MediumCount   int
	LowCount      int
	Completed     bool
}

// VulnerabilityScanner abstracts the external, eventually-consistent
// scanner. TriggerScan may fail until the scanner has discovered a
// just-recreated container; the pending-scan job polls around that.
type VulnerabilityScanner interface {
	ScanResultFor(ctx context.Context, imageRef, tag string) (ScanResult, error)
	TriggerScan(ctx context.Context, imageRef, tag string) error
}

// EventSink receives fire-and-forget engine events for fan-out to UI
// clients and webhooks. Publish must never block the engine.
type EventSink interface {
	Publish(eventType string, payload interface{})
}

// Clock is injectable time, so window and backoff logic is deterministic
// under test.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation of Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
