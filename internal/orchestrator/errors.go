package orchestrator

import (
	"context"
	"errors"
	"net"

	"github.com/harborwatch/harborwatch/internal/interfaces"
)

// isTransient reports whether an apply failure is worth retrying. Adapters
// wrap retryable failures in interfaces.ErrTransient; raw network timeouts
// and deadline expiries count as well.
func isTransient(err error) bool {
	if errors.Is(err, interfaces.ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
