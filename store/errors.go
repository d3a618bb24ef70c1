package store

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error kinds the pipeline and CLI branch on.
var (
	// ErrConnection marks endpoint-unreachable conditions (exit code 3).
	ErrConnection = errors.New("store connection error")

	// ErrAuth marks credential rejections; always fatal.
	ErrAuth = errors.New("store authentication error")

	// ErrConflict marks an MVCC revision mismatch on a single document.
	ErrConflict = errors.New("write conflict")
)

// httpStatus extracts a status embedded by the driver. It returns 0 when
// the error carries no explicit status, unlike kivik.HTTPStatus which
// defaults to 500.
func httpStatus(err error) int {
	var statusErr interface{ HTTPStatus() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatus()
	}
	return 0
}

// classify wraps an error with the kind the caller should branch on.
func classify(err error) error {
	switch httpStatus(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return err
}

// IsTransient reports whether an error is worth retrying: network-level
// failures and the retryable 5xx/429/408 statuses. Auth errors are never
// transient regardless of transport behavior.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return false
	}
	if errors.Is(err, ErrConnection) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	switch httpStatus(err) {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsConflict reports an MVCC conflict, either classified or raw.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || httpStatus(err) == http.StatusConflict
}
