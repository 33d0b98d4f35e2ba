package remote

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	apperrors "github.com/fleetops/fieldsync/internal/errors"
)

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsStatus reports whether err is an HTTPError with the given status code.
func IsStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

// IsAuth reports whether the server rejected the bearer credential.
func IsAuth(err error) bool {
	return IsStatus(err, http.StatusUnauthorized) || IsStatus(err, http.StatusForbidden)
}

// Classify wraps err with SYNC_AUTH_FAILED for credential rejections and
// fallback otherwise. A 409 additionally carries SYNC_CONFLICT and a failed
// dial carries SYNC_OFFLINE.
func Classify(err error, fallback apperrors.ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	if IsAuth(err) {
		return apperrors.Wrap(apperrors.ErrSyncAuth, message, err)
	}

	var opErr *net.OpError
	switch {
	case IsStatus(err, http.StatusConflict):
		err = apperrors.Wrap(apperrors.ErrSyncConflict, "server rejected a concurrent edit", err)
	case errors.As(err, &opErr):
		err = apperrors.Wrap(apperrors.ErrSyncOffline, "server unreachable", err)
	}
	return apperrors.Wrap(fallback, message, err)
}
