package proxmox

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the Proxmox API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxmox API error (status %d): %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether the error is a 404 from the API.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsAuthError reports whether the error is an authentication or permission
// failure. These are configuration errors and never retried.
func IsAuthError(err error) bool {
	return hasStatus(err, http.StatusUnauthorized) || hasStatus(err, http.StatusForbidden)
}

// IsTransient reports whether the error is worth retrying: server-side
// errors and transport failures. Client errors (4xx) are not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	// Transport-level failures (connection refused, timeouts) surface as
	// plain errors from net/http.
	return err != nil
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
