package cloudflare

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrZoneNotFound means the GraphQL response held no zone for the requested tag.
	ErrZoneNotFound = errors.New("zone not found or token lacks access")
	// ErrTokenInactive means the token verify endpoint did not report an active token.
	ErrTokenInactive = errors.New("token is not active")
)

// HTTPError is a non-2xx response from the Cloudflare API.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("cloudflare returned status %d: %s", e.StatusCode, truncate(string(e.Body), 200))
}

// IsRetryable reports whether the status is worth retrying (429 and 5xx).
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GraphQLError is an error reported in the GraphQL response's errors list.
type GraphQLError struct {
	Message string
}

func (e *GraphQLError) Error() string {
	return "cloudflare graphql error: " + e.Message
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
