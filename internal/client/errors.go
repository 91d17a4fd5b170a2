package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

var (
	ErrUnauthorized = errors.New("client: unauthorized")
	ErrTokenExpired = errors.New("client: token expired")
	ErrRateLimited  = errors.New("client: rate limited")
	ErrConflict     = errors.New("client: conflict")
	ErrNotFound     = errors.New("client: exchange not found")
)

// APIError is returned for every non-2xx response. It matches the sentinel
// errors above through errors.Is.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is set for 429 and 503 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("signaling API: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("signaling API: %d %s", e.StatusCode, e.Code)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrTokenExpired:
		return e.Code == models.CodeTokenExpired
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsAuthError reports whether err means the credentials are no longer
// accepted. Retrying such a call is pointless.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTokenExpired)
}
