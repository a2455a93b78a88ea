package embedding

import (
	"errors"
	"strings"
)

var ErrEmptyResponse = errors.New("embedding service returned no vector")

// RateLimitError marks a service rejection that is worth retrying after a wait.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return "rate limited"
	}
	return "rate limited: " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// IsRateLimit reports whether err is a rate limit rejection. The OpenAI
// client surfaces these as plain errors carrying the HTTP status, so the
// message is checked when no RateLimitError is in the chain.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests")
}
