package provider

import (
	"fmt"
	"time"
)

// AuthError signals the provider rejected the access token (HTTP 401). The
// caller should force a refresh or treat the credential as revoked.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider rejected credentials (status %d)", e.StatusCode)
}

// RateLimitedError signals the provider returned 429. RetryAfter comes from
// the Retry-After header when present.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// TokenRejectedError signals the refresh token itself was rejected
// (grant_type=refresh_token exchange failed with 400/401). This is terminal:
// the stored credential is dead and the user must re-authorize.
type TokenRejectedError struct {
	StatusCode int
}

func (e *TokenRejectedError) Error() string {
	return fmt.Sprintf("refresh token rejected by provider (status %d)", e.StatusCode)
}
