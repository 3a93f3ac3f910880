// Package provider is the REST client for the external activity provider.
// It exposes exactly two upstream concerns: the OAuth refresh exchange and
// the paginated activity listing. All transport failures are translated into
// typed errors at this boundary; raw HTTP errors never escape it.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/stridelog/server/pkg/credentials"
	httputil "github.com/stridelog/server/pkg/infrastructure/http"
)

const (
	DefaultBaseURL  = "https://www.strava.com/api/v3"
	DefaultTokenURL = "https://www.strava.com/oauth/token"

	defaultRateLimitRetry = 60 * time.Second
)

// Activity is the subset of the provider's activity payload the mapper
// needs. The full raw JSON travels alongside it untouched.
type Activity struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	SportType      string    `json:"sport_type"`
	StartDate      time.Time `json:"start_date"`
	StartDateLocal time.Time `json:"start_date_local"`
	Timezone       string    `json:"timezone"`
	UTCOffset      float64   `json:"utc_offset"` // seconds
	ElapsedTime    int64     `json:"elapsed_time"`
	MovingTime     int64     `json:"moving_time"`
	Distance       float64   `json:"distance"`
}

// Page is one page of the activity listing. Raw and Activities are parallel;
// Headers carries the provider's rate-limit counters for reconciliation.
type Page struct {
	Raw        []json.RawMessage
	Activities []Activity
	Headers    http.Header
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	oauth  *oauth2.Config
	logger *slog.Logger
}

// New creates a provider client. httpClient may carry a test transport;
// nil means http.DefaultClient.
func New(clientID, clientSecret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    DefaultBaseURL,
		HTTPClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: DefaultTokenURL},
		},
		logger: logger.With("component", "provider"),
	}
}

// Refresh exchanges a refresh token for a new token pair. A 400/401 from the
// token endpoint means the refresh token is dead (TokenRejectedError);
// anything else is transient and left for the caller to retry.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*credentials.TokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)

	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			code := retrieveErr.Response.StatusCode
			if code == http.StatusBadRequest || code == http.StatusUnauthorized {
				return nil, &TokenRejectedError{StatusCode: code}
			}
		}
		return nil, fmt.Errorf("token refresh exchange: %w", err)
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		// Provider did not rotate the refresh token; keep the old one.
		newRefresh = refreshToken
	}

	return &credentials.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    tok.Expiry.UTC(),
	}, nil
}

// ListActivities fetches one page of the athlete's activities after the
// given epoch cursor. Pages are cursor-ordered upstream; an empty page means
// the listing is exhausted.
func (c *Client) ListActivities(ctx context.Context, accessToken string, after int64, page, perPage int) (*Page, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	reqURL := fmt.Sprintf("%s/athlete/activities?%s", c.BaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build activities request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch activities page %d: %w", page, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, &RateLimitedError{
			RetryAfter: httputil.ParseRetryAfter(resp.Header, defaultRateLimitRetry),
		}
	case resp.StatusCode >= 400:
		return nil, httputil.ParseErrorResponse(resp)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode activities page %d: %w", page, err)
	}

	activities := make([]Activity, 0, len(raw))
	for i, r := range raw {
		var a Activity
		if err := json.Unmarshal(r, &a); err != nil {
			return nil, fmt.Errorf("decode activity %d on page %d: %w", i, page, err)
		}
		activities = append(activities, a)
	}

	c.logger.Debug("Fetched activities page", "page", page, "count", len(activities))

	return &Page{Raw: raw, Activities: activities, Headers: resp.Header}, nil
}

// ActivityURL returns the public URL for a remote activity.
func ActivityURL(id int64) string {
	return fmt.Sprintf("https://www.strava.com/activities/%d", id)
}
