// Package tableau is a REST client for the content server API: personal
// access token sign-in, artifact download and publish, and datasource
// connection management.
package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/BadgerOps/bimigrate/internal/config"
	"github.com/BadgerOps/bimigrate/internal/safety"
)

// maxMetadataBytes bounds JSON responses that are not artifacts.
const maxMetadataBytes = 16 << 20

// Client is an authenticated session against one content server site.
type Client struct {
	serverURL  string
	apiVersion string
	env        config.EnvironmentConfig

	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	maxArtifact int64
	retryCount  int
	backoff     func(attempt int) time.Duration

	token          string
	siteID         string
	siteContentURL string
	userID         string
}

// NewClient creates an unauthenticated client for env. Call SignIn before
// issuing content requests.
func NewClient(env config.EnvironmentConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	serverURL, err := safety.ValidateServerURL(env.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("server url: %w", err)
	}
	maxArtifact, err := env.MaxArtifactBytes()
	if err != nil {
		return nil, err
	}
	apiVersion := env.APIVersion
	if apiVersion == "" {
		apiVersion = config.DefaultAPIVersion
	}
	return &Client{
		serverURL:   serverURL,
		apiVersion:  apiVersion,
		env:         env,
		httpClient:  safety.NewHTTPClient(env.Timeout),
		logger:      logger,
		userAgent:   "bimigrate/1.0",
		maxArtifact: maxArtifact,
		retryCount:  3,
		backoff:     calculateBackoffDelay,
	}, nil
}

// Dial creates a client for env and signs in.
func Dial(ctx context.Context, env config.EnvironmentConfig, logger *slog.Logger) (*Client, error) {
	c, err := NewClient(env, logger)
	if err != nil {
		return nil, err
	}
	if err := c.SignIn(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

type signInRequest struct {
	Credentials struct {
		PATName   string `json:"personalAccessTokenName"`
		PATSecret string `json:"personalAccessTokenSecret"`
		Site      struct {
			ContentURL string `json:"contentUrl"`
		} `json:"site"`
	} `json:"credentials"`
}

type signInResponse struct {
	Credentials struct {
		Token string `json:"token"`
		Site  struct {
			ID         string `json:"id"`
			ContentURL string `json:"contentUrl"`
		} `json:"site"`
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"credentials"`
}

// SignIn authenticates with the personal access token from the environment.
func (c *Client) SignIn(ctx context.Context) error {
	var req signInRequest
	req.Credentials.PATName = c.env.PATName
	req.Credentials.PATSecret = c.env.PATSecret
	req.Credentials.Site.ContentURL = c.env.SiteContentURL

	c.logger.Info("signing in", "server", c.serverURL, "site", c.env.SiteContentURL)

	var resp signInResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/auth/signin", req, &resp); err != nil {
		return fmt.Errorf("sign in to %s: %w", c.serverURL, err)
	}
	if resp.Credentials.Token == "" || resp.Credentials.Site.ID == "" {
		return fmt.Errorf("sign in to %s: response carried no token or site id", c.serverURL)
	}

	c.token = resp.Credentials.Token
	c.siteID = resp.Credentials.Site.ID
	c.siteContentURL = resp.Credentials.Site.ContentURL
	c.userID = resp.Credentials.User.ID

	c.logger.Debug("signed in", "site_id", c.siteID, "user_id", c.userID)
	return nil
}

// SignOut invalidates the session token. Failures are logged, not returned,
// because the token expires on its own.
func (c *Client) SignOut(ctx context.Context) {
	if c.token == "" {
		return
	}
	if _, _, err := c.do(ctx, http.MethodPost, "/auth/signout", nil, "", maxMetadataBytes); err != nil {
		c.logger.Warn("sign out failed", "server", c.serverURL, "error", err)
		return
	}
	c.token = ""
	c.logger.Debug("signed out", "server", c.serverURL)
}

// SiteID returns the LUID of the signed-in site.
func (c *Client) SiteID() string { return c.siteID }

// SiteContentURL returns the content URL (URL name) of the signed-in site.
// It is empty for the default site.
func (c *Client) SiteContentURL() string { return c.siteContentURL }

// ServerURL returns the normalized server base URL.
func (c *Client) ServerURL() string { return c.serverURL }

func (c *Client) sitePath(format string, args ...any) string {
	return "/sites/" + c.siteID + fmt.Sprintf(format, args...)
}

// do performs one request against the versioned API and returns the body.
// Non-2xx responses are returned as *HTTPError.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, limit int64) ([]byte, http.Header, error) {
	url := c.serverURL + "/api/" + c.apiVersion + endpoint

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("X-Tableau-Auth", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := safety.ReadAllWithLimit(resp.Body, 64<<10)
		return nil, resp.Header, newHTTPError(resp, data)
	}

	data, err := safety.ReadAllWithLimit(resp.Body, limit)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return data, resp.Header, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	data, _, err := c.withRetry(ctx, endpoint, func() ([]byte, http.Header, error) {
		return c.do(ctx, http.MethodGet, endpoint, nil, "", maxMetadataBytes)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, method, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	data, _, err := c.do(ctx, method, endpoint, bytes.NewReader(payload), "application/json", maxMetadataBytes)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// withRetry repeats an idempotent request with exponential backoff and jitter.
// Client errors other than 429 are returned immediately.
func (c *Client) withRetry(ctx context.Context, endpoint string, fn func() ([]byte, http.Header, error)) ([]byte, http.Header, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		data, header, err := fn()
		if err == nil {
			return data, header, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || shouldNotRetry(err) {
			return nil, nil, err
		}
		c.logger.Warn("request attempt failed", "endpoint", endpoint, "attempt", attempt, "error", err)

		if attempt < c.retryCount {
			delay := c.backoff(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil, fmt.Errorf("cancelled during retry: %w", ctx.Err())
			}
		}
	}
	return nil, nil, fmt.Errorf("failed after %d attempts: %w", c.retryCount, lastErr)
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

// HTTPError represents a non-2xx response from the content server.
type HTTPError struct {
	StatusCode int
	Status     string
	Code       string
	Summary    string
	Detail     string
}

func newHTTPError(resp *http.Response, body []byte) *HTTPError {
	e := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Summary string `json:"summary"`
			Detail  string `json:"detail"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error.Code != "" {
		e.Code = payload.Error.Code
		e.Summary = payload.Error.Summary
		e.Detail = payload.Error.Detail
	} else {
		e.Detail = strings.TrimSpace(string(body))
		if len(e.Detail) > 500 {
			e.Detail = e.Detail[:500]
		}
	}
	return e
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s: %s)", e.Code, e.Summary)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is lets errors.Is(err, errors.NotFound) match 404 responses.
func (e *HTTPError) Is(target error) bool {
	return target == errors.NotFound && e.StatusCode == http.StatusNotFound
}
