package chloris

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRequestTimeout = 30 * time.Second
	// transientAttempts bounds retries of network failures and 5xx
	// responses. Authentication failures get exactly one forced-refresh
	// retry and are never retried beyond that.
	transientAttempts = 3

	userAgent = "chloris-sdk-go/1.0"
)

// transport issues authenticated JSON requests against the platform API.
// Every request obtains the current id token from the credential store and
// carries it as a bearer header. An authorization failure triggers one
// forced refresh followed by a single retry; this guards against clock skew
// between local expiry estimation and the server's enforcement window.
type transport struct {
	httpClient *http.Client
	baseURL    string
	creds      *credentialStore
	logger     *slog.Logger

	// retryInterval seeds the exponential backoff between transient
	// retries; shrunk in tests.
	retryInterval time.Duration
}

func newTransport(httpClient *http.Client, baseURL string, creds *credentialStore, logger *slog.Logger) *transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &transport{
		httpClient:    httpClient,
		baseURL:       baseURL,
		creds:         creds,
		logger:        logger,
		retryInterval: 500 * time.Millisecond,
	}
}

// doJSON sends an authenticated request to an API path relative to the base
// endpoint, encoding reqBody and decoding the response into respBody when
// non-nil.
func (t *transport) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	return t.roundTrip(ctx, method, t.baseURL+path, reqBody, respBody)
}

// getJSON sends an authenticated GET to an absolute URL (used for data-path
// reads that live outside the API base).
func (t *transport) getJSON(ctx context.Context, url string, respBody any) error {
	return t.roundTrip(ctx, http.MethodGet, url, nil, respBody)
}

func (t *transport) roundTrip(ctx context.Context, method, url string, reqBody, respBody any) error {
	var payload []byte
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = data
	}

	op := func() error {
		return t.attempt(ctx, method, url, payload, respBody)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.retryInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, transientAttempts), ctx))
}

// attempt performs one request cycle, including the single forced-refresh
// retry on an authorization failure. Transient failures are returned
// retryable; everything else is permanent.
func (t *transport) attempt(ctx context.Context, method, url string, payload []byte, respBody any) error {
	token, err := t.creds.CurrentIDToken(ctx)
	if err != nil {
		return backoff.Permanent(err)
	}

	status, body, err := t.send(ctx, method, url, payload, token)
	if err != nil {
		t.logger.Warn("request failed", "method", method, "url", url, "error", err)
		return &TransportError{Op: method + " " + url, Err: err}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		t.logger.Debug("credential rejected, forcing refresh", "status", status)
		token, err = t.creds.RefreshAfterReject(ctx, token)
		if err != nil {
			return backoff.Permanent(err)
		}
		status, body, err = t.send(ctx, method, url, payload, token)
		if err != nil {
			return &TransportError{Op: method + " " + url, Err: err}
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return backoff.Permanent(&AuthenticationError{
				Reason: fmt.Sprintf("server rejected credentials (status %d) after refresh", status),
			})
		}
	}

	if status >= 500 {
		t.logger.Warn("transient server error", "method", method, "url", url, "status", status)
		return &TransportError{Op: method + " " + url, StatusCode: status, Body: string(body)}
	}
	if status < 200 || status >= 300 {
		return backoff.Permanent(&TransportError{Op: method + " " + url, StatusCode: status, Body: string(body)})
	}

	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func (t *transport) send(ctx context.Context, method, url string, payload []byte, token string) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// refreshTokens exchanges a refresh token at the API's auth endpoint. It is
// the one call that does not carry a bearer header.
func (t *transport) refreshTokens(ctx context.Context, organizationID, refreshToken string) (idToken, accessToken string, err error) {
	reqBody, err := json.Marshal(map[string]string{
		"organizationId": organizationID,
		"refreshToken":   refreshToken,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"auth/refresh", bytes.NewReader(reqBody))
	if err != nil {
		return "", "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("refresh endpoint returned status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		IDToken     string `json:"idToken"`
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", fmt.Errorf("decode refresh response: %w", err)
	}
	return out.IDToken, out.AccessToken, nil
}
