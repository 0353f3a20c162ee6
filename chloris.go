// Package chloris is a client SDK for the Chloris geospatial-analytics
// platform. It authenticates against the platform API, submits reporting
// unit (site) definitions backed by boundary geometries, and retrieves
// computed statistics.
package chloris

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultAPIEndpoint is used when no endpoint is configured explicitly or
// via the environment.
const DefaultAPIEndpoint = "https://app.chloris.earth/api/"

// Environment variables consulted when the corresponding option is unset.
// Explicit constructor options always take precedence; the environment is
// read exactly once, at construction.
const (
	EnvOrganizationID = "CHLORIS_ORGANIZATION_ID"
	EnvIDToken        = "CHLORIS_ID_TOKEN"
	EnvAccessToken    = "CHLORIS_ACCESS_TOKEN"
	EnvRefreshToken   = "CHLORIS_REFRESH_TOKEN"
	EnvAPIEndpoint    = "CHLORIS_API_ENDPOINT"
)

// Upload and polling constants. The multipart threshold and part size are
// client-side choices; the normalization budget mirrors the platform's
// processing expectations (seconds to low minutes for typical boundaries).
const (
	defaultMultipartThreshold = 16 << 20 // 16 MiB
	defaultPartSize           = 8 << 20  // 8 MiB
	defaultPartConcurrency    = 4
	defaultPollInterval       = 5 * time.Second
	defaultPollTimeout        = 15 * time.Minute
)

// Options configures a Client. Zero values fall back to the corresponding
// environment variable and then to the documented default.
type Options struct {
	// OrganizationID scopes every API call. Required (directly or via env).
	OrganizationID string
	// IDToken, AccessToken and RefreshToken are the bearer artifacts. At
	// least one of IDToken or RefreshToken must be available.
	IDToken      string
	AccessToken  string
	RefreshToken string
	// APIEndpoint overrides the platform API base URL.
	APIEndpoint string

	// HTTPClient replaces the default pooled client.
	HTTPClient *http.Client
	// Logger receives debug and warning output; discarded when nil.
	Logger *slog.Logger
	// ExpiryTolerance is how early a token counts as expired.
	ExpiryTolerance time.Duration
}

// Client talks to the Chloris platform. A single Client may be shared by
// multiple goroutines; the credential pair is the only mutable shared state
// and is guarded internally.
type Client struct {
	organizationID string
	apiEndpoint    string
	dataPath       string

	creds     *credentialStore
	transport *transport
	logger    *slog.Logger

	multipartThreshold int64
	partSize           int64
	partConcurrency    int
	pollInterval       time.Duration
	pollTimeout        time.Duration

	// openStore builds an object-store engine from an API-issued upload
	// session; replaced in tests.
	openStore func(ctx context.Context, sess uploadSession) (objectStore, error)
}

// New creates a client, resolving unset options from the environment.
// It fails with *AuthenticationError when neither an id token nor a refresh
// token is available, and with *ValidationError when the organization id is
// missing.
func New(opts Options) (*Client, error) {
	organizationID := fallbackEnv(opts.OrganizationID, EnvOrganizationID)
	if organizationID == "" {
		return nil, &ValidationError{Reason: "organization id is required (option or " + EnvOrganizationID + ")"}
	}
	endpoint := fallbackEnv(opts.APIEndpoint, EnvAPIEndpoint)
	if endpoint == "" {
		endpoint = DefaultAPIEndpoint
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tolerance := opts.ExpiryTolerance
	if tolerance == 0 {
		tolerance = DefaultExpiryTolerance
	}

	c := &Client{
		organizationID:     organizationID,
		apiEndpoint:        endpoint,
		dataPath:           strings.Replace(endpoint, "/api/", "/data/", 1),
		logger:             logger,
		multipartThreshold: defaultMultipartThreshold,
		partSize:           defaultPartSize,
		partConcurrency:    defaultPartConcurrency,
		pollInterval:       defaultPollInterval,
		pollTimeout:        defaultPollTimeout,
	}
	c.openStore = c.newObjectStore

	idToken := fallbackEnv(opts.IDToken, EnvIDToken)
	accessToken := fallbackEnv(opts.AccessToken, EnvAccessToken)
	refreshToken := fallbackEnv(opts.RefreshToken, EnvRefreshToken)

	// The credential store and transport reference each other: the
	// transport authenticates through the store, and the store refreshes
	// through the transport's unauthenticated refresh call.
	c.creds = newCredentialStore(idToken, accessToken, refreshToken, tolerance,
		func(ctx context.Context, rt string) (string, string, error) {
			return c.transport.refreshTokens(ctx, c.organizationID, rt)
		}, logger)
	c.transport = newTransport(opts.HTTPClient, endpoint, c.creds, logger)

	if !c.creds.hasCredentials() {
		return nil, &AuthenticationError{
			Reason: "provide an id token or refresh token (see https://app.chloris.earth/docs/)",
		}
	}
	return c, nil
}

// OrganizationID returns the organization the client is scoped to.
func (c *Client) OrganizationID() string { return c.organizationID }

// APIEndpoint returns the resolved API base URL (always slash-terminated).
func (c *Client) APIEndpoint() string { return c.apiEndpoint }

func fallbackEnv(value, env string) string {
	if value != "" {
		return value
	}
	return os.Getenv(env)
}
