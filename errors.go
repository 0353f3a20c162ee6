package chloris

import (
	"fmt"
	"time"
)

// ValidationError reports a local, pre-flight problem with the caller's
// input, such as a missing shapefile sidecar or unparseable GeoJSON. It is
// always raised before any network call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "chloris: invalid input: " + e.Reason
}

// AuthenticationError indicates that no usable credential could be produced,
// or that the server rejected the credential even after a forced refresh.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chloris: authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "chloris: authentication failed: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TokenDecodeError indicates that a token string is not a well-formed JWT.
// It is distinct from AuthenticationError: the token could not even be read
// locally, as opposed to being rejected by the server.
type TokenDecodeError struct {
	Err error
}

func (e *TokenDecodeError) Error() string {
	return fmt.Sprintf("chloris: malformed token: %v", e.Err)
}

func (e *TokenDecodeError) Unwrap() error { return e.Err }

// TransportError reports a network-level failure reaching the API or the
// object store, or an unexpected response status, after bounded retries of
// transient failures were exhausted.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chloris: %s: server returned status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("chloris: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BoundaryNormalizationError indicates the server explicitly rejected the
// boundary after normalization. Detail carries the server-provided reason
// verbatim (for example: geometry too sparse, self-intersecting, or empty
// after exclusion).
type BoundaryNormalizationError struct {
	JobID  string
	Detail string
}

func (e *BoundaryNormalizationError) Error() string {
	return "chloris: boundary normalization failed: " + e.Detail
}

// NormalizationTimeoutError indicates the client gave up waiting for a
// normalization job. The job may still complete server-side; callers must
// not assume the boundary was rejected.
type NormalizationTimeoutError struct {
	JobID   string
	Elapsed time.Duration
}

func (e *NormalizationTimeoutError) Error() string {
	return fmt.Sprintf("chloris: gave up waiting for boundary normalization after %s (job %s); "+
		"the job may still complete server-side, please simplify your boundary or retry later", e.Elapsed, e.JobID)
}
