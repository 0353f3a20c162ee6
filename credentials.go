package chloris

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// refreshFunc exchanges a refresh token for a new id/access token pair.
type refreshFunc func(ctx context.Context, refreshToken string) (idToken, accessToken string, err error)

// credentialStore holds the bearer artifacts for a client and hands out the
// current usable id token, refreshing it on demand. It is the only mutable
// shared state in the client; all access goes through the mutex so that
// concurrent callers observing the same expired token share a single
// refresh outcome instead of each issuing their own refresh call.
type credentialStore struct {
	mu           sync.Mutex
	idToken      string
	accessToken  string
	refreshToken string

	tolerance time.Duration
	refresh   refreshFunc
	logger    *slog.Logger
}

func newCredentialStore(idToken, accessToken, refreshToken string, tolerance time.Duration, refresh refreshFunc, logger *slog.Logger) *credentialStore {
	// Tokens that are already expired are dropped up front; the refresh
	// token, if present, is the sole means of replacing them.
	if idToken != "" && IsTokenExpired(idToken, tolerance) {
		idToken = ""
	}
	if accessToken != "" && IsTokenExpired(accessToken, tolerance) {
		accessToken = ""
	}
	return &credentialStore{
		idToken:      idToken,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		tolerance:    tolerance,
		refresh:      refresh,
		logger:       logger,
	}
}

// CurrentIDToken returns the active id token, refreshing it first if it is
// absent or expired. Callers queued behind an in-flight refresh re-check
// the stored token once they acquire the lock, so a single refresh
// satisfies every caller that observed the same expiry.
func (s *credentialStore) CurrentIDToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idToken != "" && !IsTokenExpired(s.idToken, s.tolerance) {
		return s.idToken, nil
	}
	return s.refreshLocked(ctx)
}

// RefreshAfterReject forces a refresh after the server rejected the given
// token. If another caller already replaced the rejected token, the stored
// one is returned without a second refresh call.
func (s *credentialStore) RefreshAfterReject(ctx context.Context, rejected string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idToken != "" && s.idToken != rejected {
		return s.idToken, nil
	}
	return s.refreshLocked(ctx)
}

// refreshLocked exchanges the refresh token for a new token pair. On failure
// the prior token state is left untouched. Callers must hold s.mu.
func (s *credentialStore) refreshLocked(ctx context.Context) (string, error) {
	if s.refreshToken == "" {
		return "", &AuthenticationError{Reason: "session expired and no refresh token provided"}
	}
	s.logger.Debug("refreshing tokens")
	idToken, accessToken, err := s.refresh(ctx, s.refreshToken)
	if err != nil {
		return "", &AuthenticationError{Reason: "token refresh failed", Err: err}
	}
	if idToken == "" {
		return "", &AuthenticationError{Reason: "token refresh returned no id token"}
	}
	s.idToken = idToken
	s.accessToken = accessToken
	return s.idToken, nil
}

// hasCredentials reports whether the store can produce a token at all:
// either a current id token or a refresh token to obtain one.
func (s *credentialStore) hasCredentials() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idToken != "" || s.refreshToken != ""
}
