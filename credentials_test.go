package chloris

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCurrentIDTokenReturnsValidTokenWithoutRefresh(t *testing.T) {
	t.Parallel()

	token := freshToken(t)
	var refreshes atomic.Int32
	store := newCredentialStore(token, "", "refresh-token", DefaultExpiryTolerance,
		func(ctx context.Context, rt string) (string, string, error) {
			refreshes.Add(1)
			return freshToken(t), "", nil
		}, discardLogger())

	got, err := store.CurrentIDToken(context.Background())
	if err != nil {
		t.Fatalf("CurrentIDToken() error: %v", err)
	}
	if got != token {
		t.Errorf("CurrentIDToken() = %q, want the stored token", got)
	}
	if n := refreshes.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestSingleFlightRefresh(t *testing.T) {
	t.Parallel()

	fresh := freshToken(t)
	var refreshes atomic.Int32
	store := newCredentialStore(expiredToken(t), "", "refresh-token", DefaultExpiryTolerance,
		func(ctx context.Context, rt string) (string, string, error) {
			refreshes.Add(1)
			// Slow refresh so the other callers pile up behind the lock.
			time.Sleep(20 * time.Millisecond)
			return fresh, "access", nil
		}, discardLogger())

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = store.CurrentIDToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if tokens[i] != fresh {
			t.Errorf("caller %d token = %q, want the refreshed token", i, tokens[i])
		}
	}
	if n := refreshes.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}

func TestRefreshFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	store := newCredentialStore(expiredToken(t), "", "refresh-token", DefaultExpiryTolerance,
		func(ctx context.Context, rt string) (string, string, error) {
			return "", "", errors.New("upstream says no")
		}, discardLogger())

	_, err := store.CurrentIDToken(context.Background())
	var aerr *AuthenticationError
	if !errors.As(err, &aerr) {
		t.Fatalf("CurrentIDToken() error = %v, want *AuthenticationError", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.refreshToken != "refresh-token" {
		t.Error("refresh token was clobbered by a failed refresh")
	}
	if store.idToken != "" {
		t.Errorf("idToken = %q, want empty (expired token dropped, no partial overwrite)", store.idToken)
	}
}

func TestNoRefreshTokenFailsAuthentication(t *testing.T) {
	t.Parallel()

	store := newCredentialStore(expiredToken(t), "", "", DefaultExpiryTolerance,
		func(ctx context.Context, rt string) (string, string, error) {
			t.Error("refresh must not be called without a refresh token")
			return "", "", nil
		}, discardLogger())

	_, err := store.CurrentIDToken(context.Background())
	var aerr *AuthenticationError
	if !errors.As(err, &aerr) {
		t.Fatalf("CurrentIDToken() error = %v, want *AuthenticationError", err)
	}
}

func TestRefreshAfterRejectSharesOutcome(t *testing.T) {
	t.Parallel()

	var refreshes atomic.Int32
	fresh := freshToken(t)
	store := newCredentialStore(freshToken(t), "", "refresh-token", DefaultExpiryTolerance,
		func(ctx context.Context, rt string) (string, string, error) {
			refreshes.Add(1)
			return fresh, "", nil
		}, discardLogger())

	rejected, err := store.CurrentIDToken(context.Background())
	if err != nil {
		t.Fatalf("CurrentIDToken() error: %v", err)
	}

	got, err := store.RefreshAfterReject(context.Background(), rejected)
	if err != nil {
		t.Fatalf("RefreshAfterReject() error: %v", err)
	}
	if got != fresh {
		t.Errorf("RefreshAfterReject() = %q, want refreshed token", got)
	}

	// A second caller holding the same rejected token must observe the
	// refresh already performed, not trigger another one.
	got, err = store.RefreshAfterReject(context.Background(), rejected)
	if err != nil {
		t.Fatalf("RefreshAfterReject() error: %v", err)
	}
	if got != fresh {
		t.Errorf("second RefreshAfterReject() = %q, want refreshed token", got)
	}
	if n := refreshes.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}
