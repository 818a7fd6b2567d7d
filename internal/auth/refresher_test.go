package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/linkvault/internal/model"
)

type recordingRecorder struct {
	outcomes []string
}

func (r *recordingRecorder) RecordTokenRefresh(outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

func newTestRefresher(oauth OAuthProvider, store CompanyTokenStore, now time.Time) (*TokenRefresher, *recordingRecorder) {
	rec := &recordingRecorder{}
	r := NewTokenRefresher(oauth, store, rec)
	r.now = func() time.Time { return now }
	return r, rec
}

func TestEnsureFreshAccessToken_NotNearExpiry_NoNetwork(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := &mockOAuthProvider{
		refreshFn: func(_ context.Context, _ string) (*TokenSet, error) {
			t.Error("refresh should not be called")
			return nil, nil
		},
	}
	store := &mockCompanyRepo{
		updateTokensFn: func(_ context.Context, _ string, _ model.TokenBundle) error {
			t.Error("tokens should not be persisted")
			return nil
		},
	}
	r, rec := newTestRefresher(provider, store, now)

	company := &model.Company{ID: "c1", Tokens: &model.TokenBundle{
		AccessToken: "stored", RefreshToken: "rt", ExpiresAt: now.Add(61 * time.Second),
	}}
	got, err := r.EnsureFreshAccessToken(context.Background(), company)
	if err != nil {
		t.Fatalf("EnsureFreshAccessToken() error = %v", err)
	}
	if got != "stored" {
		t.Errorf("token = %q, want stored", got)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "skipped" {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestEnsureFreshAccessToken_Expired_RefreshesOnce(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	provider := &mockOAuthProvider{
		refreshFn: func(_ context.Context, rt string) (*TokenSet, error) {
			calls++
			if rt != "rt" {
				t.Errorf("refresh token = %q", rt)
			}
			return &TokenSet{AccessToken: "fresh", ExpiresAt: now.Add(time.Hour)}, nil
		},
	}
	var persisted model.TokenBundle
	var persistedFor string
	store := &mockCompanyRepo{
		updateTokensFn: func(_ context.Context, id string, tokens model.TokenBundle) error {
			persistedFor, persisted = id, tokens
			return nil
		},
	}
	r, _ := newTestRefresher(provider, store, now)

	company := &model.Company{ID: "c1", Tokens: &model.TokenBundle{
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: now.Add(-time.Minute),
	}}
	got, err := r.EnsureFreshAccessToken(context.Background(), company)
	if err != nil {
		t.Fatalf("EnsureFreshAccessToken() error = %v", err)
	}
	if got != "fresh" {
		t.Errorf("token = %q, want fresh", got)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
	if persistedFor != "c1" || persisted.AccessToken != "fresh" || persisted.RefreshToken != "rt" || !persisted.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("unexpected persisted tokens for %q: %+v", persistedFor, persisted)
	}
	if company.Tokens.AccessToken != "fresh" {
		t.Errorf("company tokens not updated in place: %+v", company.Tokens)
	}
}

func TestEnsureFreshAccessToken_WithinGracePeriod_Refreshes(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	provider := &mockOAuthProvider{
		refreshFn: func(_ context.Context, _ string) (*TokenSet, error) {
			return &TokenSet{AccessToken: "fresh", RefreshToken: "rt2", ExpiresAt: now.Add(time.Hour)}, nil
		},
	}
	var persisted model.TokenBundle
	store := &mockCompanyRepo{
		updateTokensFn: func(_ context.Context, _ string, tokens model.TokenBundle) error {
			persisted = tokens
			return nil
		},
	}
	r, _ := newTestRefresher(provider, store, now)

	company := &model.Company{ID: "c1", Tokens: &model.TokenBundle{
		AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(30 * time.Second),
	}}
	if _, err := r.EnsureFreshAccessToken(context.Background(), company); err != nil {
		t.Fatalf("EnsureFreshAccessToken() error = %v", err)
	}
	if persisted.RefreshToken != "rt2" {
		t.Errorf("rotated refresh token not stored: %+v", persisted)
	}
}

func TestEnsureFreshAccessToken_NoRefreshToken(t *testing.T) {
	now := time.Now()
	r, rec := newTestRefresher(&mockOAuthProvider{}, &mockCompanyRepo{}, now)

	company := &model.Company{ID: "c1", Tokens: &model.TokenBundle{AccessToken: "old", ExpiresAt: now.Add(-time.Hour)}}
	_, err := r.EnsureFreshAccessToken(context.Background(), company)
	var rErr *TokenRefreshError
	if !errors.As(err, &rErr) {
		t.Fatalf("expected *TokenRefreshError, got %v", err)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "failed" {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}

func TestEnsureFreshAccessToken_RefreshFailureIsFatal(t *testing.T) {
	now := time.Now()
	calls := 0
	provider := &mockOAuthProvider{
		refreshFn: func(_ context.Context, _ string) (*TokenSet, error) {
			calls++
			return nil, &TokenRefreshError{Status: 401, Body: "revoked"}
		},
	}
	r, _ := newTestRefresher(provider, &mockCompanyRepo{}, now)

	company := &model.Company{ID: "c1", Tokens: &model.TokenBundle{AccessToken: "old", RefreshToken: "rt", ExpiresAt: now.Add(-time.Hour)}}
	_, err := r.EnsureFreshAccessToken(context.Background(), company)
	var rErr *TokenRefreshError
	if !errors.As(err, &rErr) || rErr.Status != 401 {
		t.Fatalf("expected TokenRefreshError(401), got %v", err)
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1 (no retry)", calls)
	}
}

func TestEnsureFreshAccessToken_UnknownExpiry_Refreshes(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	provider := &mockOAuthProvider{
		refreshFn: func(_ context.Context, _ string) (*TokenSet, error) {
			calls++
			return &TokenSet{AccessToken: "fresh", ExpiresAt: now.Add(time.Hour)}, nil
		},
	}
	var persisted model.TokenBundle
	store := &mockCompanyRepo{
		updateTokensFn: func(_ context.Context, _ string, tb model.TokenBundle) error {
			persisted = tb
			return nil
		},
	}
	r, rec := newTestRefresher(provider, store, now)

	company := &model.Company{ID: "c1", Tokens: &model.TokenBundle{AccessToken: "stale", RefreshToken: "rt"}}
	got, err := r.EnsureFreshAccessToken(context.Background(), company)
	if err != nil {
		t.Fatalf("EnsureFreshAccessToken() error = %v", err)
	}
	if got != "fresh" || calls != 1 {
		t.Errorf("token = %q, calls = %d; want fresh, 1", got, calls)
	}
	if persisted.RefreshToken != "rt" || !persisted.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("persisted = %+v", persisted)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "refreshed" {
		t.Errorf("outcomes = %v", rec.outcomes)
	}
}
