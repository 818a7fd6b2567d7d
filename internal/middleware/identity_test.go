package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/linkvault/internal/model"
)

// mockAuthenticator はAuthenticatorのテスト用モック。
type mockAuthenticator struct {
	authenticateFn func(r *http.Request) (*model.User, error)
}

func (m *mockAuthenticator) Authenticate(r *http.Request) (*model.User, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(r)
	}
	return nil, model.NewAuthenticationError("missing token")
}

func TestIdentityMiddleware_InjectsUser(t *testing.T) {
	auth := &mockAuthenticator{
		authenticateFn: func(r *http.Request) (*model.User, error) {
			return &model.User{ID: "user-1", WhopUserID: "user_whop"}, nil
		},
	}

	var captured *model.User
	handler := NewIdentityMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/products", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if captured == nil || captured.ID != "user-1" {
		t.Errorf("user = %+v", captured)
	}
}

func TestIdentityMiddleware_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"authentication error", model.NewAuthenticationError("invalid token"), http.StatusUnauthorized},
		{"configuration error", model.NewConfigurationError("WHOP_JWT_PUBLIC_KEY"), http.StatusInternalServerError},
		{"unexpected error", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &mockAuthenticator{
				authenticateFn: func(r *http.Request) (*model.User, error) { return nil, tt.err },
			}
			handler := NewIdentityMiddleware(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/products/create-with-plan", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := UserIDFromContext(req.Context()); err == nil {
		t.Error("expected error for empty context")
	}
}
