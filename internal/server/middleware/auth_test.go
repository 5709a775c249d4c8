package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strel-k/calmconnect-live/internal/registry"
)

const testSecret = "test-secret"

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func signToken(t *testing.T, subject, role, secret string) string {
	t.Helper()
	claims := AppClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// authProbe records the identity that survives the full metadata+auth chain.
func authProbe(t *testing.T, captured *registry.Identity) http.Handler {
	t.Helper()
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqMeta, ok := ReqMetadataFrom(r.Context())
		if !ok {
			t.Fatal("request metadata missing after auth")
		}
		*captured = reqMeta.Identity
		w.WriteHeader(http.StatusOK)
	})
	return Chain(final, RequestMetadataMiddleware(), NewAuthMiddleware(newTestLogger(), testSecret))
}

func TestAuthValidTokenBindsIdentity(t *testing.T) {
	var identity registry.Identity
	handler := authProbe(t, &identity)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u1", "counselor", testSecret))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if identity.ID != "u1" || identity.Role != "counselor" {
		t.Errorf("identity = %+v, want {u1 counselor}", identity)
	}
}

func TestAuthQueryParamToken(t *testing.T) {
	var identity registry.Identity
	handler := authProbe(t, &identity)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+signToken(t, "u2", "student", testSecret), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if identity.ID != "u2" {
		t.Errorf("identity.ID = %s, want u2", identity.ID)
	}
}

func TestAuthRejections(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong secret", signToken(t, "u1", "student", "other-secret")},
		{"missing subject", signToken(t, "", "student", testSecret)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var identity registry.Identity
			handler := authProbe(t, &identity)

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if identity.ID != "" {
				t.Errorf("identity leaked past auth: %+v", identity)
			}
		})
	}
}

func TestAuthExpiredToken(t *testing.T) {
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	var identity registry.Identity
	handler := authProbe(t, &identity)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "session-token", Value: signed})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
