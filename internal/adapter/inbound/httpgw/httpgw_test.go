package httpgw

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/labforge/gateway/internal/config"
)

// Shared helpers for the httpgw tests.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCookieConfig() config.CookieConfig {
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg.Cookies
}

func testCookieManager(t *testing.T) *CookieManager {
	t.Helper()
	m, err := NewCookieManager(testCookieConfig())
	if err != nil {
		t.Fatalf("NewCookieManager: %v", err)
	}
	return m
}

// signedToken mints a test JWT with the given subject and expiry.
func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}

// findCookie returns the named cookie from a recorded response, or nil.
func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
