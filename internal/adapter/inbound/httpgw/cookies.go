package httpgw

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/labforge/gateway/internal/adapter/outbound/authapi"
	"github.com/labforge/gateway/internal/config"
)

// CookieManager owns the browser session cookie policy. The access and
// refresh cookies are HttpOnly so script cannot read token material; the
// CSRF cookie is deliberately script-readable so the SPA can echo it in the
// CSRF header (double-submit).
type CookieManager struct {
	accessName  string
	refreshName string
	csrfName    string
	path        string
	secure      bool
	sameSite    http.SameSite
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

// NewCookieManager builds a CookieManager from configuration.
func NewCookieManager(cfg config.CookieConfig) (*CookieManager, error) {
	accessTTL, err := time.ParseDuration(cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid cookies.access_ttl %q: %w", cfg.AccessTTL, err)
	}
	refreshTTL, err := time.ParseDuration(cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid cookies.refresh_ttl %q: %w", cfg.RefreshTTL, err)
	}

	var sameSite http.SameSite
	switch cfg.SameSite {
	case "lax":
		sameSite = http.SameSiteLaxMode
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		// SameSite=None requires Secure per browser policy.
		if !cfg.Secure {
			return nil, fmt.Errorf("cookies.same_site \"none\" requires cookies.secure")
		}
		sameSite = http.SameSiteNoneMode
	default:
		return nil, fmt.Errorf("invalid cookies.same_site %q", cfg.SameSite)
	}

	return &CookieManager{
		accessName:  cfg.AccessName,
		refreshName: cfg.RefreshName,
		csrfName:    cfg.CSRFName,
		path:        cfg.Path,
		secure:      cfg.Secure,
		sameSite:    sameSite,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
	}, nil
}

// SetSession writes the session cookies for freshly issued token material.
// The access cookie lifetime follows the upstream expires_in when present.
// A new CSRF token is minted on every session establishment so a leaked
// token does not outlive the session that issued it.
func (m *CookieManager) SetSession(w http.ResponseWriter, tokens authapi.TokenResponse) {
	accessMaxAge := int(m.accessTTL.Seconds())
	if tokens.ExpiresIn > 0 {
		accessMaxAge = tokens.ExpiresIn
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.accessName,
		Value:    tokens.AccessToken,
		Path:     m.path,
		MaxAge:   accessMaxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: m.sameSite,
	})

	if tokens.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     m.refreshName,
			Value:    tokens.RefreshToken,
			Path:     m.path,
			MaxAge:   int(m.refreshTTL.Seconds()),
			HttpOnly: true,
			Secure:   m.secure,
			SameSite: m.sameSite,
		})
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.csrfName,
		Value:    newCSRFToken(),
		Path:     m.path,
		MaxAge:   int(m.refreshTTL.Seconds()),
		HttpOnly: false,
		Secure:   m.secure,
		SameSite: m.sameSite,
	})
}

// Clear expires all session cookies.
func (m *CookieManager) Clear(w http.ResponseWriter) {
	for _, name := range []string{m.accessName, m.refreshName, m.csrfName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     m.path,
			MaxAge:   -1,
			HttpOnly: name != m.csrfName,
			Secure:   m.secure,
			SameSite: m.sameSite,
		})
	}
}

// ReadAccess returns the access token cookie value.
func (m *CookieManager) ReadAccess(r *http.Request) (string, bool) {
	return readCookie(r, m.accessName)
}

// ReadRefresh returns the refresh token cookie value.
func (m *CookieManager) ReadRefresh(r *http.Request) (string, bool) {
	return readCookie(r, m.refreshName)
}

// ReadCSRF returns the CSRF token cookie value.
func (m *CookieManager) ReadCSRF(r *http.Request) (string, bool) {
	return readCookie(r, m.csrfName)
}

func readCookie(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// newCSRFToken generates a 128-bit random token in hex.
func newCSRFToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process cannot do anything
		// security-relevant.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
