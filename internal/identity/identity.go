// Package identity provides anonymous per-device identity and wallet context primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/voxwallet/internal/domain"
)

const (
	AnonCookieName        = "voxwallet_anon_id"
	SessionHeaderName     = "X-Voxwallet-Session-ID"
	EVMHeaderName         = "X-EVM-Address"
	SubstrateHeaderName   = "X-Substrate-Address"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	sessionIDKey
	walletKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	evmPattern       = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	ss58Pattern      = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{46,48}$`)
)

// UserIDFromContext extracts the anonymous device ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// WalletFromContext extracts the caller's wallet addresses.
func WalletFromContext(ctx context.Context) domain.WalletContext {
	if v, ok := ctx.Value(walletKey).(domain.WalletContext); ok {
		return v
	}
	return domain.WalletContext{}
}

// ClientKey identifies one browser tab: device id plus tab session id.
func ClientKey(ctx context.Context) string {
	return UserIDFromContext(ctx) + ":" + SessionIDFromContext(ctx)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// headerOrQuery reads a value from a header, falling back to a query
// parameter for WebSocket upgrades where browsers cannot set headers.
func headerOrQuery(r *http.Request, header, query string) string {
	v := r.Header.Get(header)
	if v == "" {
		v = r.URL.Query().Get(query)
	}
	return strings.TrimSpace(v)
}

func sessionIDFromRequest(r *http.Request) string {
	return sanitizeSessionID(headerOrQuery(r, SessionHeaderName, "session_id"))
}

func walletFromRequest(r *http.Request) domain.WalletContext {
	var w domain.WalletContext
	if evm := headerOrQuery(r, EVMHeaderName, "evm_address"); evmPattern.MatchString(evm) {
		w.EVMAddress = evm
	}
	if sub := headerOrQuery(r, SubstrateHeaderName, "substrate_address"); ss58Pattern.MatchString(sub) {
		w.SubstrateAddress = sub
	}
	return w
}

// Middleware injects anonymous per-device identity, the per-request session ID
// and the wallet context.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, sessionIDKey, sessionIDFromRequest(r))
			ctx = context.WithValue(ctx, walletKey, walletFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
