package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pricewise/affiliate-engine/clock"
)

// DefaultTokenTTL is how long an issued bearer token stays valid.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrTokenMissing = errors.New("no authorization token provided")
	ErrTokenInvalid = errors.New("invalid or expired token")
)

// Claims is the bearer token payload. Subject is the account id.
type Claims struct {
	AffiliateID string `json:"aff"`
	Email       string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller, stored in the request context.
type Principal struct {
	UserID      string
	AffiliateID string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller set by Authenticator.Require.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// =============================================================================
// BEARER TOKENS
// =============================================================================

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewAuthenticator(secret string, ttl time.Duration, clk clock.Clock) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, clock: clk}
}

// Issue signs an HS256 token for the account.
func (a *Authenticator) Issue(userID, affiliateID, email string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("JWT secret not configured")
	}
	now := a.clock.Now()
	exp := now.Add(a.ttl)
	claims := Claims{
		AffiliateID: affiliateID,
		Email:       email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses and checks a token. Only HS256 is accepted.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.AffiliateID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Require rejects requests without a valid bearer token and stores the
// caller in the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, ErrTokenMissing.Error(), "unauthorized", nil)
			return
		}
		claims, err := a.Verify(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "unauthorized", nil)
			return
		}
		ctx := withPrincipal(r.Context(), Principal{UserID: claims.Subject, AffiliateID: claims.AffiliateID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// =============================================================================
// INTERNAL TOKEN
// =============================================================================

// InternalTokenHeader carries the shared secret for service-to-service calls.
const InternalTokenHeader = "X-Internal-Token"

// RequireInternalToken guards endpoints called by other services and
// operators. An empty configured token disables those endpoints.
func RequireInternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusServiceUnavailable, "internal API disabled", "unavailable", nil)
				return
			}
			got := r.Header.Get(InternalTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid internal token", "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
