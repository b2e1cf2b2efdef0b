/**
 * @description
 * This file contains the authentication middleware for the HTTP router: bearer token
 * validation for donors and admins, and the shared-key check for service-to-service
 * calls made by the scheduler and the payment collaborator.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and signature validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// principalContextKey is a custom type for the context key to avoid collisions.
type principalContextKey string

const principalKey principalContextKey = "principal"

// Principal is the authenticated caller as read from the bearer token.
type Principal struct {
	Subject string
	Admin   bool
}

// TokenPolicy holds the claim checks applied to every bearer token. Empty Audience or
// Issuer disables that check.
type TokenPolicy struct {
	AdminRole string
	Audience  string
	Issuer    string
}

// ClerkAuthMiddleware validates RS256 tokens against the keys published at jwksURL.
func ClerkAuthMiddleware(jwksURL string, policy TokenPolicy) func(http.Handler) http.Handler {
	return JWTAuthMiddleware(NewJWKSKeyfunc(jwksURL), policy)
}

// JWTAuthMiddleware validates the bearer token with keyfunc and stores the Principal in
// the request context. A token carries the admin role through a "role" claim or a
// "roles" array claim.
func JWTAuthMiddleware(keyfunc jwt.Keyfunc, policy TokenPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, keyfunc)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Invalid token claims")
				return
			}

			if policy.Audience != "" {
				if aud, err := claims.GetAudience(); err != nil || !containsString(aud, policy.Audience) {
					writeError(w, http.StatusUnauthorized, "Invalid audience")
					return
				}
			}
			if policy.Issuer != "" {
				if iss, err := claims.GetIssuer(); err != nil || iss != policy.Issuer {
					writeError(w, http.StatusUnauthorized, "Invalid issuer")
					return
				}
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				writeError(w, http.StatusUnauthorized, "User ID not found in token")
				return
			}

			principal := Principal{Subject: subject, Admin: hasRole(claims, policy.AdminRole)}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext retrieves the authenticated caller from the request context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func hasRole(claims jwt.MapClaims, role string) bool {
	if role == "" {
		return false
	}
	if v, ok := claims["role"].(string); ok && v == role {
		return true
	}
	if list, ok := claims["roles"].([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok && s == role {
				return true
			}
		}
	}
	return false
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

const (
	jwksCacheTTL = 10 * time.Minute
	// jwksMinRefreshInterval bounds outbound fetches triggered by unknown kids.
	jwksMinRefreshInterval = 30 * time.Second
)

// NewJWKSKeyfunc returns a jwt.Keyfunc resolving RSA keys by kid from jwksURL. Keys are
// cached and refetched when the cache is stale or an unknown kid shows up, at most once
// per jwksMinRefreshInterval.
func NewJWKSKeyfunc(jwksURL string) jwt.Keyfunc {
	return newJWKSCache(jwksURL).keyfunc
}

type jwksCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu   sync.Mutex
	lastAttempt time.Time
}

func newJWKSCache(jwksURL string) *jwksCache {
	return &jwksCache{
		url:    jwksURL,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (c *jwksCache) keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("kid not found in token header")
	}
	return c.key(kid)
}

func (c *jwksCache) key(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := c.now().Sub(c.fetchedAt) < jwksCacheTTL
	c.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	refreshErr := c.refreshThrottled()

	// A stale key stays usable until a refresh succeeds.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	if refreshErr != nil && !errors.Is(refreshErr, errRefreshThrottled) {
		return nil, fmt.Errorf("failed to get public key: %w", refreshErr)
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

var errRefreshThrottled = errors.New("jwks refresh throttled")

// refreshThrottled serializes fetches and skips any that come within
// jwksMinRefreshInterval of the previous attempt.
func (c *jwksCache) refreshThrottled() error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	now := c.now()
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < jwksMinRefreshInterval {
		return errRefreshThrottled
	}
	c.lastAttempt = now
	return c.refresh()
}

func (c *jwksCache) refresh() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("key %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

// parseRSAPublicKey builds an RSA public key from base64url modulus and exponent.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = exp<<8 | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("empty exponent")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
