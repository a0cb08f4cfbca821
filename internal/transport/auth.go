package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/model"
)

const (
	maxJWKSBytes = 1 << 20
	tokenLeeway  = 30 * time.Second
)

// JWKSClient resolves token signing keys from the identity provider's key
// set. Keys are cached for ttl; when a refresh fails a previously fetched
// key keeps working.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		keys:       map[string]crypto.PublicKey{},
	}
}

func (c *JWKSClient) cached(kid string) (key crypto.PublicKey, ok, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	return key, ok, time.Since(c.fetchedAt) <= c.ttl
}

// GetKey returns the public key published under kid, refreshing the key
// set when kid is unknown or the cache has expired.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	if key, ok, fresh := c.cached(kid); ok && fresh {
		return key, nil
	}

	refreshErr := c.refresh()
	key, ok, _ := c.cached(kid)
	switch {
	case ok && refreshErr != nil:
		c.logger.Warn("jwks: refresh failed, serving cached key", zap.String("kid", kid), zap.Error(refreshErr))
		return key, nil
	case ok:
		return key, nil
	case refreshErr != nil:
		return nil, fmt.Errorf("jwks: fetch failed: %w", refreshErr)
	default:
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
}

// refresh replaces the key set. Fetches closer together than minRefresh are
// skipped once any key is known, so a stream of tokens with an unknown kid
// cannot hammer the provider.
func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	skip := len(c.keys) > 0 && time.Since(c.fetchedAt) < c.minRefresh
	c.mu.RUnlock()
	if skip {
		return nil
	}

	set, err := c.fetch()
	if err != nil {
		return err
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			continue
		}
		pub, err := k.publicKey()
		if errors.Is(err, errSkipKey) {
			continue
		}
		if err != nil {
			c.logger.Warn("jwks: skipping malformed key", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	c.logger.Debug("jwks: key set refreshed", zap.Int("keys", len(keys)))
	return nil
}

func (c *JWKSClient) fetch() (*jwkSet, error) {
	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, err
	}
	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("jwks: parse error: %w", err)
	}
	return &set, nil
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// jwk holds the members of an RSA or EC public JSON Web Key.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// errSkipKey marks key types that are never accepted for token signatures.
var errSkipKey = errors.New("unsupported key type")

var curves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		if k.N == "" || k.E == "" {
			return nil, errors.New("missing n or e")
		}
		n, err := decodeBigInt("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		if k.X == "" || k.Y == "" {
			return nil, errors.New("missing x or y")
		}
		curve, ok := curves[k.Crv]
		if !ok {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, errSkipKey
	}
}

func decodeBigInt(name, s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// JWTAuthenticator verifies the caller's bearer token against the identity
// provider and stores its claims for BuildRequestContextMiddleware.
// Expiry is required; issuer, audience and algorithm come from cfg.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid in token header")
		}
		return jwks.GetKey(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			raw := bearerToken(r)
			if raw == "" {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(raw, claims, keyFunc)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(jwtErrorMessage(err)))
				return
			}
			if !token.Valid {
				WriteError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// jwtErrorMessage turns a verification failure into the message returned
// to the caller.
func jwtErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid) && strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "Unknown signing key"
	default:
		return "Invalid token"
	}
}
