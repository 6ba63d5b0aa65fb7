// Package identity resolves bearer tokens to user ids.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultAudience is the audience hosted identity providers put on user tokens.
	DefaultAudience = "authenticated"

	// DefaultCacheSize is the number of verified tokens remembered.
	DefaultCacheSize = 1024

	// DefaultCacheTTL bounds how long a verified token is trusted without re-parsing.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultTokenExpiration is used by GenerateToken when no lifetime is given.
	DefaultTokenExpiration = time.Hour
)

var (
	// ErrUnauthorized is returned for missing, malformed, expired or forged tokens.
	ErrUnauthorized = errors.New("unauthorized")
)

// Identity is the verified caller.
type Identity struct {
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// Claims represents the JWT claims issued by the identity provider.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config holds verifier configuration
type Config struct {
	Secret    string
	Audience  string
	Issuer    string
	CacheSize int
	CacheTTL  time.Duration
}

// Verifier validates HS256 tokens and caches the result.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
	cache  *expirable.LRU[string, *Identity]
	now    func() time.Time
}

// NewVerifier creates a verifier.
func NewVerifier(config Config) (*Verifier, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("identity: jwt secret is required")
	}
	if config.Audience == "" {
		config.Audience = DefaultAudience
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(config.Audience),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	v := &Verifier{
		secret: []byte(config.Secret),
		issuer: config.Issuer,
		cache:  expirable.NewLRU[string, *Identity](config.CacheSize, nil, config.CacheTTL),
		now:    time.Now,
	}
	opts = append(opts, jwt.WithTimeFunc(func() time.Time { return v.now() }))
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// Verify returns the identity carried by token or an error wrapping ErrUnauthorized.
func (v *Verifier) Verify(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	key := cacheKey(token)
	if id, ok := v.cache.Get(key); ok {
		if v.now().Before(id.ExpiresAt) {
			return id, nil
		}
		v.cache.Remove(key)
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	id := &Identity{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	v.cache.Add(key, id)
	return id, nil
}

// GenerateToken issues a token for userID signed with the verifier's secret.
// Operators use it to mint service tokens; tests use it to call the API.
func (v *Verifier) GenerateToken(userID, email, role, audience string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenExpiration
	}
	if audience == "" {
		audience = DefaultAudience
	}

	now := v.now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// CacheLen returns the number of cached identities.
func (v *Verifier) CacheLen() int {
	return v.cache.Len()
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
