package jwt

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretBytes is the shortest HMAC secret NewCodec accepts.
const MinSecretBytes = 32

var (
	// ErrInvalidSignature is returned for tokens that are malformed, signed with
	// another key or algorithm, or missing required claims.
	ErrInvalidSignature = errors.New("jwt: invalid signature or malformed token")
	// ErrExpired is returned for correctly signed tokens whose exp has passed.
	ErrExpired = errors.New("jwt: token expired")
)

// Config configures a Codec.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	// Now overrides the wall clock. Nil means time.Now.
	Now func() time.Time
}

// Identity is the principal data embedded in every token.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Claims is the signed payload shared by access and refresh tokens.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity returns the principal fields of the claims.
func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Email: c.Email, Role: c.Role}
}

// Pair is the result of Issue.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type tokenClass struct {
	name   string
	secret []byte
	ttl    time.Duration
}

// Codec signs and verifies tokens. It is safe for concurrent use.
type Codec struct {
	access  tokenClass
	refresh tokenClass
	issuer  string
	now     func() time.Time
}

// NewCodec validates cfg and returns a ready Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.AccessSecret) < MinSecretBytes {
		return nil, fmt.Errorf("access secret must be at least %d bytes", MinSecretBytes)
	}
	if len(cfg.RefreshSecret) < MinSecretBytes {
		return nil, fmt.Errorf("refresh secret must be at least %d bytes", MinSecretBytes)
	}
	if bytes.Equal(cfg.AccessSecret, cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, errors.New("access TTL must be shorter than refresh TTL")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Codec{
		access:  tokenClass{name: "access", secret: bytes.Clone(cfg.AccessSecret), ttl: cfg.AccessTTL},
		refresh: tokenClass{name: "refresh", secret: bytes.Clone(cfg.RefreshSecret), ttl: cfg.RefreshTTL},
		issuer:  strings.TrimSpace(cfg.Issuer),
		now:     now,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.access.ttl }

// RefreshTTL returns the configured refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refresh.ttl }

// Issue signs a fresh access and refresh token for id. Every token gets its own
// jti so two pairs issued within the same second never collide.
func (c *Codec) Issue(id Identity) (Pair, error) {
	if id.UserID == "" {
		return Pair{}, errors.New("jwt: empty user id")
	}
	now := c.now()

	access, accessExp, err := c.sign(c.access, id, now)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshExp, err := c.sign(c.refresh, id, now)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess checks an access token's signature and expiry.
func (c *Codec) VerifyAccess(token string) (*Claims, error) {
	return c.verify(c.access, token)
}

// VerifyRefresh checks a refresh token's signature and expiry.
func (c *Codec) VerifyRefresh(token string) (*Claims, error) {
	return c.verify(c.refresh, token)
}

func (c *Codec) sign(class tokenClass, id Identity, now time.Time) (string, time.Time, error) {
	exp := now.Add(class.ttl)
	claims := Claims{
		UserID: id.UserID,
		Email:  id.Email,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(class.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", class.name, err)
	}
	// exp is serialized at second precision.
	return signed, exp.Truncate(time.Second), nil
}

func (c *Codec) verify(class tokenClass, tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrInvalidSignature
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		options = append(options, jwt.WithIssuer(c.issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return class.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}
