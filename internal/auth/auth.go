// Package auth verifies the signed identity tokens clients present and turns
// them into an Identity the game core can trust. Issuing credentials is the
// job of an external service; Issue exists for tooling and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
)

// Role is a coarse capability attached to an identity.
type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
)

// Identity is the verified user handle supplied to the core.
type Identity struct {
	ID          string
	DisplayName string
	Role        Role
}

var (
	// ErrMissingToken is returned when no token was presented.
	ErrMissingToken = errors.New("auth: token is required")
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// envConfig holds raw env values before validation. Secrets never come from
// the YAML configuration file.
type envConfig struct {
	Secret   string `env:"CARDROOM_AUTH_SECRET"`
	Issuer   string `env:"CARDROOM_AUTH_ISSUER" envDefault:"cardroom"`
	Audience string `env:"CARDROOM_AUTH_AUDIENCE" envDefault:"cardroom-clients"`
}

// Config defines how identity tokens are verified.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// LoadConfigFromEnv reads verifier configuration from the environment.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse auth env: %w", err)
	}
	secret := strings.TrimSpace(raw.Secret)
	if secret == "" {
		return Config{}, fmt.Errorf("CARDROOM_AUTH_SECRET is required")
	}
	if len(secret) < 32 {
		return Config{}, fmt.Errorf("CARDROOM_AUTH_SECRET must be at least 32 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Secret:   []byte(secret),
		Issuer:   strings.TrimSpace(raw.Issuer),
		Audience: strings.TrimSpace(raw.Audience),
		Now:      now,
	}, nil
}

type claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Verifier validates HS256 identity tokens.
type Verifier struct {
	cfg Config
}

// NewVerifier creates a verifier for cfg.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: verifier secret is not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify checks the token signature and registered claims and returns the
// identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject := strings.TrimSpace(parsed.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}

	name := strings.TrimSpace(parsed.Name)
	if name == "" {
		name = subject
	}
	role := Role(parsed.Role)
	if role != RoleAdmin {
		role = RolePlayer
	}

	return Identity{ID: subject, DisplayName: name, Role: role}, nil
}

// Issue signs a token for id that expires after ttl.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(id.ID) == "" {
		return "", errors.New("auth: identity id is required")
	}
	now := v.cfg.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: id.DisplayName,
		Role: string(id.Role),
	}
	if v.cfg.Audience != "" {
		c.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.cfg.Secret)
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
