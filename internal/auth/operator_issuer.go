package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultOperatorTokenTTL = time.Hour

	// DefaultOperatorIssuer names the CLI that mints operator tokens.
	DefaultOperatorIssuer = "tinyengage-cli"
	// DefaultOperatorAudience names the API that accepts operator tokens.
	DefaultOperatorAudience = "tinyengage-api"
)

var (
	ErrMissingOperatorSigningKey = errors.New("operator tokens: signing key required")
	ErrMissingOperatorIssuer     = errors.New("operator tokens: issuer required")
	ErrMissingOperatorAudience   = errors.New("operator tokens: audience required")
	ErrMissingOperatorSubject    = errors.New("operator tokens: subject required")
)

// OperatorTokenConfig configures operator JWT issuance and validation.
type OperatorTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

func (cfg OperatorTokenConfig) normalized() (OperatorTokenConfig, error) {
	if len(cfg.SigningSecret) == 0 {
		return OperatorTokenConfig{}, ErrMissingOperatorSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return OperatorTokenConfig{}, ErrMissingOperatorIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return OperatorTokenConfig{}, ErrMissingOperatorAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultOperatorTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return OperatorTokenConfig{
		SigningSecret: append([]byte(nil), cfg.SigningSecret...),
		Issuer:        issuer,
		Audience:      audience,
		TokenTTL:      ttl,
		Clock:         clock,
	}, nil
}

// OperatorTokenIssuer mints HS256 JWTs for survey owners calling the link issuance API.
type OperatorTokenIssuer struct {
	config OperatorTokenConfig
}

// NewOperatorTokenIssuer constructs an issuer after validating its configuration.
func NewOperatorTokenIssuer(cfg OperatorTokenConfig) (*OperatorTokenIssuer, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &OperatorTokenIssuer{config: normalized}, nil
}

// Issue produces a signed JWT for subject and its expiry instant.
func (i *OperatorTokenIssuer) Issue(subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, ErrMissingOperatorSubject
	}

	now := i.config.Clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL)

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.config.Issuer,
		Audience:  jwt.ClaimStrings{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
