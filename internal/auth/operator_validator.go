package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix          = "Bearer "
	accessTokenQueryParam = "access_token"
)

var (
	ErrMissingOperatorToken = errors.New("operator validator: token required")
	ErrInvalidOperatorToken = errors.New("operator validator: invalid token")
	ErrExpiredOperatorToken = errors.New("operator validator: token expired")
)

// OperatorValidator validates operator JWTs minted by OperatorTokenIssuer.
type OperatorValidator struct {
	config OperatorTokenConfig
}

// NewOperatorValidator constructs a validator sharing the issuer's configuration.
func NewOperatorValidator(cfg OperatorTokenConfig) (*OperatorValidator, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &OperatorValidator{config: normalized}, nil
}

// ValidateToken verifies the JWT and returns its subject.
func (v *OperatorValidator) ValidateToken(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingOperatorToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.config.SigningSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithAudience(v.config.Audience),
		jwt.WithTimeFunc(v.config.Clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredOperatorToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidOperatorToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidOperatorToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrMissingOperatorSubject
	}
	return subject, nil
}

// ValidateRequest reads the bearer header, falling back to the access_token query parameter
// for EventSource clients that cannot set headers.
func (v *OperatorValidator) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingOperatorToken
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if header != "" {
		return "", ErrInvalidOperatorToken
	}
	return v.ValidateToken(r.URL.Query().Get(accessTokenQueryParam))
}
