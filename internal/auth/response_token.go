package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultResponseTokenExpiration is the window applied when no explicit expiration is supplied.
	DefaultResponseTokenExpiration = 14 * 24 * time.Hour

	responseTokenNonceBytes = 8
	recipientSourceBytes    = 16
	recipientIDLength       = 16
	responseTokenSeparator  = "."
)

var (
	ErrMissingResponseTokenKey = errors.New("response token codec: signing key required")
	ErrMissingResponseTokenID  = errors.New("response token codec: survey, recipient and option ids required")
	ErrInvalidResponseToken    = errors.New("response token: invalid")
	ErrMalformedResponseToken  = errors.New("response token: malformed")
	ErrResponseTokenSignature  = errors.New("response token: signature mismatch")
	ErrResponseTokenExpired    = errors.New("response token: expired")
)

var tokenEncoding = base64.RawURLEncoding.Strict()

// responseTokenPayload is the signed JSON body. Field order is part of the wire format.
type responseTokenPayload struct {
	SurveyID    string `json:"sid"`
	RecipientID string `json:"rid"`
	OptionID    string `json:"ans"`
	ExpiresAt   int64  `json:"exp"`
	Nonce       string `json:"nonce"`
	IssuedAt    int64  `json:"iat,omitempty"`
}

// ResponseToken is a verified redemption capability for one survey answer.
type ResponseToken struct {
	SurveyID    string
	RecipientID string
	OptionID    string
	ExpiresAt   time.Time
	// IssuedAt is zero for tokens minted before issuance time was embedded.
	IssuedAt time.Time
	Nonce    string
}

// IssuedAtEstimate returns the issuance instant, back-computing it from the expiry
// and the supplied window when the token does not carry one.
func (t ResponseToken) IssuedAtEstimate(window time.Duration) time.Time {
	if !t.IssuedAt.IsZero() {
		return t.IssuedAt
	}
	if window <= 0 {
		window = DefaultResponseTokenExpiration
	}
	return t.ExpiresAt.Add(-window)
}

// ResponseTokenCodecConfig configures the response token codec.
type ResponseTokenCodecConfig struct {
	SigningKey        []byte
	DefaultExpiration time.Duration
	Clock             func() time.Time
}

// signingKeyring isolates key material so rotation only has to touch current().
type signingKeyring struct {
	key []byte
}

func (k signingKeyring) current() []byte {
	return k.key
}

// ResponseTokenCodec issues and verifies signed response tokens.
type ResponseTokenCodec struct {
	keys              signingKeyring
	defaultExpiration time.Duration
	clock             func() time.Time
}

// NewResponseTokenCodec constructs a codec bound to the process-wide signing key.
func NewResponseTokenCodec(cfg ResponseTokenCodecConfig) (*ResponseTokenCodec, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, ErrMissingResponseTokenKey
	}
	expiration := cfg.DefaultExpiration
	if expiration <= 0 {
		expiration = DefaultResponseTokenExpiration
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ResponseTokenCodec{
		keys:              signingKeyring{key: append([]byte(nil), cfg.SigningKey...)},
		defaultExpiration: expiration,
		clock:             clock,
	}, nil
}

// DefaultExpiration reports the window used when Issue is called without one.
func (c *ResponseTokenCodec) DefaultExpiration() time.Duration {
	return c.defaultExpiration
}

// Issue mints a token authorizing recipientID to submit optionID for surveyID.
func (c *ResponseTokenCodec) Issue(surveyID, recipientID, optionID string, expiration time.Duration) (string, error) {
	if strings.TrimSpace(surveyID) == "" || strings.TrimSpace(recipientID) == "" || strings.TrimSpace(optionID) == "" {
		return "", ErrMissingResponseTokenID
	}
	if expiration <= 0 {
		expiration = c.defaultExpiration
	}

	nonce := make([]byte, responseTokenNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("response token codec: nonce: %w", err)
	}

	now := c.clock().UTC()
	payload := responseTokenPayload{
		SurveyID:    surveyID,
		RecipientID: recipientID,
		OptionID:    optionID,
		ExpiresAt:   now.Add(expiration).Unix(),
		Nonce:       hex.EncodeToString(nonce),
		IssuedAt:    now.Unix(),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("response token codec: encode: %w", err)
	}

	body := tokenEncoding.EncodeToString(encoded)
	return body + responseTokenSeparator + tokenEncoding.EncodeToString(c.sign(body)), nil
}

// Decode verifies the signature and expiry of a token and returns its claims.
// Every failure wraps ErrInvalidResponseToken; the second wrapped error names the cause.
func (c *ResponseTokenCodec) Decode(token string) (ResponseToken, error) {
	separator := strings.LastIndex(token, responseTokenSeparator)
	if separator <= 0 || separator == len(token)-1 {
		return ResponseToken{}, invalidResponseToken(ErrMalformedResponseToken, "missing payload or signature")
	}
	body := token[:separator]

	signature, err := tokenEncoding.DecodeString(token[separator+1:])
	if err != nil {
		return ResponseToken{}, invalidResponseToken(ErrResponseTokenSignature, "signature encoding")
	}
	if !hmac.Equal(signature, c.sign(body)) {
		return ResponseToken{}, invalidResponseToken(ErrResponseTokenSignature, "digest")
	}

	raw, err := tokenEncoding.DecodeString(body)
	if err != nil {
		return ResponseToken{}, invalidResponseToken(ErrMalformedResponseToken, "payload encoding")
	}
	var payload responseTokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ResponseToken{}, invalidResponseToken(ErrMalformedResponseToken, "payload json")
	}
	if payload.SurveyID == "" || payload.RecipientID == "" || payload.OptionID == "" || payload.ExpiresAt <= 0 {
		return ResponseToken{}, invalidResponseToken(ErrMalformedResponseToken, "payload fields")
	}

	expiresAt := time.Unix(payload.ExpiresAt, 0).UTC()
	if !c.clock().Before(expiresAt) {
		return ResponseToken{}, invalidResponseToken(ErrResponseTokenExpired, expiresAt.Format(time.RFC3339))
	}

	decoded := ResponseToken{
		SurveyID:    payload.SurveyID,
		RecipientID: payload.RecipientID,
		OptionID:    payload.OptionID,
		ExpiresAt:   expiresAt,
		Nonce:       payload.Nonce,
	}
	if payload.IssuedAt > 0 {
		decoded.IssuedAt = time.Unix(payload.IssuedAt, 0).UTC()
	}
	return decoded, nil
}

// GenerateRecipientID derives the pseudonymous recipient identifier. A non-empty email always maps
// to the same id; an empty email yields a fresh random one.
func (c *ResponseTokenCodec) GenerateRecipientID(email string) (string, error) {
	source := email
	if source == "" {
		random := make([]byte, recipientSourceBytes)
		if _, err := rand.Read(random); err != nil {
			return "", fmt.Errorf("response token codec: recipient source: %w", err)
		}
		source = hex.EncodeToString(random)
	}
	digest := sha256.New()
	digest.Write([]byte(source))
	digest.Write(c.keys.current())
	return hex.EncodeToString(digest.Sum(nil))[:recipientIDLength], nil
}

func (c *ResponseTokenCodec) sign(body string) []byte {
	mac := hmac.New(sha256.New, c.keys.current())
	mac.Write([]byte(body))
	return mac.Sum(nil)
}

func invalidResponseToken(cause error, detail string) error {
	return fmt.Errorf("%w: %w (%s)", ErrInvalidResponseToken, cause, detail)
}
