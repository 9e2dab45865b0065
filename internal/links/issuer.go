// Package links builds the per-option response URLs embedded in survey emails.
package links

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/adseeker/tinyengage/internal/surveys"
	"go.uber.org/zap"
)

const redeemPath = "/r"

var (
	ErrMissingSurveyID = errors.New("links: survey id is required")
	ErrNoOptions       = errors.New("links: survey has no options")

	errMissingCodec   = errors.New("links: token codec is required")
	errMissingCatalog = errors.New("links: survey catalog is required")
	errInvalidBaseURL = errors.New("links: base url must be absolute")
)

// TokenIssuer mints response tokens and recipient identifiers.
type TokenIssuer interface {
	Issue(surveyID, recipientID, optionID string, expiration time.Duration) (string, error)
	GenerateRecipientID(email string) (string, error)
	DefaultExpiration() time.Duration
}

// OptionLister lists the options of a survey in display order.
type OptionLister interface {
	ListOptions(ctx context.Context, surveyID string) ([]surveys.Option, error)
}

// IssuerConfig wires the link issuer.
type IssuerConfig struct {
	Codec   TokenIssuer
	Catalog OptionLister
	BaseURL string
	Clock   func() time.Time
	Logger  *zap.Logger
}

// IssueRequest names the survey and, optionally, the recipient email.
// Without an email every call yields a fresh anonymous recipient.
type IssueRequest struct {
	SurveyID   string
	Email      string
	Expiration time.Duration
}

// Link is the response URL for one option.
type Link struct {
	OptionID string `json:"optionId"`
	Label    string `json:"label"`
	Emoji    string `json:"emoji,omitempty"`
	URL      string `json:"url"`
}

// IssuedLinks is the full set of links for one recipient.
type IssuedLinks struct {
	SurveyID    string    `json:"surveyId"`
	RecipientID string    `json:"recipientId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Links       []Link    `json:"links"`
}

// Issuer signs response links.
type Issuer struct {
	codec   TokenIssuer
	catalog OptionLister
	baseURL *url.URL
	clock   func() time.Time
	logger  *zap.Logger
}

// NewIssuer validates the configuration and constructs an Issuer.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Codec == nil {
		return nil, errMissingCodec
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	baseURL, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, errInvalidBaseURL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{codec: cfg.Codec, catalog: cfg.Catalog, baseURL: baseURL, clock: clock, logger: logger}, nil
}

// Issue returns one signed URL per survey option, all bound to the same recipient.
func (i *Issuer) Issue(ctx context.Context, request IssueRequest) (IssuedLinks, error) {
	surveyID := strings.TrimSpace(request.SurveyID)
	if surveyID == "" {
		return IssuedLinks{}, ErrMissingSurveyID
	}

	options, err := i.catalog.ListOptions(ctx, surveyID)
	if err != nil {
		return IssuedLinks{}, err
	}
	if len(options) == 0 {
		return IssuedLinks{}, fmt.Errorf("%w: %s", ErrNoOptions, surveyID)
	}

	recipientID, err := i.codec.GenerateRecipientID(strings.TrimSpace(request.Email))
	if err != nil {
		return IssuedLinks{}, err
	}

	expiration := request.Expiration
	if expiration <= 0 {
		expiration = i.codec.DefaultExpiration()
	}

	issued := IssuedLinks{
		SurveyID:    surveyID,
		RecipientID: recipientID,
		ExpiresAt:   i.clock().UTC().Add(expiration).Truncate(time.Second),
		Links:       make([]Link, 0, len(options)),
	}
	for _, option := range options {
		token, err := i.codec.Issue(surveyID, recipientID, option.ID, expiration)
		if err != nil {
			return IssuedLinks{}, err
		}
		issued.Links = append(issued.Links, Link{
			OptionID: option.ID,
			Label:    option.Label,
			Emoji:    option.Emoji,
			URL:      i.redeemURL(token),
		})
	}

	i.logger.Debug("response links issued",
		zap.String("survey_id", surveyID),
		zap.String("recipient_id", recipientID),
		zap.Int("links", len(issued.Links)))

	return issued, nil
}

func (i *Issuer) redeemURL(token string) string {
	target := *i.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + redeemPath
	target.RawQuery = url.Values{"tok": []string{token}}.Encode()
	return target.String()
}
