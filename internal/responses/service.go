package responses

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adseeker/tinyengage/internal/auth"
	"github.com/adseeker/tinyengage/internal/risk"
	"github.com/adseeker/tinyengage/internal/surveys"
	"go.uber.org/zap"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingStore      = errors.New("response store is required")
	errMissingCodec      = errors.New("token codec is required")
	errMissingScorer     = errors.New("risk scorer is required")
	errMissingCatalog    = errors.New("survey catalog is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "responses.service.new"
	opRedeem     = "responses.redeem"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Outcome is the terminal state of a redemption.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Reason explains a rejected outcome.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonBadRequest    Reason = "bad_request"
	ReasonInvalidToken  Reason = "invalid_token"
	ReasonInternalError Reason = "internal_error"
)

// TokenDecoder verifies response tokens.
type TokenDecoder interface {
	Decode(token string) (auth.ResponseToken, error)
	DefaultExpiration() time.Duration
}

// RiskScorer assigns the bot score of a submission.
type RiskScorer interface {
	Score(signals risk.Signals) risk.Score
	IsBot(score risk.Score) bool
}

// SurveyCatalog resolves the confirmation label of an option.
type SurveyCatalog interface {
	LookupOption(ctx context.Context, surveyID, optionID string) (surveys.Option, error)
}

// RecordedEvent describes an accepted response to live subscribers.
type RecordedEvent struct {
	SurveyID   string
	ResponseID string
	OptionID   string
	Score      int
	IsBot      bool
	RecordedAt time.Time
}

// RecordedNotifier receives accepted responses after they are committed.
type RecordedNotifier interface {
	ResponseRecorded(event RecordedEvent)
}

// SequentialPolicy configures the same-IP burst detector. A zero Window disables it.
type SequentialPolicy struct {
	Window   time.Duration
	MinPrior int
}

// ServiceConfig wires the intake dependencies.
type ServiceConfig struct {
	Store      Store
	Codec      TokenDecoder
	Scorer     RiskScorer
	Catalog    SurveyCatalog
	Sequential SequentialPolicy
	Notifier   RecordedNotifier
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Redemption is one inbound click on a response link.
type Redemption struct {
	Token       string
	UserAgent   string
	IPAddress   string
	HeadRequest bool
}

// Decision is the result of Redeem.
type Decision struct {
	Outcome     Outcome
	Reason      Reason
	SurveyID    string
	ResponseID  string
	Score       risk.Score
	IsBot       bool
	OptionLabel string
	OptionEmoji string
}

// Service decides and records response redemptions.
type Service struct {
	store      Store
	codec      TokenDecoder
	scorer     RiskScorer
	catalog    SurveyCatalog
	sequential SequentialPolicy
	notifier   RecordedNotifier
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the intake service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Codec == nil {
		return nil, newServiceError(opServiceNew, "missing_codec", errMissingCodec)
	}
	if cfg.Scorer == nil {
		return nil, newServiceError(opServiceNew, "missing_scorer", errMissingScorer)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_catalog", errMissingCatalog)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	sequential := cfg.Sequential
	if sequential.MinPrior <= 0 {
		sequential.MinPrior = 1
	}

	return &Service{
		store:      cfg.Store,
		codec:      cfg.Codec,
		scorer:     cfg.Scorer,
		catalog:    cfg.Catalog,
		sequential: sequential,
		notifier:   cfg.Notifier,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Redeem verifies the token, rejects duplicates, scores the request and records the response.
// Bot-flagged submissions are recorded with their score rather than dropped.
func (s *Service) Redeem(ctx context.Context, redemption Redemption) Decision {
	rawToken := strings.TrimSpace(redemption.Token)
	if rawToken == "" {
		return rejected(ReasonBadRequest)
	}

	token, err := s.codec.Decode(rawToken)
	if err != nil {
		s.logger.Info("response token rejected",
			zap.String("operation", opRedeem),
			zap.String("ip_address", redemption.IPAddress),
			zap.Error(err))
		return rejected(ReasonInvalidToken)
	}

	existing, found, err := s.store.FindResponse(ctx, token.SurveyID, token.RecipientID)
	if err != nil {
		s.logError(opRedeem, "duplicate_check_failed", err, zap.String("survey_id", token.SurveyID))
		return rejected(ReasonInternalError)
	}
	if found {
		s.logger.Info("duplicate response ignored",
			zap.String("survey_id", token.SurveyID),
			zap.String("response_id", existing.ID))
		return Decision{Outcome: OutcomeDuplicate, SurveyID: token.SurveyID, ResponseID: existing.ID}
	}

	now := s.clock().UTC()
	score := s.scorer.Score(risk.Signals{
		UserAgent:         redemption.UserAgent,
		IPAddress:         redemption.IPAddress,
		Elapsed:           now.Sub(token.IssuedAtEstimate(s.codec.DefaultExpiration())),
		MalformedRequest:  redemption.HeadRequest,
		SequentialPattern: s.detectSequentialPattern(ctx, token.SurveyID, redemption.IPAddress, now),
	})
	isBot := s.scorer.IsBot(score)

	bundle, err := s.buildBundle(submission{
		surveyID:    token.SurveyID,
		recipientID: token.RecipientID,
		optionID:    token.OptionID,
		userAgent:   redemption.UserAgent,
		ipAddress:   redemption.IPAddress,
		submittedAt: now,
		score:       score,
		isBot:       isBot,
	})
	if err != nil {
		return rejected(ReasonInternalError)
	}

	if err := s.store.InsertResponseBundle(ctx, bundle); err != nil {
		if errors.Is(err, ErrDuplicateResponse) {
			s.logger.Info("duplicate response lost insert race",
				zap.String("survey_id", token.SurveyID))
			return Decision{Outcome: OutcomeDuplicate, SurveyID: token.SurveyID}
		}
		s.logError(opRedeem, "persist_failed", err, zap.String("survey_id", token.SurveyID))
		return rejected(ReasonInternalError)
	}

	decision := Decision{
		Outcome:    OutcomeAccepted,
		SurveyID:   token.SurveyID,
		ResponseID: bundle.Response.ID,
		Score:      score,
		IsBot:      isBot,
	}

	option, err := s.catalog.LookupOption(ctx, token.SurveyID, token.OptionID)
	if err != nil {
		s.logger.Warn("response option lookup failed",
			zap.String("survey_id", token.SurveyID),
			zap.String("option_id", token.OptionID),
			zap.Error(err))
	} else {
		decision.OptionLabel = option.Label
		decision.OptionEmoji = option.Emoji
	}

	s.logger.Info("response recorded",
		zap.String("survey_id", token.SurveyID),
		zap.String("response_id", decision.ResponseID),
		zap.Int("bot_score", score.Total()),
		zap.Bool("is_bot", isBot))

	if s.notifier != nil {
		s.notifier.ResponseRecorded(RecordedEvent{
			SurveyID:   token.SurveyID,
			ResponseID: decision.ResponseID,
			OptionID:   token.OptionID,
			Score:      score.Total(),
			IsBot:      isBot,
			RecordedAt: now,
		})
	}

	return decision
}

func (s *Service) detectSequentialPattern(ctx context.Context, surveyID, ipAddress string, now time.Time) bool {
	if s.sequential.Window <= 0 || ipAddress == "" {
		return false
	}
	count, err := s.store.CountRecentSubmissions(ctx, surveyID, ipAddress, now.Add(-s.sequential.Window))
	if err != nil {
		s.logger.Warn("sequential pattern check failed",
			zap.String("survey_id", surveyID),
			zap.Error(err))
		return false
	}
	return count >= int64(s.sequential.MinPrior)
}

func (s *Service) buildBundle(sub submission) (Bundle, error) {
	var ids [2]string
	for index := range ids {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opRedeem, "id_generation_failed", err, zap.String("survey_id", sub.surveyID))
			return Bundle{}, newServiceError(opRedeem, "id_generation_failed", err)
		}
		ids[index] = id
	}
	bundle, err := newBundle(ids, sub)
	if err != nil {
		s.logError(opRedeem, "encode_failed", err, zap.String("survey_id", sub.surveyID))
		return Bundle{}, newServiceError(opRedeem, "encode_failed", err)
	}
	return bundle, nil
}

func rejected(reason Reason) Decision {
	return Decision{Outcome: OutcomeRejected, Reason: reason}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("responses service error", attrs...)
}
