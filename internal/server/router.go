package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adseeker/tinyengage/internal/auth"
	"github.com/adseeker/tinyengage/internal/links"
	"github.com/adseeker/tinyengage/internal/responses"
	"github.com/adseeker/tinyengage/internal/surveys"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	operatorSubjectContextKey = "tinyengage_operator"
	defaultThankYouPath       = "/thank-you"
	defaultHeartbeatInterval  = 25 * time.Second
)

var (
	errMissingIntake       = errors.New("intake service dependency required")
	errMissingLinkIssuer   = errors.New("link issuer dependency required when the operator api is enabled")
	errMissingFeed     = errors.New("response feed dependency required when the operator api is enabled")
	errInvalidThankYouPath = errors.New("thank you path must be an absolute path or url")
)

// Redeemer decides response link clicks.
type Redeemer interface {
	Redeem(ctx context.Context, redemption responses.Redemption) responses.Decision
}

// LinkIssuer signs per-option response links.
type LinkIssuer interface {
	Issue(ctx context.Context, request links.IssueRequest) (links.IssuedLinks, error)
}

// OperatorAuthenticator resolves the operator behind a request.
type OperatorAuthenticator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// Dependencies wires the HTTP handler. A nil Operators disables the operator API.
type Dependencies struct {
	Intake            Redeemer
	Links             LinkIssuer
	Operators         OperatorAuthenticator
	Feed              *ResponseFeed
	ThankYouPath      string
	TrustedProxies    []string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Intake == nil {
		return nil, errMissingIntake
	}
	if deps.Operators != nil {
		if deps.Links == nil {
			return nil, errMissingLinkIssuer
		}
		if deps.Feed == nil {
			return nil, errMissingFeed
		}
	}

	thankYouPath := strings.TrimSpace(deps.ThankYouPath)
	if thankYouPath == "" {
		thankYouPath = defaultThankYouPath
	}
	thankYouURL, err := url.Parse(thankYouPath)
	if err != nil || (!thankYouURL.IsAbs() && !strings.HasPrefix(thankYouURL.Path, "/")) {
		return nil, errInvalidThankYouPath
	}

	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(secureHeaders())

	handler := &httpHandler{
		intake:      deps.Intake,
		links:       deps.Links,
		operators:   deps.Operators,
		feed:        deps.Feed,
		thankYouURL: thankYouURL,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/r", handler.handleRedeem)
	router.HEAD("/r", handler.handleRedeem)

	if deps.Operators != nil {
		operator := router.Group("/surveys")
		operator.Use(handler.authorizeOperator)
		operator.POST("/:surveyId/links", handler.handleIssueLinks)
		operator.GET("/:surveyId/stream", handler.handleStream)
	} else {
		logger.Info("operator api disabled")
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// secureHeaders keeps tokens out of Referer headers and caches.
func secureHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Referrer-Policy", "no-referrer")
		header.Set("Cache-Control", "no-store")
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "DENY")
		c.Next()
	}
}

type httpHandler struct {
	intake      Redeemer
	links       LinkIssuer
	operators   OperatorAuthenticator
	feed        *ResponseFeed
	thankYouURL *url.URL
	heartbeat   time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) handleRedeem(c *gin.Context) {
	decision := h.intake.Redeem(c.Request.Context(), responses.Redemption{
		Token:       c.Query("tok"),
		UserAgent:   c.Request.UserAgent(),
		IPAddress:   c.ClientIP(),
		HeadRequest: c.Request.Method == http.MethodHead,
	})

	switch decision.Outcome {
	case responses.OutcomeAccepted:
		c.Redirect(http.StatusFound, h.thankYouLocation(url.Values{
			"survey": []string{decision.SurveyID},
			"option": []string{decision.OptionLabel},
			"emoji":  []string{decision.OptionEmoji},
		}))
	case responses.OutcomeDuplicate:
		c.Redirect(http.StatusFound, h.thankYouLocation(url.Values{
			"survey":    []string{decision.SurveyID},
			"duplicate": []string{"true"},
		}))
	default:
		switch decision.Reason {
		case responses.ReasonBadRequest, responses.ReasonInvalidToken:
			c.JSON(http.StatusBadRequest, gin.H{"error": string(decision.Reason)})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": string(responses.ReasonInternalError)})
		}
	}
}

func (h *httpHandler) thankYouLocation(values url.Values) string {
	target := *h.thankYouURL
	query := target.Query()
	for key, value := range values {
		query[key] = value
	}
	target.RawQuery = query.Encode()
	return target.String()
}

type issueLinksPayload struct {
	Email         string `json:"email"`
	ExpiresInDays int    `json:"expires_in_days"`
}

func (h *httpHandler) handleIssueLinks(c *gin.Context) {
	var request issueLinksPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil || request.ExpiresInDays < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	issued, err := h.links.Issue(c.Request.Context(), links.IssueRequest{
		SurveyID:   c.Param("surveyId"),
		Email:      request.Email,
		Expiration: time.Duration(request.ExpiresInDays) * 24 * time.Hour,
	})
	switch {
	case err == nil:
		h.logger.Info("response links issued",
			zap.String("operator", c.GetString(operatorSubjectContextKey)),
			zap.String("survey_id", issued.SurveyID))
		c.JSON(http.StatusOK, issued)
	case errors.Is(err, links.ErrMissingSurveyID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, surveys.ErrSurveyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "survey_not_found"})
	case errors.Is(err, links.ErrNoOptions):
		c.JSON(http.StatusConflict, gin.H{"error": "survey_has_no_options"})
	default:
		h.logger.Error("failed to issue response links", zap.String("survey_id", c.Param("surveyId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "link_issue_failed"})
	}
}

func (h *httpHandler) handleStream(c *gin.Context) {
	surveyID := c.Param("surveyId")
	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx, surveyID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(FeedEventResponseRecorded, newResponseRecordedPayload(event))
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(feedEventHeartbeat, heartbeatPayload{Source: feedSource, Timestamp: now.UTC()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeOperator(c *gin.Context) {
	subject, err := h.operators.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredOperatorToken) || errors.Is(err, auth.ErrMissingOperatorToken) {
			h.logger.Info("operator token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("operator token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorSubjectContextKey, subject)
	c.Next()
}
