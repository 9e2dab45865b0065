package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/adseeker/tinyengage/internal/auth"
	"github.com/adseeker/tinyengage/internal/config"
	"github.com/adseeker/tinyengage/internal/database"
	"github.com/adseeker/tinyengage/internal/links"
	"github.com/adseeker/tinyengage/internal/responses"
	"github.com/adseeker/tinyengage/internal/risk"
	"github.com/adseeker/tinyengage/internal/server"
	"github.com/adseeker/tinyengage/internal/surveys"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errOperatorAPIDisabled = errors.New("operator.signing_secret is not configured")

type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	intake    *responses.Service
	links     *links.Issuer
	feed      *server.ResponseFeed
	operators *auth.OperatorValidator
}

func newApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger, db: db, feed: server.NewResponseFeed(0)}

	codec, err := auth.NewResponseTokenCodec(auth.ResponseTokenCodecConfig{
		SigningKey:        []byte(appConfig.TokenSigningSecret),
		DefaultExpiration: appConfig.TokenExpiration,
		Clock:             time.Now,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	scorer, err := risk.NewScorer(risk.ScorerConfig{
		Penalties:   appConfig.Bot.Penalties,
		Threshold:   appConfig.Bot.Threshold,
		TimingFloor: appConfig.Bot.TimingFloor,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	catalog, err := surveys.NewCatalog(db, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	store, err := responses.NewGormStore(db)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.intake, err = responses.NewService(responses.ServiceConfig{
		Store:   store,
		Codec:   codec,
		Scorer:  scorer,
		Catalog: catalog,
		Sequential: responses.SequentialPolicy{
			Window:   appConfig.Bot.SequentialWindow,
			MinPrior: appConfig.Bot.SequentialMinPrior,
		},
		Notifier:   app.feed,
		Clock:      time.Now,
		IDProvider: responses.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.links, err = links.NewIssuer(links.IssuerConfig{
		Codec:   codec,
		Catalog: catalog,
		BaseURL: appConfig.PublicBaseURL,
		Logger:  logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	if appConfig.OperatorAPIEnabled() {
		app.operators, err = auth.NewOperatorValidator(operatorTokenConfig(appConfig))
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	return app, nil
}

func (a *application) httpHandler() (http.Handler, error) {
	deps := server.Dependencies{
		Intake:         a.intake,
		Links:          a.links,
		Feed:           a.feed,
		ThankYouPath:   a.config.ThankYouPath,
		TrustedProxies: a.config.TrustedProxies,
		AllowedOrigins: a.config.AllowedOrigins,
		Logger:         a.logger,
	}
	if a.operators != nil {
		deps.Operators = a.operators
	}
	return server.NewHTTPHandler(deps)
}

func (a *application) Close() {
	if a == nil || a.db == nil {
		return
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func operatorTokenConfig(appConfig config.AppConfig) auth.OperatorTokenConfig {
	return auth.OperatorTokenConfig{
		SigningSecret: []byte(appConfig.OperatorSigningSecret),
		Issuer:        appConfig.OperatorIssuer,
		Audience:      appConfig.OperatorAudience,
		TokenTTL:      appConfig.OperatorTokenTTL,
		Clock:         time.Now,
	}
}

func newOperatorIssuer(appConfig config.AppConfig) (*auth.OperatorTokenIssuer, error) {
	if !appConfig.OperatorAPIEnabled() {
		return nil, errOperatorAPIDisabled
	}
	return auth.NewOperatorTokenIssuer(operatorTokenConfig(appConfig))
}
