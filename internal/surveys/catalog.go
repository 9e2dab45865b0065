package surveys

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrOptionNotFound indicates the survey has no option with the requested id.
	ErrOptionNotFound = errors.New("surveys: option not found")
	// ErrSurveyNotFound indicates the survey does not exist or is archived.
	ErrSurveyNotFound = errors.New("surveys: survey not found")

	errMissingDatabase = errors.New("surveys: database handle is required")
)

// Catalog reads surveys and their options.
type Catalog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCatalog constructs a catalog over the shared database handle.
func NewCatalog(db *gorm.DB, logger *zap.Logger) (*Catalog, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{db: db, logger: logger}, nil
}

// LookupOption returns the label and emoji of optionID within surveyID.
func (c *Catalog) LookupOption(ctx context.Context, surveyID, optionID string) (Option, error) {
	var record SurveyOption
	err := c.db.WithContext(ctx).
		Where("survey_id = ? AND id = ?", surveyID, optionID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Option{}, fmt.Errorf("%w: survey %s option %s", ErrOptionNotFound, surveyID, optionID)
	}
	if err != nil {
		c.logger.Error("survey option lookup failed",
			zap.String("survey_id", surveyID),
			zap.String("option_id", optionID),
			zap.Error(err))
		return Option{}, err
	}
	return toOption(record), nil
}

// ListOptions returns the options of an active survey ordered by position.
func (c *Catalog) ListOptions(ctx context.Context, surveyID string) ([]Option, error) {
	var survey Survey
	err := c.db.WithContext(ctx).
		Where("id = ? AND archived = ?", surveyID, false).
		Take(&survey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSurveyNotFound, surveyID)
	}
	if err != nil {
		return nil, err
	}

	var records []SurveyOption
	if err := c.db.WithContext(ctx).
		Where("survey_id = ?", surveyID).
		Order("position ASC").
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	options := make([]Option, 0, len(records))
	for _, record := range records {
		options = append(options, toOption(record))
	}
	return options, nil
}

func toOption(record SurveyOption) Option {
	return Option{
		ID:       record.ID,
		SurveyID: record.SurveyID,
		Label:    record.Label,
		Emoji:    record.Emoji,
	}
}
