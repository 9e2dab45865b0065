package responses

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDuplicateResponse reports that (survey, recipient) already has a response.
	ErrDuplicateResponse = errors.New("responses: duplicate response")

	errBundleMismatch = errors.New("responses: bundle rows reference different response ids")
)

// Store persists responses and their audit rows.
type Store interface {
	FindResponse(ctx context.Context, surveyID, recipientID string) (Response, bool, error)
	InsertResponseBundle(ctx context.Context, bundle Bundle) error
	CountRecentSubmissions(ctx context.Context, surveyID, ipAddress string, since time.Time) (int64, error)
}

// GormStore implements Store on a GORM handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// FindResponse reports the existing response for the pair, if any.
func (s *GormStore) FindResponse(ctx context.Context, surveyID, recipientID string) (Response, bool, error) {
	var record Response
	err := s.db.WithContext(ctx).
		Where("survey_id = ? AND recipient_id = ?", surveyID, recipientID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	return record, true, nil
}

// InsertResponseBundle writes the response, its event and its bot score atomically.
// A conflict on the (survey_id, recipient_id) index yields ErrDuplicateResponse and writes nothing.
func (s *GormStore) InsertResponseBundle(ctx context.Context, bundle Bundle) error {
	if bundle.Event.ResponseID != bundle.Response.ID || bundle.BotScore.ResponseID != bundle.Response.ID {
		return errBundleMismatch
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "survey_id"}, {Name: "recipient_id"}},
			DoNothing: true,
		}).Create(&bundle.Response)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrDuplicateResponse
		}
		if err := tx.Create(&bundle.Event).Error; err != nil {
			return err
		}
		return tx.Create(&bundle.BotScore).Error
	})
}

// CountRecentSubmissions counts response_submitted events for surveyID from ipAddress at or after since.
func (s *GormStore) CountRecentSubmissions(ctx context.Context, surveyID, ipAddress string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ResponseEvent{}).
		Joins("JOIN responses ON responses.id = response_events.response_id").
		Where("responses.survey_id = ?", surveyID).
		Where("response_events.event_type = ?", EventTypeResponseSubmitted).
		Where("response_events.ip_address = ?", ipAddress).
		Where("response_events.occurred_at_s >= ?", since.Unix()).
		Count(&count).Error
	return count, err
}
