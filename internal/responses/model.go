package responses

import (
	"encoding/json"
	"time"

	"github.com/adseeker/tinyengage/internal/risk"
)

// EventTypeResponseSubmitted is the audit event written with every accepted response.
const EventTypeResponseSubmitted = "response_submitted"

// Response is the durable answer of one recipient to one survey.
// The unique index on (survey_id, recipient_id) backs the one-response-per-recipient rule.
type Response struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null"`
	SurveyID     string `gorm:"column:survey_id;size:190;not null;uniqueIndex:idx_responses_survey_recipient,priority:1"`
	RecipientID  string `gorm:"column:recipient_id;size:190;not null;uniqueIndex:idx_responses_survey_recipient,priority:2"`
	OptionID     string `gorm:"column:option_id;size:190;not null"`
	MetadataJSON string `gorm:"column:metadata;type:text;not null"`
	CreatedAtS   int64  `gorm:"column:created_at_s;not null;index:idx_responses_created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Response) TableName() string {
	return "responses"
}

// ResponseEvent is an append-only audit row.
type ResponseEvent struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	ResponseID  string `gorm:"column:response_id;size:190;not null;index:idx_response_events_response_id"`
	EventType   string `gorm:"column:event_type;size:64;not null"`
	IPAddress   string `gorm:"column:ip_address;size:64;index:idx_response_events_ip_time,priority:1"`
	UserAgent   string `gorm:"column:user_agent;type:text"`
	OccurredAtS int64  `gorm:"column:occurred_at_s;not null;index:idx_response_events_ip_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ResponseEvent) TableName() string {
	return "response_events"
}

// BotScoreRecord persists the risk score of a response.
// IsConfirmed is reserved for manual review and never set by intake.
type BotScoreRecord struct {
	ResponseID  string `gorm:"column:response_id;primaryKey;size:190;not null"`
	Score       int    `gorm:"column:score;not null"`
	FactorsJSON string `gorm:"column:factors;type:text;not null"`
	IsConfirmed bool   `gorm:"column:is_confirmed;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (BotScoreRecord) TableName() string {
	return "bot_scores"
}

// Metadata is the immutable request summary attached to a response.
type Metadata struct {
	UserAgent string    `json:"userAgent"`
	IPAddress string    `json:"ipAddress"`
	Timestamp time.Time `json:"timestamp"`
	IsBot     bool      `json:"isBot"`
	BotScore  int       `json:"botScore"`
}

// Bundle groups the three rows written atomically for an accepted redemption.
type Bundle struct {
	Response Response
	Event    ResponseEvent
	BotScore BotScoreRecord
}

func newBundle(ids [2]string, submission submission) (Bundle, error) {
	responseID, eventID := ids[0], ids[1]
	metadata, err := json.Marshal(Metadata{
		UserAgent: submission.userAgent,
		IPAddress: submission.ipAddress,
		Timestamp: submission.submittedAt,
		IsBot:     submission.isBot,
		BotScore:  submission.score.Total(),
	})
	if err != nil {
		return Bundle{}, err
	}
	factors, err := json.Marshal(submission.score)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{
		Response: Response{
			ID:           responseID,
			SurveyID:     submission.surveyID,
			RecipientID:  submission.recipientID,
			OptionID:     submission.optionID,
			MetadataJSON: string(metadata),
			CreatedAtS:   submission.submittedAt.Unix(),
		},
		Event: ResponseEvent{
			ID:          eventID,
			ResponseID:  responseID,
			EventType:   EventTypeResponseSubmitted,
			IPAddress:   submission.ipAddress,
			UserAgent:   submission.userAgent,
			OccurredAtS: submission.submittedAt.Unix(),
		},
		BotScore: BotScoreRecord{
			ResponseID:  responseID,
			Score:       submission.score.Total(),
			FactorsJSON: string(factors),
		},
	}, nil
}

type submission struct {
	surveyID    string
	recipientID string
	optionID    string
	userAgent   string
	ipAddress   string
	submittedAt time.Time
	score       risk.Score
	isBot       bool
}
