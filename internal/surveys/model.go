package surveys

// Survey is the owner-defined question. Only the fields read by response intake and link
// issuance are modelled; settings stay an opaque JSON document.
type Survey struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID      string `gorm:"column:user_id;size:190;not null;index:idx_surveys_user_id"`
	Title        string `gorm:"column:title;not null"`
	Description  string `gorm:"column:description"`
	Type         string `gorm:"column:type;size:32;not null"`
	SettingsJSON string `gorm:"column:settings;type:text;not null;default:'{}'"`
	Archived     bool   `gorm:"column:archived;not null;default:false"`
	CreatedAtS   int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Survey) TableName() string {
	return "surveys"
}

// SurveyOption is one clickable answer of a survey.
type SurveyOption struct {
	ID       string `gorm:"column:id;primaryKey;size:190;not null"`
	SurveyID string `gorm:"column:survey_id;size:190;not null;index:idx_survey_options_survey_id"`
	Label    string `gorm:"column:label;not null"`
	Value    string `gorm:"column:value;not null"`
	Emoji    string `gorm:"column:emoji;size:32"`
	Color    string `gorm:"column:color;size:32"`
	Position int    `gorm:"column:position;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SurveyOption) TableName() string {
	return "survey_options"
}

// Option is the read model handed to callers.
type Option struct {
	ID       string
	SurveyID string
	Label    string
	Emoji    string
}
