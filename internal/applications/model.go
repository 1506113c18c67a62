package applications

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the case-management state of an Application.
type Status string

const (
	StatusPending   Status = "pending"
	StatusNew       Status = "new"
	StatusReviewing Status = "reviewing"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

// Participant is a person identified by email who submits applications.
type Participant struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	Email     string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	FirstName string    `gorm:"column:first_name;size:190;not null;default:''"`
	LastName  string    `gorm:"column:last_name;size:190;not null;default:''"`
	Phone     string    `gorm:"column:phone;size:64;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "participants"
}

// Application is one submission, unique per provider response token.
type Application struct {
	ID                   string         `gorm:"column:id;primaryKey;size:64;not null"`
	ParticipantID        string         `gorm:"column:participant_id;size:64;not null;index"`
	FormID               string         `gorm:"column:form_id;size:64;not null;index"`
	TypeformResponseID   string         `gorm:"column:typeform_response_id;size:190;not null;uniqueIndex"`
	Status               Status         `gorm:"column:status;size:32;not null;default:'pending'"`
	SubmittedAt          *time.Time     `gorm:"column:submitted_at"`
	RawPayload           datatypes.JSON `gorm:"column:raw_payload"`
	RawAnswers           datatypes.JSON `gorm:"column:raw_answers"`
	AnswersProcessed     bool           `gorm:"column:answers_processed;not null;default:false"`
	AnswersProcessedAt   *time.Time     `gorm:"column:answers_processed_at"`
	ProcessedAnswerCount int            `gorm:"column:processed_answer_count;not null;default:0"`
	SkippedAnswerCount   int            `gorm:"column:skipped_answer_count;not null;default:0"`
	RedCount             int            `gorm:"column:red_count;not null;default:0"`
	YellowCount          int            `gorm:"column:yellow_count;not null;default:0"`
	GreenCount           int            `gorm:"column:green_count;not null;default:0"`
	CalculatedScore      *int           `gorm:"column:calculated_score"`
	ScoredAt             *time.Time     `gorm:"column:scored_at"`
	CreatedAt            time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Application) TableName() string {
	return "applications"
}

// FullyProcessed reports whether answers were ingested and a score was written.
func (a Application) FullyProcessed() bool {
	return a.AnswersProcessed && a.CalculatedScore != nil
}

// FieldResponse is one answered field, or one selected choice of a multi-select field.
type FieldResponse struct {
	ID              string    `gorm:"column:id;primaryKey;size:64;not null"`
	ApplicationID   string    `gorm:"column:application_id;size:64;not null;uniqueIndex:idx_field_response_identity,priority:1"`
	FieldVersionID  string    `gorm:"column:field_version_id;size:64;not null;uniqueIndex:idx_field_response_identity,priority:2"`
	ChoiceKey       string    `gorm:"column:choice_key;size:190;not null;default:'';uniqueIndex:idx_field_response_identity,priority:3"`
	ChoiceVersionID *string   `gorm:"column:choice_version_id;size:64"`
	ResponseValue   string    `gorm:"column:response_value;type:text;not null;default:''"`
	Score           *string   `gorm:"column:score;size:16"`
	IsMultiSelect   bool      `gorm:"column:is_multi_select;not null;default:false"`
	IsRaw           bool      `gorm:"column:is_raw;not null;default:false"`
	Position        int       `gorm:"column:position;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (FieldResponse) TableName() string {
	return "application_field_responses"
}
