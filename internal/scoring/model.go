package scoring

import (
	"time"

	"gorm.io/datatypes"
)

// TargetType names the kind of entity a rule is bound to.
type TargetType string

const (
	TargetField  TargetType = "field"
	TargetChoice TargetType = "choice"
)

// Color is a triage signal.
type Color string

const (
	ColorRed    Color = "red"
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
	ColorNA     Color = "na"
)

// Valid reports whether the color is one of the four triage signals.
func (c Color) Valid() bool {
	switch c {
	case ColorRed, ColorYellow, ColorGreen, ColorNA:
		return true
	}
	return false
}

// Rule maps a field or choice version to a color, optionally gated by criteria.
type Rule struct {
	ID         string         `gorm:"column:id;primaryKey;size:64;not null"`
	FormID     string         `gorm:"column:form_id;size:64;not null;index"`
	TargetType TargetType     `gorm:"column:target_type;size:16;not null"`
	TargetID   string         `gorm:"column:target_id;size:64;not null;index"`
	ScoreValue Color          `gorm:"column:score_value;size:16;not null"`
	Criteria   datatypes.JSON `gorm:"column:criteria"`
	IsActive   bool           `gorm:"column:is_active;not null;default:true;index"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Rule) TableName() string {
	return "scoring_rules"
}

// Criteria is the structured match condition stored on a rule.
type Criteria struct {
	Answer     string `json:"answer,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// Summary is the aggregate outcome of one scoring run.
type Summary struct {
	RedCount      int  `json:"red_count"`
	YellowCount   int  `json:"yellow_count"`
	GreenCount    int  `json:"green_count"`
	TotalScore    int  `json:"total_score"`
	AnswersScored int  `json:"answers_scored"`
	AnswersTotal  int  `json:"answers_total"`
	Partial       bool `json:"partial"`
}

// TotalScore weighs decisive signals at three and the yellow soft flag at one.
func TotalScore(red, yellow, green int) int {
	return 3*green - 3*red - yellow
}

// ScoreEvent is published after a score has been persisted.
type ScoreEvent struct {
	ApplicationID string    `json:"application_id"`
	FormID        string    `json:"form_id"`
	Summary       Summary   `json:"summary"`
	ScoredAt      time.Time `json:"scored_at"`
}
