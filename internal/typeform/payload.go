package typeform

import (
	"encoding/json"
	"strings"
	"time"
)

// EventTypeFormResponse is the only webhook event the intake pipeline accepts.
const EventTypeFormResponse = "form_response"

// WebhookPayload is the envelope delivered by the form provider on submission.
type WebhookPayload struct {
	EventID      string       `json:"event_id"`
	EventType    string       `json:"event_type"`
	FormResponse FormResponse `json:"form_response"`
}

// FormResponse carries one respondent's submission.
type FormResponse struct {
	FormID      string            `json:"form_id"`
	Token       string            `json:"token"`
	LandedAt    *time.Time        `json:"landed_at,omitempty"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
	Hidden      map[string]string `json:"hidden,omitempty"`
	Definition  Definition        `json:"definition"`
	Answers     []Answer          `json:"answers"`
}

// Definition is the snapshot of the form schema embedded in a webhook.
type Definition struct {
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Fields []FieldDefinition `json:"fields"`
}

// FieldDefinition describes a field as seen by the webhook definition block.
type FieldDefinition struct {
	ID                      string           `json:"id"`
	Title                   string           `json:"title"`
	Type                    string           `json:"type"`
	Ref                     string           `json:"ref"`
	AllowMultipleSelections bool             `json:"allow_multiple_selections"`
	AllowOtherChoice        bool             `json:"allow_other_choice"`
	Choices                 []Choice         `json:"choices,omitempty"`
	Properties              *FieldProperties `json:"properties,omitempty"`
}

// AllowsMultiple reports whether the definition marks the field as multi-select.
func (d FieldDefinition) AllowsMultiple() bool {
	if d.AllowMultipleSelections {
		return true
	}
	return d.Properties != nil && d.Properties.AllowMultipleSelection
}

// AnswerField references the field an answer belongs to.
type AnswerField struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// ChoiceAnswer is a single selected option as sent on the wire.
type ChoiceAnswer struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label,omitempty"`
	Ref   string `json:"ref,omitempty"`
	Other string `json:"other,omitempty"`
}

// Answer is one answered field. Choice payloads are normalized into Selection on decode.
type Answer struct {
	Type        string          `json:"type"`
	Field       AnswerField     `json:"field"`
	Text        string          `json:"text,omitempty"`
	Email       string          `json:"email,omitempty"`
	PhoneNumber string          `json:"phone_number,omitempty"`
	Date        string          `json:"date,omitempty"`
	URL         string          `json:"url,omitempty"`
	FileURL     string          `json:"file_url,omitempty"`
	Number      *float64        `json:"number,omitempty"`
	Boolean     *bool           `json:"boolean,omitempty"`
	Choice      *ChoiceAnswer   `json:"choice,omitempty"`
	Choices     json.RawMessage `json:"choices,omitempty"`

	Selection Selection       `json:"-"`
	raw       json.RawMessage `json:"-"`
}

type answerAlias Answer

// UnmarshalJSON decodes the wire answer and resolves its choice shape into a Selection.
func (a *Answer) UnmarshalJSON(data []byte) error {
	var decoded answerAlias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*a = Answer(decoded)
	a.raw = append(json.RawMessage(nil), data...)
	a.Selection = selectionFromWire(a.Choice, a.Choices)
	return nil
}

// Raw returns the answer exactly as it was received, or a re-encoding when it was built in code.
func (a Answer) Raw() json.RawMessage {
	if len(a.raw) > 0 {
		return a.raw
	}
	encoded, err := json.Marshal(answerAlias(a))
	if err != nil {
		return nil
	}
	return encoded
}

// ParticipantEmail returns the first answered email, falling back to the hidden email field.
func (r FormResponse) ParticipantEmail() string {
	for _, answer := range r.Answers {
		if answer.Type == "email" {
			if email := strings.TrimSpace(answer.Email); email != "" {
				return strings.ToLower(email)
			}
		}
	}
	return strings.ToLower(strings.TrimSpace(r.Hidden["email"]))
}

// FieldDefinitionsByID indexes the embedded definition by field id.
func (r FormResponse) FieldDefinitionsByID() map[string]FieldDefinition {
	definitions := make(map[string]FieldDefinition, len(r.Definition.Fields))
	for _, field := range r.Definition.Fields {
		definitions[field.ID] = field
	}
	return definitions
}
