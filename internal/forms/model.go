package forms

import (
	"time"

	"gorm.io/datatypes"
)

// FieldType enumerates the provider field types the pipeline treats specially.
type FieldType string

const (
	FieldTypeGroup          FieldType = "group"
	FieldTypeMultipleChoice FieldType = "multiple_choice"
	FieldTypeYesNo          FieldType = "yes_no"
	FieldTypeOpinionScale   FieldType = "opinion_scale"
	FieldTypeStatement      FieldType = "statement"
)

const defaultOpinionScaleSteps = 11

// Form is one external form identity.
type Form struct {
	ID           string     `gorm:"column:id;primaryKey;size:64;not null"`
	ExternalID   string     `gorm:"column:external_id;size:190;not null;uniqueIndex"`
	Title        string     `gorm:"column:title;size:512;not null;default:''"`
	Workspace    string     `gorm:"column:workspace;size:512;not null;default:''"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Form) TableName() string {
	return "forms"
}

// FieldVersion is one historical snapshot of a form field.
type FieldVersion struct {
	ID              string         `gorm:"column:id;primaryKey;size:64;not null"`
	FormID          string         `gorm:"column:form_id;size:64;not null;index:idx_field_versions_form_field,priority:1"`
	ExternalFieldID string         `gorm:"column:external_field_id;size:190;not null;index:idx_field_versions_form_field,priority:2"`
	Title           string         `gorm:"column:title;type:text;not null;default:''"`
	Type            FieldType      `gorm:"column:type;size:64;not null"`
	Ref             string         `gorm:"column:ref;size:190;not null;default:''"`
	Properties      datatypes.JSON `gorm:"column:properties"`
	ParentVersionID *string        `gorm:"column:parent_version_id;size:64;index"`
	HierarchyLevel  int            `gorm:"column:hierarchy_level;not null;default:0"`
	DisplayOrder    int            `gorm:"column:display_order;not null;default:0"`
	VersionDate     time.Time      `gorm:"column:version_date;not null"`
	IsActive        bool           `gorm:"column:is_active;not null;default:true;index:idx_field_versions_form_field,priority:3"`
	IsScored        bool           `gorm:"column:is_scored;not null;default:false"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (FieldVersion) TableName() string {
	return "field_versions"
}

// ChoiceVersion is one historical snapshot of a selectable option.
type ChoiceVersion struct {
	ID               string    `gorm:"column:id;primaryKey;size:64;not null"`
	FormID           string    `gorm:"column:form_id;size:64;not null;index:idx_choice_versions_lookup,priority:1"`
	FieldVersionID   string    `gorm:"column:field_version_id;size:64;not null;index"`
	ExternalFieldID  string    `gorm:"column:external_field_id;size:190;not null;index:idx_choice_versions_lookup,priority:2"`
	ExternalChoiceID string    `gorm:"column:external_choice_id;size:190;not null;index:idx_choice_versions_lookup,priority:3"`
	Label            string    `gorm:"column:label;type:text;not null;default:''"`
	Ref              string    `gorm:"column:ref;size:190;not null;default:''"`
	DisplayOrder     int       `gorm:"column:display_order;not null;default:0"`
	IsSynthetic      bool      `gorm:"column:is_synthetic;not null;default:false"`
	VersionDate      time.Time `gorm:"column:version_date;not null"`
	IsActive         bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ChoiceVersion) TableName() string {
	return "choice_versions"
}

// storedProperties is the persisted subset of provider properties. Nested child
// fields are versioned as their own rows and never stored on the parent.
type storedProperties struct {
	Description            string            `json:"description,omitempty"`
	ChoiceIDs              []string          `json:"choice_ids,omitempty"`
	Steps                  *int              `json:"steps,omitempty"`
	StartAtOne             bool              `json:"start_at_one,omitempty"`
	AllowMultipleSelection bool              `json:"allow_multiple_selection,omitempty"`
	AllowOtherChoice       bool              `json:"allow_other_choice,omitempty"`
	Required               bool              `json:"required,omitempty"`
	Labels                 map[string]string `json:"labels,omitempty"`
}

// AllowsMultiple reports whether the version was synced as a multi-select field.
func (f FieldVersion) AllowsMultiple() bool {
	properties, err := decodeStoredProperties(f.Properties)
	if err != nil {
		return false
	}
	return properties.AllowMultipleSelection
}
