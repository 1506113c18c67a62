package typeform

// FormDefinition is the provider's current schema for a form.
type FormDefinition struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Workspace WorkspaceLink `json:"workspace"`
	Fields    []Field       `json:"fields"`
}

// WorkspaceLink references the workspace owning a form.
type WorkspaceLink struct {
	Href string `json:"href"`
}

// Field is a provider field; group fields nest children in Properties.Fields.
type Field struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Ref         string           `json:"ref,omitempty"`
	Type        string           `json:"type"`
	Properties  FieldProperties  `json:"properties"`
	Validations FieldValidations `json:"validations"`
}

// FieldProperties holds type-specific field settings.
type FieldProperties struct {
	Description            string            `json:"description,omitempty"`
	Choices                []Choice          `json:"choices,omitempty"`
	Fields                 []Field           `json:"fields,omitempty"`
	Steps                  *int              `json:"steps,omitempty"`
	StartAtOne             bool              `json:"start_at_one,omitempty"`
	AllowMultipleSelection bool              `json:"allow_multiple_selection,omitempty"`
	AllowOtherChoice       bool              `json:"allow_other_choice,omitempty"`
	Labels                 map[string]string `json:"labels,omitempty"`
}

// FieldValidations holds the provider's validation settings.
type FieldValidations struct {
	Required bool `json:"required,omitempty"`
}

// Choice is a selectable option on a choice field.
type Choice struct {
	ID    string `json:"id"`
	Ref   string `json:"ref,omitempty"`
	Label string `json:"label"`
}

// FlattenFields walks fields depth-first, parents before children.
func FlattenFields(fields []Field) []Field {
	flattened := make([]Field, 0, len(fields))
	var walk func([]Field)
	walk = func(level []Field) {
		for _, field := range level {
			flattened = append(flattened, field)
			if len(field.Properties.Fields) > 0 {
				walk(field.Properties.Fields)
			}
		}
	}
	walk(fields)
	return flattened
}
