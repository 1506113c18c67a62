package forms

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"gorm.io/datatypes"
)

func propertiesFromField(field typeform.Field) storedProperties {
	choiceIDs := make([]string, 0, len(field.Properties.Choices))
	for _, choice := range field.Properties.Choices {
		if choice.ID != "" {
			choiceIDs = append(choiceIDs, choice.ID)
		}
	}
	slices.Sort(choiceIDs)

	var steps *int
	if field.Properties.Steps != nil {
		value := *field.Properties.Steps
		steps = &value
	}

	return storedProperties{
		Description:            field.Properties.Description,
		ChoiceIDs:              choiceIDs,
		Steps:                  steps,
		StartAtOne:             field.Properties.StartAtOne,
		AllowMultipleSelection: field.Properties.AllowMultipleSelection,
		AllowOtherChoice:       field.Properties.AllowOtherChoice,
		Required:               field.Validations.Required,
		Labels:                 field.Properties.Labels,
	}
}

func encodeStoredProperties(properties storedProperties) (datatypes.JSON, error) {
	encoded, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func decodeStoredProperties(raw datatypes.JSON) (storedProperties, error) {
	var properties storedProperties
	if len(raw) == 0 {
		return properties, nil
	}
	if err := json.Unmarshal(raw, &properties); err != nil {
		return storedProperties{}, err
	}
	return properties, nil
}

// structuralSignature is the allow-list of properties whose change forces a new version.
type structuralSignature struct {
	choiceIDs        []string
	steps            int
	startAtOne       bool
	allowMultiple    bool
	allowOtherChoice bool
	required         bool
}

func signatureOf(fieldType FieldType, properties storedProperties) structuralSignature {
	choiceIDs := slices.Clone(properties.ChoiceIDs)
	slices.Sort(choiceIDs)
	return structuralSignature{
		choiceIDs:        choiceIDs,
		steps:            effectiveSteps(fieldType, properties.Steps),
		startAtOne:       properties.StartAtOne,
		allowMultiple:    properties.AllowMultipleSelection,
		allowOtherChoice: properties.AllowOtherChoice,
		required:         properties.Required,
	}
}

func (s structuralSignature) equal(other structuralSignature) bool {
	return slices.Equal(s.choiceIDs, other.choiceIDs) &&
		s.steps == other.steps &&
		s.startAtOne == other.startAtOne &&
		s.allowMultiple == other.allowMultiple &&
		s.allowOtherChoice == other.allowOtherChoice &&
		s.required == other.required
}

func effectiveSteps(fieldType FieldType, steps *int) int {
	if steps != nil && *steps > 0 {
		return *steps
	}
	if fieldType == FieldTypeOpinionScale {
		return defaultOpinionScaleSteps
	}
	return 0
}

type fieldSnapshot struct {
	title           string
	fieldType       FieldType
	ref             string
	parentVersionID *string
	level           int
	properties      storedProperties
}

func snapshotFromField(field typeform.Field, parentVersionID *string, level int) fieldSnapshot {
	return fieldSnapshot{
		title:           field.Title,
		fieldType:       FieldType(field.Type),
		ref:             field.Ref,
		parentVersionID: parentVersionID,
		level:           level,
		properties:      propertiesFromField(field),
	}
}

// meaningfullyChanged compares identity fields and the structural allow-list only.
func meaningfullyChanged(stored FieldVersion, incoming fieldSnapshot) (bool, error) {
	if stored.Title != incoming.title ||
		stored.Type != incoming.fieldType ||
		stored.Ref != incoming.ref ||
		stored.HierarchyLevel != incoming.level ||
		optionalString(stored.ParentVersionID) != optionalString(incoming.parentVersionID) {
		return true, nil
	}
	storedProps, err := decodeStoredProperties(stored.Properties)
	if err != nil {
		return true, err
	}
	return !signatureOf(stored.Type, storedProps).equal(signatureOf(incoming.fieldType, incoming.properties)), nil
}

type choiceSpec struct {
	externalID string
	label      string
	ref        string
	order      int
	synthetic  bool
}

func desiredChoices(field typeform.Field) []choiceSpec {
	if FieldType(field.Type) == FieldTypeOpinionScale {
		return opinionScaleChoices(field)
	}
	specs := make([]choiceSpec, 0, len(field.Properties.Choices))
	for index, choice := range field.Properties.Choices {
		if choice.ID == "" {
			continue
		}
		specs = append(specs, choiceSpec{
			externalID: choice.ID,
			label:      choice.Label,
			ref:        choice.Ref,
			order:      index,
		})
	}
	return specs
}

// opinionScaleChoices synthesizes one choice per scale step with id "{fieldId}-{step}".
func opinionScaleChoices(field typeform.Field) []choiceSpec {
	steps := effectiveSteps(FieldTypeOpinionScale, field.Properties.Steps)
	start := 0
	if field.Properties.StartAtOne {
		start = 1
	}
	specs := make([]choiceSpec, 0, steps)
	for index := 0; index < steps; index++ {
		step := start + index
		specs = append(specs, choiceSpec{
			externalID: SyntheticChoiceID(field.ID, step),
			label:      strconv.Itoa(step),
			order:      index,
			synthetic:  true,
		})
	}
	return specs
}

// SyntheticChoiceID names the generated choice for one opinion-scale step.
func SyntheticChoiceID(fieldID string, step int) string {
	return fmt.Sprintf("%s-%d", fieldID, step)
}

func optionalString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
