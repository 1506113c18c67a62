package typeform

import (
	"encoding/json"
	"strings"
)

// Selection is the normalized choice payload of an answer: SingleChoice or MultiChoice.
type Selection interface {
	isSelection()
}

// SingleChoice is one selected option.
type SingleChoice struct {
	ID    string
	Label string
	Ref   string
	Other bool
}

func (SingleChoice) isSelection() {}

// MultiChoice is a list of selected options.
type MultiChoice struct {
	Items []SingleChoice
}

func (MultiChoice) isSelection() {}

// Labels returns the item labels in selection order.
func (m MultiChoice) Labels() []string {
	labels := make([]string, 0, len(m.Items))
	for _, item := range m.Items {
		labels = append(labels, item.Label)
	}
	return labels
}

type choicesObject struct {
	IDs    []string `json:"ids"`
	Labels []string `json:"labels"`
	Refs   []string `json:"refs"`
	Other  string   `json:"other"`
}

func selectionFromWire(choice *ChoiceAnswer, choices json.RawMessage) Selection {
	if multi, ok := decodeChoices(choices); ok {
		return multi
	}
	if choice != nil {
		return singleFromChoice(*choice)
	}
	return nil
}

func singleFromChoice(choice ChoiceAnswer) SingleChoice {
	item := SingleChoice{ID: choice.ID, Label: choice.Label, Ref: choice.Ref}
	if item.Label == "" && choice.Other != "" {
		item.Label = choice.Other
		item.Other = true
	}
	return item
}

func decodeChoices(raw json.RawMessage) (MultiChoice, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return MultiChoice{}, false
	}

	if strings.HasPrefix(trimmed, "[") {
		var list []ChoiceAnswer
		if err := json.Unmarshal(raw, &list); err != nil {
			return MultiChoice{}, false
		}
		items := make([]SingleChoice, 0, len(list))
		for _, choice := range list {
			items = append(items, singleFromChoice(choice))
		}
		return MultiChoice{Items: items}, true
	}

	var object choicesObject
	if err := json.Unmarshal(raw, &object); err != nil {
		return MultiChoice{}, false
	}
	count := len(object.IDs)
	if len(object.Labels) > count {
		count = len(object.Labels)
	}
	items := make([]SingleChoice, 0, count+1)
	for index := 0; index < count; index++ {
		item := SingleChoice{}
		if index < len(object.IDs) {
			item.ID = object.IDs[index]
		}
		if index < len(object.Labels) {
			item.Label = object.Labels[index]
		}
		if index < len(object.Refs) {
			item.Ref = object.Refs[index]
		}
		items = append(items, item)
	}
	if object.Other != "" {
		items = append(items, SingleChoice{Label: object.Other, Other: true})
	}
	return MultiChoice{Items: items}, true
}
