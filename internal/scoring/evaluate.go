package scoring

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
)

type compiledRule struct {
	rule    Rule
	matcher matcher
}

// ruleSnapshot is the immutable view of rules and field metadata for one run.
type ruleSnapshot struct {
	rulesByTarget        map[string][]compiledRule
	fields               map[string]forms.FieldVersion
	choices              map[string]forms.ChoiceVersion
	choicesByVersion     map[string]map[string]forms.ChoiceVersion
	activeChoicesByField map[string]map[string]forms.ChoiceVersion
	liveFields           map[string]struct{}
}

func newRuleSnapshot(rules []compiledRule, fields []forms.FieldVersion, choices []forms.ChoiceVersion) *ruleSnapshot {
	snapshot := &ruleSnapshot{
		rulesByTarget:        make(map[string][]compiledRule),
		fields:               make(map[string]forms.FieldVersion, len(fields)),
		choices:              make(map[string]forms.ChoiceVersion, len(choices)),
		choicesByVersion:     make(map[string]map[string]forms.ChoiceVersion),
		activeChoicesByField: make(map[string]map[string]forms.ChoiceVersion),
		liveFields:           make(map[string]struct{}),
	}
	for _, rule := range rules {
		snapshot.rulesByTarget[rule.rule.TargetID] = append(snapshot.rulesByTarget[rule.rule.TargetID], rule)
	}
	for _, field := range fields {
		snapshot.fields[field.ID] = field
		if field.IsActive {
			snapshot.liveFields[field.ExternalFieldID] = struct{}{}
		}
	}
	for _, choice := range choices {
		snapshot.choices[choice.ID] = choice
		label := normalizeAnswer(choice.Label)
		if snapshot.choicesByVersion[choice.FieldVersionID] == nil {
			snapshot.choicesByVersion[choice.FieldVersionID] = make(map[string]forms.ChoiceVersion)
		}
		if existing, ok := snapshot.choicesByVersion[choice.FieldVersionID][label]; !ok || !existing.IsActive {
			snapshot.choicesByVersion[choice.FieldVersionID][label] = choice
		}
		if !choice.IsActive {
			continue
		}
		if snapshot.activeChoicesByField[choice.ExternalFieldID] == nil {
			snapshot.activeChoicesByField[choice.ExternalFieldID] = make(map[string]forms.ChoiceVersion)
		}
		snapshot.activeChoicesByField[choice.ExternalFieldID][label] = choice
	}
	return snapshot
}

// tally counts the rules that fired for one answer; several colors may co-fire.
type tally struct {
	red    int
	yellow int
	green  int
}

func (t *tally) add(color Color) {
	switch color {
	case ColorRed:
		t.red++
	case ColorYellow:
		t.yellow++
	case ColorGreen:
		t.green++
	}
}

// color is the answer's final signal: red beats yellow beats green; nothing fired is na.
func (t tally) color() Color {
	switch {
	case t.red > 0:
		return ColorRed
	case t.yellow > 0:
		return ColorYellow
	case t.green > 0:
		return ColorGreen
	}
	return ColorNA
}

// evaluation applies the snapshot's rules to a single answer.
type evaluation struct {
	snapshot *ruleSnapshot
	fired    map[string]struct{}
	result   tally
}

// scoreResponse evaluates one answer. A panic or criteria error yields an empty tally.
func (s *ruleSnapshot) scoreResponse(response applications.FieldResponse) (result tally, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = tally{}
			err = fmt.Errorf("answer evaluation panicked: %v", recovered)
		}
	}()

	field, known := s.fields[response.FieldVersionID]
	if known {
		if _, live := s.liveFields[field.ExternalFieldID]; !live {
			return tally{}, nil
		}
	}

	eval := &evaluation{snapshot: s, fired: make(map[string]struct{})}
	input := matchInput{
		Answer:        response.ResponseValue,
		FieldType:     string(field.Type),
		IsMultiSelect: response.IsMultiSelect,
	}

	if response.ChoiceVersionID != nil {
		choiceID := *response.ChoiceVersionID
		if choice, ok := s.choices[choiceID]; ok {
			input.ChoiceLabel = choice.Label
		}
		eval.applyUnconditionally(s.rulesByTarget[choiceID])
	}

	switch field.Type {
	case forms.FieldTypeYesNo:
		if err := eval.applyAnswerRules(s.rulesByTarget[field.ID], input); err != nil {
			return tally{}, err
		}
	case forms.FieldTypeMultipleChoice:
		if err := eval.apply(s.rulesByTarget[field.ID], input); err != nil {
			return tally{}, err
		}
		if err := eval.applyChoiceByLabel(field, input); err != nil {
			return tally{}, err
		}
	case forms.FieldTypeOpinionScale:
		if err := eval.applyChoiceByLabel(field, input); err != nil {
			return tally{}, err
		}
	default:
		if err := eval.apply(s.rulesByTarget[response.FieldVersionID], input); err != nil {
			return tally{}, err
		}
	}
	return eval.result, nil
}

func (e *evaluation) fire(rule Rule) {
	if _, done := e.fired[rule.ID]; done {
		return
	}
	e.fired[rule.ID] = struct{}{}
	e.result.add(rule.ScoreValue)
}

func (e *evaluation) applyUnconditionally(rules []compiledRule) {
	for _, rule := range rules {
		e.fire(rule.rule)
	}
}

func (e *evaluation) apply(rules []compiledRule, input matchInput) error {
	for _, rule := range rules {
		matched, err := rule.matcher.matches(input)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.rule.ID, err)
		}
		if matched {
			e.fire(rule.rule)
		}
	}
	return nil
}

// applyAnswerRules fires only rules whose criteria name an answer equal to the response.
func (e *evaluation) applyAnswerRules(rules []compiledRule, input matchInput) error {
	gated := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.matcher.hasAnswer() {
			gated = append(gated, rule)
		}
	}
	return e.apply(gated, input)
}

func (e *evaluation) applyChoiceByLabel(field forms.FieldVersion, input matchInput) error {
	choice, ok := e.snapshot.choiceByLabel(field, input.Answer)
	if !ok {
		return nil
	}
	input.ChoiceLabel = choice.Label
	return e.apply(e.snapshot.rulesByTarget[choice.ID], input)
}

func (s *ruleSnapshot) choiceByLabel(field forms.FieldVersion, value string) (forms.ChoiceVersion, bool) {
	label := normalizeAnswer(value)
	if label == "" {
		return forms.ChoiceVersion{}, false
	}
	if choice, ok := s.choicesByVersion[field.ID][label]; ok {
		return choice, true
	}
	choice, ok := s.activeChoicesByField[field.ExternalFieldID][label]
	return choice, ok
}
