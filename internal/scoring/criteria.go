package scoring

import (
	"encoding/json"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gorm.io/datatypes"
)

// matchInput is the environment a rule's criteria are evaluated against.
type matchInput struct {
	Answer        string
	FieldType     string
	ChoiceLabel   string
	IsMultiSelect bool
}

func (in matchInput) env() map[string]any {
	return map[string]any{
		"answer":          in.Answer,
		"field_type":      in.FieldType,
		"choice_label":    in.ChoiceLabel,
		"is_multi_select": in.IsMultiSelect,
	}
}

// criteriaEnv declares the variable types expressions are compiled against.
var criteriaEnv = matchInput{}.env()

// matcher is a rule's criteria compiled once per scoring run.
type matcher struct {
	answer  string
	program *vm.Program
}

func (m matcher) hasAnswer() bool {
	return m.answer != ""
}

func parseCriteria(raw datatypes.JSON) (Criteria, error) {
	var criteria Criteria
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return criteria, nil
	}
	if err := json.Unmarshal(raw, &criteria); err != nil {
		return Criteria{}, err
	}
	return criteria, nil
}

func compileCriteria(criteria Criteria) (matcher, error) {
	compiled := matcher{answer: normalizeAnswer(criteria.Answer)}
	expression := strings.TrimSpace(criteria.Expression)
	if expression == "" {
		return compiled, nil
	}
	program, err := expr.Compile(expression, expr.Env(criteriaEnv), expr.AsBool())
	if err != nil {
		return matcher{}, err
	}
	compiled.program = program
	return compiled, nil
}

// matches reports whether the answer satisfies every condition of the criteria.
func (m matcher) matches(input matchInput) (bool, error) {
	if m.answer != "" && m.answer != normalizeAnswer(input.Answer) {
		return false, nil
	}
	if m.program == nil {
		return true, nil
	}
	output, err := expr.Run(m.program, input.env())
	if err != nil {
		return false, err
	}
	result, ok := output.(bool)
	if !ok {
		return false, errNonBooleanResult
	}
	return result, nil
}

// normalizeAnswer lowercases and maps boolean spellings onto yes/no.
func normalizeAnswer(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "true":
		return "yes"
	case "false":
		return "no"
	}
	return normalized
}
