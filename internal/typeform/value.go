package typeform

import (
	"strconv"
	"strings"
)

// ExtractValue renders an answer as the string stored on its response row.
// It is total over answer types and never panics.
func ExtractValue(answer Answer) string {
	switch answer.Type {
	case "text":
		return answer.Text
	case "email":
		return answer.Email
	case "phone_number":
		return answer.PhoneNumber
	case "date":
		return answer.Date
	case "url":
		return answer.URL
	case "file_url":
		return answer.FileURL
	case "number":
		if answer.Number == nil {
			return ""
		}
		return strconv.FormatFloat(*answer.Number, 'f', -1, 64)
	case "boolean":
		if answer.Boolean == nil {
			return ""
		}
		if *answer.Boolean {
			return "yes"
		}
		return "no"
	case "choice":
		switch selection := answer.Selection.(type) {
		case SingleChoice:
			return selection.Label
		case MultiChoice:
			return strings.Join(selection.Labels(), ", ")
		}
		return ""
	case "choices":
		switch selection := answer.Selection.(type) {
		case MultiChoice:
			return strings.Join(selection.Labels(), ", ")
		case SingleChoice:
			return selection.Label
		}
		return ""
	default:
		return string(answer.Raw())
	}
}

// IsStructuredType reports whether ExtractValue has a dedicated rendering for the
// answer type rather than falling back to the raw JSON.
func IsStructuredType(answerType string) bool {
	switch answerType {
	case "text", "email", "phone_number", "date", "url", "file_url", "number", "boolean", "choice", "choices":
		return true
	}
	return false
}
