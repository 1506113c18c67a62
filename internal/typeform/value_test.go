package typeform

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExtractValueByAnswerType(t *testing.T) {
	number := 42.5
	yes := true
	no := false

	testCases := []struct {
		name   string
		answer Answer
		want   string
	}{
		{name: "text", answer: Answer{Type: "text", Text: "hello"}, want: "hello"},
		{name: "email", answer: Answer{Type: "email", Email: "a@b.co"}, want: "a@b.co"},
		{name: "phone", answer: Answer{Type: "phone_number", PhoneNumber: "+15551234"}, want: "+15551234"},
		{name: "number", answer: Answer{Type: "number", Number: &number}, want: "42.5"},
		{name: "number-missing", answer: Answer{Type: "number"}, want: ""},
		{name: "date", answer: Answer{Type: "date", Date: "2026-01-02"}, want: "2026-01-02"},
		{name: "boolean-true", answer: Answer{Type: "boolean", Boolean: &yes}, want: "yes"},
		{name: "boolean-false", answer: Answer{Type: "boolean", Boolean: &no}, want: "no"},
		{name: "boolean-missing", answer: Answer{Type: "boolean"}, want: ""},
		{name: "choice", answer: Answer{Type: "choice", Selection: SingleChoice{ID: "c1", Label: "Blue"}}, want: "Blue"},
		{name: "choice-missing", answer: Answer{Type: "choice"}, want: ""},
		{name: "choices", answer: Answer{Type: "choices", Selection: MultiChoice{Items: []SingleChoice{{Label: "A"}, {Label: "B"}}}}, want: "A, B"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := ExtractValue(testCase.answer); got != testCase.want {
				t.Fatalf("ExtractValue() = %q, want %q", got, testCase.want)
			}
		})
	}
}

func TestExtractValueFallsBackToRawJSON(t *testing.T) {
	var answer Answer
	if err := json.Unmarshal([]byte(`{"type":"payment","payment":{"amount":"10"},"field":{"id":"f"}}`), &answer); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	value := ExtractValue(answer)
	if !strings.Contains(value, `"payment"`) {
		t.Fatalf("expected raw json fallback, got %q", value)
	}

	constructed := ExtractValue(Answer{Type: "unknown"})
	if !strings.Contains(constructed, `"type":"unknown"`) {
		t.Fatalf("expected re-encoded answer, got %q", constructed)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event_type":"form_response"}`)
	header := Sign("secret", body)
	if !strings.HasPrefix(header, "sha256=") {
		t.Fatalf("unexpected header %q", header)
	}
	if !VerifySignature("secret", body, header) {
		t.Fatalf("expected signature to verify")
	}
	if VerifySignature("other", body, header) {
		t.Fatalf("expected mismatched secret to fail")
	}
	if VerifySignature("secret", []byte(`{}`), header) {
		t.Fatalf("expected tampered body to fail")
	}
	if VerifySignature("secret", body, "") {
		t.Fatalf("expected empty header to fail")
	}
}
