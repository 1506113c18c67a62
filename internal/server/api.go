package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const streamHeartbeatInterval = 25 * time.Second

type syncResponsePayload struct {
	FormID            string    `json:"form_id"`
	ExternalFormID    string    `json:"external_form_id"`
	FieldsSeen        int       `json:"fields_seen"`
	FieldsDeactivated int64     `json:"fields_deactivated"`
	FieldsSkipped     int       `json:"fields_skipped"`
	SyncedAt          time.Time `json:"synced_at"`
}

type fieldTreeResponsePayload struct {
	FormID         string             `json:"form_id"`
	ExternalFormID string             `json:"external_form_id"`
	Title          string             `json:"title"`
	Fields         []*forms.FieldNode `json:"fields"`
}

type answerScorePayload struct {
	FieldVersionID  string  `json:"field_version_id"`
	ChoiceVersionID *string `json:"choice_version_id,omitempty"`
	Value           string  `json:"value"`
	Score           *string `json:"score,omitempty"`
	IsMultiSelect   bool    `json:"is_multi_select"`
	Position        int     `json:"position"`
}

type applicationScorePayload struct {
	ApplicationID    string               `json:"application_id"`
	FormID           string               `json:"form_id"`
	Status           string               `json:"status"`
	AnswersProcessed bool                 `json:"answers_processed"`
	RowsWritten      int                  `json:"rows_written"`
	AnswersSkipped   int                  `json:"answers_skipped"`
	Scored           bool                 `json:"scored"`
	ScoredAt         *time.Time           `json:"scored_at,omitempty"`
	Summary          *scoring.Summary     `json:"summary,omitempty"`
	Answers          []answerScorePayload `json:"answers"`
}

type createRuleRequestPayload struct {
	TargetType string           `json:"target_type"`
	TargetID   string           `json:"target_id"`
	ScoreValue string           `json:"score_value"`
	Criteria   scoring.Criteria `json:"criteria"`
}

type rulePayload struct {
	ID         string          `json:"id"`
	FormID     string          `json:"form_id"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	ScoreValue string          `json:"score_value"`
	Criteria   json.RawMessage `json:"criteria,omitempty"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
}

func newRulePayload(rule scoring.Rule) rulePayload {
	payload := rulePayload{
		ID:         rule.ID,
		FormID:     rule.FormID,
		TargetType: string(rule.TargetType),
		TargetID:   rule.TargetID,
		ScoreValue: string(rule.ScoreValue),
		IsActive:   rule.IsActive,
		CreatedAt:  rule.CreatedAt,
	}
	if len(rule.Criteria) > 0 {
		payload.Criteria = json.RawMessage(rule.Criteria)
	}
	return payload
}

func (h *httpHandler) handleFormSync(c *gin.Context) {
	externalFormID := strings.TrimSpace(c.Param("formID"))
	result, err := h.forms.SyncForm(c.Request.Context(), externalFormID)
	if err != nil {
		if errors.Is(err, forms.ErrFormNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form_not_found"})
			return
		}
		h.internalError(c, "form sync failed", err, zap.String("external_form_id", externalFormID))
		return
	}
	c.JSON(http.StatusOK, syncResponsePayload{
		FormID:            result.FormID,
		ExternalFormID:    result.ExternalFormID,
		FieldsSeen:        result.FieldsSeen,
		FieldsDeactivated: result.FieldsDeactivated,
		FieldsSkipped:     result.FieldsSkipped,
		SyncedAt:          result.SyncedAt,
	})
}

func (h *httpHandler) resolveForm(c *gin.Context) (forms.Form, bool) {
	externalFormID := strings.TrimSpace(c.Param("formID"))
	form, err := h.forms.FindActiveForm(c.Request.Context(), externalFormID)
	if err != nil {
		if errors.Is(err, forms.ErrFormNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form_not_found"})
			return forms.Form{}, false
		}
		h.internalError(c, "form lookup failed", err, zap.String("external_form_id", externalFormID))
		return forms.Form{}, false
	}
	return form, true
}

func (h *httpHandler) handleFieldTree(c *gin.Context) {
	form, ok := h.resolveForm(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	fields, err := forms.ListFieldVersions(ctx, h.db, form.ID)
	if err != nil {
		h.internalError(c, "field listing failed", err, zap.String("form_id", form.ID))
		return
	}
	choices, err := forms.ListChoiceVersions(ctx, h.db, form.ID)
	if err != nil {
		h.internalError(c, "choice listing failed", err, zap.String("form_id", form.ID))
		return
	}
	c.JSON(http.StatusOK, fieldTreeResponsePayload{
		FormID:         form.ID,
		ExternalFormID: form.ExternalID,
		Title:          form.Title,
		Fields:         forms.BuildTree(fields, choices),
	})
}

func (h *httpHandler) handleListRules(c *gin.Context) {
	form, ok := h.resolveForm(c)
	if !ok {
		return
	}
	rules, err := h.rules.ListActiveRules(c.Request.Context(), form.ID)
	if err != nil {
		h.internalError(c, "rule listing failed", err, zap.String("form_id", form.ID))
		return
	}
	payload := make([]rulePayload, 0, len(rules))
	for _, rule := range rules {
		payload = append(payload, newRulePayload(rule))
	}
	c.JSON(http.StatusOK, gin.H{"rules": payload})
}

func (h *httpHandler) handleApplicationScore(c *gin.Context) {
	applicationID := strings.TrimSpace(c.Param("applicationID"))
	ctx := c.Request.Context()
	application, err := applications.GetApplication(ctx, h.db, applicationID)
	if err != nil {
		if errors.Is(err, applications.ErrApplicationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "application_not_found"})
			return
		}
		h.internalError(c, "application lookup failed", err, zap.String("application_id", applicationID))
		return
	}
	responses, err := applications.ListResponses(ctx, h.db, application.ID)
	if err != nil {
		h.internalError(c, "response listing failed", err, zap.String("application_id", applicationID))
		return
	}

	payload := applicationScorePayload{
		ApplicationID:    application.ID,
		FormID:           application.FormID,
		Status:           string(application.Status),
		AnswersProcessed: application.AnswersProcessed,
		RowsWritten:      application.ProcessedAnswerCount,
		AnswersSkipped:   application.SkippedAnswerCount,
		Scored:           application.CalculatedScore != nil,
		ScoredAt:         application.ScoredAt,
		Answers:          make([]answerScorePayload, 0, len(responses)),
	}
	if application.CalculatedScore != nil {
		payload.Summary = &scoring.Summary{
			RedCount:    application.RedCount,
			YellowCount: application.YellowCount,
			GreenCount:  application.GreenCount,
			TotalScore:  *application.CalculatedScore,
		}
	}
	for _, response := range responses {
		payload.Answers = append(payload.Answers, answerScorePayload{
			FieldVersionID:  response.FieldVersionID,
			ChoiceVersionID: response.ChoiceVersionID,
			Value:           response.ResponseValue,
			Score:           response.Score,
			IsMultiSelect:   response.IsMultiSelect,
			Position:        response.Position,
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleRescore(c *gin.Context) {
	applicationID := strings.TrimSpace(c.Param("applicationID"))
	summary, err := h.scorer.CalculateScore(c.Request.Context(), applicationID)
	if err != nil {
		if errors.Is(err, applications.ErrApplicationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "application_not_found"})
			return
		}
		h.internalError(c, "rescore failed", err, zap.String("application_id", applicationID))
		return
	}
	h.logger.Info("application rescored",
		zap.String("application_id", applicationID),
		zap.String("reviewer", c.GetString(reviewerContextKey)),
		zap.Int("total_score", summary.TotalScore))
	c.JSON(http.StatusOK, gin.H{"application_id": applicationID, "score": summary})
}

func (h *httpHandler) handleCreateRule(c *gin.Context) {
	var request createRuleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rule, err := h.rules.CreateRule(c.Request.Context(), scoring.RuleInput{
		TargetType: scoring.TargetType(strings.ToLower(strings.TrimSpace(request.TargetType))),
		TargetID:   request.TargetID,
		ScoreValue: scoring.Color(strings.ToLower(strings.TrimSpace(request.ScoreValue))),
		Criteria:   request.Criteria,
	})
	if err != nil {
		switch {
		case errors.Is(err, scoring.ErrInvalidRule):
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCode(err, "invalid_rule")})
		case errors.Is(err, scoring.ErrTargetNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "target_not_found"})
		default:
			h.internalError(c, "rule creation failed", err, zap.String("target_id", request.TargetID))
		}
		return
	}
	h.logger.Info("scoring rule created",
		zap.String("rule_id", rule.ID),
		zap.String("reviewer", c.GetString(reviewerContextKey)))
	c.JSON(http.StatusCreated, newRulePayload(rule))
}

func (h *httpHandler) handleDeleteRule(c *gin.Context) {
	ruleID := strings.TrimSpace(c.Param("ruleID"))
	if err := h.rules.DeleteRule(c.Request.Context(), ruleID); err != nil {
		if errors.Is(err, scoring.ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "rule_not_found"})
			return
		}
		h.internalError(c, "rule deletion failed", err, zap.String("rule_id", ruleID))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleScoreStream(c *gin.Context) {
	form, ok := h.resolveForm(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, form.ID)
	defer cleanup()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("ready", gin.H{"form_id": form.ID})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(RealtimeEventScoreUpdated, event)
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"at": now.UTC()})
			return true
		}
	})
}
