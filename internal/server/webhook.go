package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/intake/internal/intake"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 5 << 20

type webhookResponsePayload struct {
	Status        string           `json:"status"`
	TrackingID    string           `json:"tracking_id"`
	ApplicationID string           `json:"application_id,omitempty"`
	Score         *scoring.Summary `json:"score,omitempty"`
	Ingest        *ingestPayload   `json:"ingest,omitempty"`
}

type ingestPayload struct {
	RowsWritten  int  `json:"rows_written"`
	Skipped      int  `json:"skipped"`
	UsedFallback bool `json:"used_fallback"`
}

func (h *httpHandler) handleTypeformWebhook(c *gin.Context) {
	trackingID := h.newTrackingID()
	c.Header(trackingIDHeader, trackingID)
	logger := h.logger.With(zap.String("tracking_id", trackingID))

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "tracking_id": trackingID})
		return
	}
	if h.webhookSecret != "" && !typeform.VerifySignature(h.webhookSecret, body, c.GetHeader(typeform.SignatureHeader)) {
		logger.Warn("webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "tracking_id": trackingID})
		return
	}

	var payload typeform.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json", "tracking_id": trackingID})
		return
	}

	result, err := h.intake.Handle(c.Request.Context(), payload, body)
	if err != nil {
		switch {
		case errors.Is(err, intake.ErrInvalidPayload), errors.Is(err, intake.ErrUnknownForm):
			logger.Warn("webhook rejected", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCode(err, "invalid_payload"), "tracking_id": trackingID})
		default:
			logger.Error("webhook processing failed", zap.String("token", payload.FormResponse.Token), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "tracking_id": trackingID})
		}
		return
	}

	response := webhookResponsePayload{
		Status:        string(result.Outcome),
		TrackingID:    trackingID,
		ApplicationID: result.ApplicationID,
	}
	if result.Outcome != intake.OutcomeProcessed {
		c.JSON(http.StatusAccepted, response)
		return
	}
	summary := result.Summary
	response.Score = &summary
	if !result.IngestSkipped {
		response.Ingest = &ingestPayload{
			RowsWritten:  result.Ingest.ProcessedCount,
			Skipped:      result.Ingest.SkippedCount,
			UsedFallback: result.Ingest.UsedFallback,
		}
	}
	c.JSON(http.StatusOK, response)
}
