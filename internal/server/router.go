package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/auth"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"github.com/MarcoPoloResearchLab/intake/internal/intake"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reviewerContextKey = "intake_reviewer"
	trackingIDHeader   = "X-Tracking-ID"
)

var (
	errMissingDatabase   = errors.New("database dependency required")
	errMissingIntake     = errors.New("intake controller dependency required")
	errMissingForms      = errors.New("form syncer dependency required")
	errMissingScorer     = errors.New("scorer dependency required")
	errMissingRules      = errors.New("rule service dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingDispatcher = errors.New("score dispatcher dependency required")
)

// WebhookHandler processes one decoded webhook delivery.
type WebhookHandler interface {
	Handle(ctx context.Context, payload typeform.WebhookPayload, rawBody []byte) (intake.Result, error)
}

// FormSyncer syncs and resolves forms.
type FormSyncer interface {
	SyncForm(ctx context.Context, externalFormID string) (forms.SyncResult, error)
	FindActiveForm(ctx context.Context, externalFormID string) (forms.Form, error)
}

// ScoreCalculator rescores an application on demand.
type ScoreCalculator interface {
	CalculateScore(ctx context.Context, applicationID string) (scoring.Summary, error)
}

// RuleAdministrator manages scoring rules.
type RuleAdministrator interface {
	CreateRule(ctx context.Context, input scoring.RuleInput) (scoring.Rule, error)
	DeleteRule(ctx context.Context, ruleID string) error
	ListActiveRules(ctx context.Context, formID string) ([]scoring.Rule, error)
}

// SessionValidator authenticates reviewer requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to its services.
type Dependencies struct {
	Database       *gorm.DB
	Intake         WebhookHandler
	Forms          FormSyncer
	Scorer         ScoreCalculator
	Rules          RuleAdministrator
	Sessions       SessionValidator
	Realtime       *ScoreDispatcher
	WebhookSecret  string
	AllowedOrigins []string
	TrackingIDs    ids.Provider
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving webhooks and the reviewer API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Database == nil:
		return nil, errMissingDatabase
	case deps.Intake == nil:
		return nil, errMissingIntake
	case deps.Forms == nil:
		return nil, errMissingForms
	case deps.Scorer == nil:
		return nil, errMissingScorer
	case deps.Rules == nil:
		return nil, errMissingRules
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Realtime == nil:
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	trackingIDs := deps.TrackingIDs
	if trackingIDs == nil {
		trackingIDs = ids.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		db:            deps.Database,
		intake:        deps.Intake,
		forms:         deps.Forms,
		scorer:        deps.Scorer,
		rules:         deps.Rules,
		sessions:      deps.Sessions,
		realtime:      deps.Realtime,
		webhookSecret: strings.TrimSpace(deps.WebhookSecret),
		trackingIDs:   trackingIDs,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/webhooks/typeform", handler.handleTypeformWebhook)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.POST("/forms/:formID/sync", handler.handleFormSync)
	api.GET("/forms/:formID/fields", handler.handleFieldTree)
	api.GET("/forms/:formID/scoring-rules", handler.handleListRules)
	api.GET("/forms/:formID/scores/stream", handler.handleScoreStream)
	api.GET("/applications/:applicationID/score", handler.handleApplicationScore)
	api.POST("/applications/:applicationID/rescore", handler.handleRescore)
	api.POST("/scoring-rules", handler.handleCreateRule)
	api.DELETE("/scoring-rules/:ruleID", handler.handleDeleteRule)

	return router, nil
}

type httpHandler struct {
	db            *gorm.DB
	intake        WebhookHandler
	forms         FormSyncer
	scorer        ScoreCalculator
	rules         RuleAdministrator
	sessions      SessionValidator
	realtime      *ScoreDispatcher
	webhookSecret string
	trackingIDs   ids.Provider
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", typeform.SignatureHeader},
		ExposeHeaders:    []string{trackingIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(reviewerContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) newTrackingID() string {
	trackingID, err := h.trackingIDs.NewID()
	if err != nil {
		h.logger.Warn("tracking id generation failed", zap.Error(err))
		return ""
	}
	return trackingID
}

func (h *httpHandler) internalError(c *gin.Context, message string, err error, fields ...zap.Field) {
	trackingID := h.newTrackingID()
	h.logger.Error(message, append(fields, zap.String("tracking_id", trackingID), zap.Error(err))...)
	c.Header(trackingIDHeader, trackingID)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "tracking_id": trackingID})
}

type codedError interface {
	Code() string
}

func errorCode(err error, fallback string) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return fallback
}
