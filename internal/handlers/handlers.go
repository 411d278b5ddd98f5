package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketpulse/internal/config"
	"marketpulse/internal/host"
	"marketpulse/internal/models"
	"marketpulse/internal/oauth"
	"marketpulse/internal/storage"
	"marketpulse/internal/views"
	"marketpulse/internal/wizard"
)

const (
	genericFailure = "Something went wrong while adding the revenue source."
	reloadHint     = "Reload the page to try again."
)

// ViewFetcher loads one dashboard panel from the backend.
type ViewFetcher interface {
	FetchView(ctx context.Context, campaignID, view string) (json.RawMessage, error)
}

type HistoryStore interface {
	host.HistoryRecorder
	ListByCampaign(ctx context.Context, campaignID string, limit int) ([]models.MappingHistory, error)
}

// Deps wires the handler. History, DB and Exporter may be nil.
type Deps struct {
	Config      *config.Config
	API         host.API
	Views       ViewFetcher
	Connector   wizard.Connector
	Hub         *oauth.Hub
	Sessions    *storage.SessionStore[*host.Modal]
	Cache       *storage.ViewCache
	Registry    *views.Registry
	Invalidator host.Invalidator
	History     HistoryStore
	Exporter    host.Exporter
	DB          *sql.DB
	Logger      *logrus.Logger
}

type Handler struct {
	config      *config.Config
	api         host.API
	views       ViewFetcher
	connector   wizard.Connector
	hub         *oauth.Hub
	sessions    *storage.SessionStore[*host.Modal]
	cache       *storage.ViewCache
	registry    *views.Registry
	invalidator host.Invalidator
	history     HistoryStore
	exporter    host.Exporter
	db          *sql.DB
	logger      *logrus.Logger
	startedAt   time.Time
}

func New(deps Deps) *Handler {
	return &Handler{
		config:      deps.Config,
		api:         deps.API,
		views:       deps.Views,
		connector:   deps.Connector,
		hub:         deps.Hub,
		sessions:    deps.Sessions,
		cache:       deps.Cache,
		registry:    deps.Registry,
		invalidator: deps.Invalidator,
		history:     deps.History,
		exporter:    deps.Exporter,
		db:          deps.DB,
		logger:      deps.Logger,
		startedAt:   time.Now(),
	}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r gin.IRouter) {
	r.GET("/healthz", h.HealthCheck)
	r.GET("/readyz", h.ReadinessCheck)

	api := r.Group("/api")
	api.GET("/sources", h.ListSources)
	api.GET("/providers/:provider/steps", h.ProviderSteps)
	api.POST("/oauth/messages", h.OAuthMessage)
	api.GET("/integrations/:provider/status", h.IntegrationStatus)
	api.POST("/integrations/:provider/connect", h.IntegrationConnect)
	api.GET("/views", h.DashboardViews)

	api.GET("/campaigns/:id/revenue-history", h.RevenueHistory)
	api.GET("/campaigns/:id/views/:view", h.CampaignView)

	modals := api.Group("/modals")
	modals.POST("", h.CreateModal)
	modals.GET("/:id", h.GetModal)
	modals.DELETE("/:id", h.DeleteModal)
	modals.POST("/:id/open", h.OpenModal)
	modals.POST("/:id/close", h.CloseModal)
	modals.POST("/:id/select", h.SelectSource)
	modals.POST("/:id/back", h.ModalBack)
	modals.POST("/:id/manual", h.SubmitManual)
	modals.POST("/:id/csv", h.UploadCSV)
	modals.POST("/:id/table", h.SubmitTable)
	modals.POST("/:id/sheets/connect", h.ConnectSheets)

	wiz := modals.Group("/:id/wizard")
	wiz.POST("/next", h.WizardNext)
	wiz.POST("/back", h.WizardBack)
	wiz.POST("/retry", h.WizardRetry)
	wiz.POST("/connect", h.WizardConnect)
	wiz.POST("/connect/cancel", h.WizardCancelConnect)
	wiz.POST("/save", h.WizardSave)
	wiz.PUT("/field", h.WizardField)
	wiz.PUT("/values", h.WizardValues)
	wiz.POST("/values/toggle", h.WizardToggleValue)
	wiz.PUT("/search", h.WizardSearch)
	wiz.PUT("/lookback", h.WizardLookback)
	wiz.PUT("/value-source", h.WizardValueSource)
	wiz.PUT("/value-field", h.WizardValueField)
	wiz.PUT("/conversion-field", h.WizardConversionField)
	wiz.PUT("/pipeline", h.WizardPipeline)
	wiz.PUT("/classification", h.WizardClassification)
	wiz.DELETE("/notices/:notice", h.WizardDismissNotice)
}

// Recovery is the top-level error boundary: a panic anywhere in a request
// renders a generic failure with a reload hint instead of a broken dialog.
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithFields(logrus.Fields{
			"panic":  recovered,
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).Error("Request panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": genericFailure,
			"hint":  reloadHint,
		})
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "marketpulse",
	})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.WithError(err).Warn("History database is not reachable")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"message": "History database is not reachable",
			})
			return
		}
	}

	resp := gin.H{
		"status":          "ready",
		"uptime_seconds":  int(time.Since(h.startedAt).Seconds()),
		"open_sessions":   h.sessions.Len(),
		"oauth_waiting":   h.hub.Waiting(),
		"cached_views":    h.cache.Len(),
		"export_enabled":  h.exporter != nil,
		"history_enabled": h.history != nil,
	}
	if last := h.cache.GetLastFetchTime(); !last.IsZero() {
		resp["last_view_fetch"] = last.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": host.Sources()})
}

func (h *Handler) ProviderSteps(c *gin.Context) {
	provider := c.Param("provider")
	steps := wizard.StepsFor(provider)
	if steps == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "steps": steps})
}

// OAuthMessage receives the payload the OAuth callback page posts when the
// popup finishes.
func (h *Handler) OAuthMessage(c *gin.Context) {
	var ev oauth.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid OAuth message"})
		return
	}
	if ev.Provider() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unrecognized OAuth message type"})
		return
	}
	campaignID := ev.CampaignID
	if campaignID == "" {
		campaignID = c.Query("campaignId")
	}

	delivered := h.hub.Publish(campaignID, ev)
	h.logger.WithFields(logrus.Fields{
		"type":        ev.Type,
		"campaign_id": campaignID,
		"delivered":   delivered,
	}).Info("OAuth message received")

	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

// statusFor maps a failure to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, host.ErrClosed), errors.Is(err, wizard.ErrClosed):
		return http.StatusGone
	case errors.Is(err, wizard.ErrBusy),
		errors.Is(err, wizard.ErrNotOnStep),
		errors.Is(err, host.ErrNoSource),
		errors.Is(err, host.ErrWrongSource):
		return http.StatusConflict
	case errors.Is(err, wizard.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oauth.ErrPopupBlocked),
		errors.Is(err, oauth.ErrTimeout),
		errors.Is(err, oauth.ErrNotConnected),
		errors.As(err, new(*oauth.AuthError)):
		return http.StatusBadGateway
	}

	switch wizard.KindOf(err) {
	case wizard.KindValidation:
		return http.StatusUnprocessableEntity
	case wizard.KindConsistency:
		return http.StatusConflict
	case wizard.KindConnection, wizard.KindDataLoad, wizard.KindPersistence:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func messageFor(err error) string {
	var werr *wizard.Error
	if errors.As(err, &werr) {
		return werr.Message
	}
	if statusFor(err) == http.StatusInternalServerError {
		return genericFailure
	}
	return err.Error()
}

func (h *Handler) renderError(c *gin.Context, err error, view *host.View) {
	status := statusFor(err)
	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	body := gin.H{"error": messageFor(err)}
	if kind := wizard.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	if status == http.StatusInternalServerError {
		body["hint"] = reloadHint
	}
	if view != nil {
		body["modal"] = view
	}
	c.JSON(status, body)
}
