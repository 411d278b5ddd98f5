package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketpulse/internal/client"
	"marketpulse/internal/models"
	"marketpulse/internal/oauth"
	"marketpulse/internal/wizard"
)

// integrationProvider reports whether name is a provider with an OAuth
// connection: every wizard provider plus the analytics and sheets accounts.
func integrationProvider(name string) bool {
	switch name {
	case models.ProviderGoogleAnalytics, models.ProviderGoogleSheets:
		return true
	}
	_, ok := wizard.ProviderFor(name)
	return ok
}

// integration resolves :provider and the campaignId query or writes an error.
func (h *Handler) integration(c *gin.Context) (string, string, bool) {
	provider := c.Param("provider")
	if !integrationProvider(provider) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
		return "", "", false
	}
	campaignID := c.Query("campaignId")
	if campaignID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campaignId is required"})
		return "", "", false
	}
	return provider, campaignID, true
}

func (h *Handler) IntegrationStatus(c *gin.Context) {
	provider, campaignID, ok := h.integration(c)
	if !ok {
		return
	}
	status, err := h.api.ConnectionStatus(c.Request.Context(), provider, campaignID)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"provider":    provider,
			"campaign_id": campaignID,
		}).Warn("Connection status check failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": client.Message(err, "Could not check the connection")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "campaignId": campaignID, "status": status})
}

// IntegrationConnect starts an OAuth round-trip outside any dialog, for
// accounts such as Google Analytics that have no wizard.
func (h *Handler) IntegrationConnect(c *gin.Context) {
	provider, campaignID, ok := h.integration(c)
	if !ok {
		return
	}

	var status *models.ConnectionStatus
	h.startConnect(c, connectFlow{
		fields: logrus.Fields{"provider": provider, "campaign_id": campaignID},
		connect: func(ctx context.Context, launcher oauth.Launcher) error {
			st, err := h.connector.Connect(ctx, provider, campaignID, launcher)
			if err != nil {
				return err
			}
			if st == nil || !st.Connected {
				return oauth.ErrNotConnected
			}
			status = st
			return nil
		},
		pending: func(body gin.H) { body["provider"] = provider },
		finish: func(c *gin.Context, err error) {
			if err != nil {
				h.renderError(c, err, nil)
				return
			}
			c.JSON(http.StatusOK, gin.H{"provider": provider, "campaignId": campaignID, "status": status})
		},
	})
}
