package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketpulse/internal/client"
)

const maxHistoryLimit = 200

func (h *Handler) RevenueHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Revenue history is not enabled"})
		return
	}
	campaignID := c.Param("id")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	entries, err := h.history.ListByCampaign(c.Request.Context(), campaignID, limit)
	if err != nil {
		h.logger.WithError(err).WithField("campaign_id", campaignID).Error("Failed to list revenue history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load revenue history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"campaign_id": campaignID,
		"total":       len(entries),
		"limit":       limit,
		"data":        entries,
	})
}

// CampaignView proxies one dashboard panel from the backend and caches it
// until a saved revenue source invalidates it.
func (h *Handler) CampaignView(c *gin.Context) {
	campaignID, view := c.Param("id"), c.Param("view")
	if !h.registry.Known(view) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown dashboard view"})
		return
	}

	if data, fetchedAt, ok := h.cache.GetView(campaignID, view); ok {
		c.JSON(http.StatusOK, gin.H{
			"view":       view,
			"cached":     true,
			"fetched_at": fetchedAt.Format(time.RFC3339),
			"data":       data,
		})
		return
	}

	gen := h.cache.Generation(campaignID, view)
	start := time.Now()
	data, err := h.views.FetchView(c.Request.Context(), campaignID, view)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"campaign_id": campaignID,
			"view":        view,
		}).Error("Failed to fetch dashboard view")
		c.JSON(http.StatusBadGateway, gin.H{"error": client.Message(err, "Failed to load dashboard view")})
		return
	}
	stored := h.cache.StoreView(campaignID, view, gen, data)

	h.logger.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"view":        view,
		"cached":      stored,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Dashboard view fetched")

	c.JSON(http.StatusOK, gin.H{
		"view":       view,
		"cached":     false,
		"fetched_at": start.Format(time.RFC3339),
		"data":       data,
	})
}

// DashboardViews lists each platform context with the views a save in that
// context invalidates.
func (h *Handler) DashboardViews(c *gin.Context) {
	contexts := h.registry.Contexts()
	out := make(gin.H, len(contexts))
	for _, name := range contexts {
		out[name] = h.registry.Views(name)
	}
	c.JSON(http.StatusOK, gin.H{"contexts": out})
}
