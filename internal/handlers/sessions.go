package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketpulse/internal/host"
	"marketpulse/internal/models"
	"marketpulse/internal/oauth"
	"marketpulse/internal/wizard"
)

const maxUploadBytes = 10 << 20

type createModalRequest struct {
	CampaignID     string                `json:"campaignId" binding:"required"`
	Currency       string                `json:"currency"`
	ReturnToPicker bool                  `json:"returnToPicker"`
	EditSource     string                `json:"editSource"`
	Initial        *models.MappingConfig `json:"initialMappingConfig"`
}

type selectRequest struct {
	Source string `json:"source" binding:"required"`
}

type manualRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type tableRequest struct {
	Column   string `json:"column" binding:"required"`
	Currency string `json:"currency"`
}

func (h *Handler) CreateModal(c *gin.Context) {
	var req createModalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campaignId is required"})
		return
	}

	m := host.NewModal(host.Deps{
		API:         h.api,
		Connector:   h.connector,
		Invalidator: h.invalidator,
		History:     h.history,
		Exporter:    h.exporter,
		Wizard:      h.config.Wizard,
		Logger:      h.logger,
	}, host.Options{
		CampaignID:     req.CampaignID,
		Currency:       req.Currency,
		ReturnToPicker: req.ReturnToPicker,
		EditSource:     host.SourceKind(req.EditSource),
		Initial:        req.Initial,
	})
	h.sessions.Put(m.ID, m)

	h.logger.WithFields(logrus.Fields{
		"modal_id":    m.ID,
		"campaign_id": req.CampaignID,
		"edit_source": req.EditSource,
	}).Info("Revenue source dialog opened")

	if req.EditSource != "" {
		if err := m.Select(c.Request.Context(), host.SourceKind(req.EditSource)); err != nil {
			h.renderModalError(c, m, err)
			return
		}
	}
	c.JSON(http.StatusCreated, m.View())
}

// modal resolves the :id session or writes a 404.
func (h *Handler) modal(c *gin.Context) (*host.Modal, bool) {
	m, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Revenue source dialog not found"})
		return nil, false
	}
	return m, true
}

func (h *Handler) renderModalError(c *gin.Context, m *host.Modal, err error) {
	view := m.View()
	h.renderError(c, err, &view)
}

// respond writes the dialog view, or the error with the view attached.
func (h *Handler) respond(c *gin.Context, m *host.Modal, err error) {
	if err != nil {
		h.renderModalError(c, m, err)
		return
	}
	c.JSON(http.StatusOK, m.View())
}

func (h *Handler) GetModal(c *gin.Context) {
	if m, ok := h.modal(c); ok {
		c.JSON(http.StatusOK, m.View())
	}
}

func (h *Handler) DeleteModal(c *gin.Context) {
	if !h.sessions.Delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Revenue source dialog not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) OpenModal(c *gin.Context) {
	if m, ok := h.modal(c); ok {
		m.Open()
		c.JSON(http.StatusOK, m.View())
	}
}

func (h *Handler) CloseModal(c *gin.Context) {
	if m, ok := h.modal(c); ok {
		m.Close()
		c.JSON(http.StatusOK, m.View())
	}
}

func (h *Handler) SelectSource(c *gin.Context) {
	m, ok := h.modal(c)
	if !ok {
		return
	}
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source is required"})
		return
	}
	h.respond(c, m, m.Select(c.Request.Context(), host.SourceKind(req.Source)))
}

func (h *Handler) ModalBack(c *gin.Context) {
	if m, ok := h.modal(c); ok {
		h.respond(c, m, m.Back())
	}
}

func (h *Handler) SubmitManual(c *gin.Context) {
	m, ok := h.modal(c)
	if !ok {
		return
	}
	var req manualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required"})
		return
	}
	h.respond(c, m, m.SubmitManual(c.Request.Context(), req.Amount, req.Currency))
}

func (h *Handler) UploadCSV(c *gin.Context) {
	m, ok := h.modal(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Attach a CSV file in the \"file\" field"})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "CSV file is too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.renderModalError(c, m, err)
		return
	}
	defer f.Close()

	if _, err := m.UploadCSV(f); err != nil {
		h.renderModalError(c, m, err)
		return
	}
	c.JSON(http.StatusOK, m.View())
}

func (h *Handler) SubmitTable(c *gin.Context) {
	m, ok := h.modal(c)
	if !ok {
		return
	}
	var req tableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "column is required"})
		return
	}
	h.respond(c, m, m.SubmitTable(c.Request.Context(), req.Column, req.Currency))
}

func (h *Handler) ConnectSheets(c *gin.Context) {
	m, ok := h.modal(c)
	if !ok {
		return
	}
	h.startModalConnect(c, m, m.ConnectSheets)
}

// connectFlow describes one background OAuth round-trip started over HTTP.
// pending decorates the 202 body; finish renders the result when connect
// returns before the authorization URL is known.
type connectFlow struct {
	fields  logrus.Fields
	connect func(ctx context.Context, launcher oauth.Launcher) error
	pending func(body gin.H)
	finish  func(c *gin.Context, err error)
}

// startConnect runs the flow in the background and answers as soon as the
// authorization URL is known, so the UI can open the popup. The flow keeps
// running until the callback page posts to /api/oauth/messages, the status
// poll sees the connection, or the connector times out.
func (h *Handler) startConnect(c *gin.Context, flow connectFlow) {
	urls := make(chan string, 1)
	done := make(chan error, 1)
	launcher := oauth.LauncherFunc(func(_ string, authURL string) bool {
		select {
		case urls <- authURL:
			return true
		default:
			return false
		}
	})

	go func() {
		err := flow.connect(context.Background(), launcher)
		if err != nil {
			h.logger.WithError(err).WithFields(flow.fields).Warn("OAuth connect finished with an error")
		}
		done <- err
	}()

	select {
	case authURL := <-urls:
		body := gin.H{"status": "pending", "authUrl": authURL}
		if flow.pending != nil {
			flow.pending(body)
		}
		c.JSON(http.StatusAccepted, body)
	case err := <-done:
		flow.finish(c, err)
	case <-c.Request.Context().Done():
	}
}

func (h *Handler) startModalConnect(c *gin.Context, m *host.Modal, connect func(context.Context, oauth.Launcher) error) {
	h.startConnect(c, connectFlow{
		fields:  logrus.Fields{"modal_id": m.ID},
		connect: connect,
		pending: func(body gin.H) { body["modal"] = m.View() },
		finish:  func(c *gin.Context, err error) { h.respond(c, m, err) },
	})
}

// runningWizard resolves the :id session's running wizard or writes an error.
func (h *Handler) runningWizard(c *gin.Context) (*host.Modal, *wizard.Wizard, bool) {
	m, ok := h.modal(c)
	if !ok {
		return nil, nil, false
	}
	w := m.Wizard()
	if w == nil {
		view := m.View()
		c.JSON(http.StatusConflict, gin.H{"error": "No provider wizard is running", "modal": view})
		return nil, nil, false
	}
	return m, w, true
}

func (h *Handler) WizardNext(c *gin.Context) {
	if m, w, ok := h.runningWizard(c); ok {
		h.respond(c, m, w.Next(c.Request.Context()))
	}
}

func (h *Handler) WizardBack(c *gin.Context) {
	if m, w, ok := h.runningWizard(c); ok {
		h.respond(c, m, w.Back())
	}
}

func (h *Handler) WizardRetry(c *gin.Context) {
	if m, w, ok := h.runningWizard(c); ok {
		h.respond(c, m, w.Retry(c.Request.Context()))
	}
}

func (h *Handler) WizardConnect(c *gin.Context) {
	if m, w, ok := h.runningWizard(c); ok {
		h.startModalConnect(c, m, w.Connect)
	}
}

func (h *Handler) WizardCancelConnect(c *gin.Context) {
	if m, w, ok := h.runningWizard(c); ok {
		w.CancelConnect()
		c.JSON(http.StatusOK, m.View())
	}
}

func (h *Handler) WizardSave(c *gin.Context) {
	if m, w, ok := h.runningWizard(c); ok {
		h.respond(c, m, w.Save(c.Request.Context()))
	}
}

type fieldRequest struct {
	Field string `json:"field"`
}

func (h *Handler) WizardField(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req fieldRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Field == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field is required"})
		return
	}
	h.respond(c, m, w.ChooseField(req.Field))
}

func (h *Handler) WizardValues(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req struct {
		Values []string `json:"values"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "values must be a list"})
		return
	}
	h.respond(c, m, w.SetSelectedValues(req.Values))
}

func (h *Handler) WizardToggleValue(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}
	h.respond(c, m, w.ToggleValue(req.Value))
}

func (h *Handler) WizardSearch(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req struct {
		Search string `json:"search"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid search"})
		return
	}
	w.SetSearch(req.Search)
	c.JSON(http.StatusOK, m.View())
}

func (h *Handler) WizardLookback(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req struct {
		Days int `json:"days" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days is required"})
		return
	}
	h.respond(c, m, w.SetLookback(c.Request.Context(), req.Days))
}

func (h *Handler) WizardValueSource(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req struct {
		ValueSource models.ValueSource `json:"valueSource" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "valueSource is required"})
		return
	}
	h.respond(c, m, w.SetValueSource(req.ValueSource))
}

func (h *Handler) WizardValueField(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req fieldRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Field == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field is required"})
		return
	}
	h.respond(c, m, w.SetValueField(req.Field))
}

func (h *Handler) WizardConversionField(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req fieldRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Field == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field is required"})
		return
	}
	h.respond(c, m, w.SetConversionValueField(req.Field))
}

func (h *Handler) WizardPipeline(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req struct {
		Enabled bool   `json:"enabled"`
		StageID string `json:"stageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid pipeline settings"})
		return
	}
	h.respond(c, m, w.SetPipeline(req.Enabled, req.StageID))
}

func (h *Handler) WizardClassification(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	var req struct {
		Classification models.RevenueClassification `json:"classification" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "classification is required"})
		return
	}
	h.respond(c, m, w.SetClassification(req.Classification))
}

func (h *Handler) WizardDismissNotice(c *gin.Context) {
	m, w, ok := h.runningWizard(c)
	if !ok {
		return
	}
	id, err := strconv.Atoi(c.Param("notice"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notice id"})
		return
	}
	w.DismissNotice(id)
	c.JSON(http.StatusOK, m.View())
}
