// Package host runs the "Add revenue source" dialog: the source picker, the
// manual, CSV and Google Sheets flows, and the provider wizards. It fans out
// every successful save to the dashboard views, the history log and the sink.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketpulse/internal/client"
	"marketpulse/internal/config"
	"marketpulse/internal/export"
	"marketpulse/internal/loader"
	"marketpulse/internal/models"
	"marketpulse/internal/oauth"
	"marketpulse/internal/persist"
	"marketpulse/internal/views"
	"marketpulse/internal/wizard"
)

const fanOutTimeout = 15 * time.Second

var (
	ErrClosed      = errors.New("revenue source dialog is closed")
	ErrNoSource    = errors.New("no revenue source selected")
	ErrWrongSource = errors.New("action does not apply to the selected source")
)

// API is everything the dialog and its wizards call on the backend.
type API interface {
	wizard.API
	loader.API
	persist.API
	SaveManualRevenue(ctx context.Context, campaignID string, revenue models.ManualRevenue) (*models.SaveResult, error)
	SheetRows(ctx context.Context, campaignID string) (*models.SheetData, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, campaignID, platformContext string) ([]string, error)
}

// HistoryRecorder logs every save and hands the newest one back to edit-mode
// wizards.
type HistoryRecorder interface {
	Record(ctx context.Context, h *models.MappingHistory) error
	wizard.History
}

type Exporter interface {
	ExportMapping(ctx context.Context, record models.SavedMappingExport) error
}

// Deps wires the dialog. Invalidator, History and Exporter are optional.
type Deps struct {
	API         API
	Connector   wizard.Connector
	Invalidator Invalidator
	History     HistoryRecorder
	Exporter    Exporter
	Wizard      config.WizardConfig
	Logger      *logrus.Logger
}

type Options struct {
	CampaignID string
	Currency   string
	// ReturnToPicker keeps the dialog open on the picker after a save instead
	// of closing it.
	ReturnToPicker bool
	// EditSource opens that source's wizard in edit mode with Initial.
	EditSource SourceKind
	Initial    *models.MappingConfig
}

// Completion describes the last successful save.
type Completion struct {
	Source  SourceKind `json:"source"`
	Amount  float64    `json:"amount"`
	Message string     `json:"message"`
	Views   []string   `json:"invalidatedViews,omitempty"`
}

// View is a snapshot of the dialog for the UI.
type View struct {
	ID              string           `json:"id"`
	CampaignID      string           `json:"campaignId"`
	Open            bool             `json:"open"`
	Source          SourceKind       `json:"source,omitempty"`
	Sources         []SourceInfo     `json:"sources"`
	Wizard          *wizard.Snapshot `json:"wizard,omitempty"`
	Table           *TableView       `json:"table,omitempty"`
	SheetsConnected bool             `json:"sheetsConnected,omitempty"`
	Connecting      bool             `json:"connecting,omitempty"`
	Completion      *Completion      `json:"completion,omitempty"`
}

type Modal struct {
	ID   string
	deps Deps
	opts Options

	mu              sync.Mutex
	open            bool
	source          SourceKind
	wiz             *wizard.Wizard
	table           *Table
	sheetsConnected bool
	connecting      bool
	connectGen      int
	connectCancel   context.CancelFunc
	completion      *Completion
}

// NewModal returns an open dialog showing the source picker.
func NewModal(deps Deps, opts Options) *Modal {
	return &Modal{
		ID:   uuid.NewString(),
		deps: deps,
		opts: opts,
		open: true,
	}
}

func (m *Modal) fields() logrus.Fields {
	return logrus.Fields{"modal_id": m.ID, "campaign_id": m.opts.CampaignID}
}

func (m *Modal) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := View{
		ID:              m.ID,
		CampaignID:      m.opts.CampaignID,
		Open:            m.open,
		Source:          m.source,
		Sources:         Sources(),
		Table:           m.table.view(),
		SheetsConnected: m.sheetsConnected,
		Connecting:      m.connecting,
	}
	if m.wiz != nil {
		snap := m.wiz.Snapshot()
		v.Wizard = &snap
	}
	if m.completion != nil {
		c := *m.completion
		v.Completion = &c
	}
	return v
}

// Wizard returns the running provider wizard, or nil.
func (m *Modal) Wizard() *wizard.Wizard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wiz
}

// Open reopens a closed dialog on a fresh picker.
func (m *Modal) Open() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return
	}
	m.resetLocked()
	m.completion = nil
	m.open = true
}

// Close discards every per-source state and cancels in-flight work.
func (m *Modal) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	m.open = false
}

// Back returns to the picker. Inside a wizard it steps the wizard back first.
func (m *Modal) Back() error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrClosed
	}
	wiz := m.wiz
	if wiz == nil {
		m.resetLocked()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return wiz.Back()
}

// Select leaves the picker for the flow of kind.
func (m *Modal) Select(ctx context.Context, kind SourceKind) error {
	info, ok := lookupSource(kind)
	if !ok {
		return &wizard.Error{Kind: wizard.KindValidation, Message: fmt.Sprintf("Unknown revenue source %q", kind)}
	}

	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrClosed
	}
	m.resetLocked()
	m.completion = nil
	m.source = kind

	var wiz *wizard.Wizard
	if info.Wizard {
		wiz = m.newWizardLocked(kind)
		m.wiz = wiz
	}
	m.mu.Unlock()

	m.deps.Logger.WithFields(m.fields()).WithField("source", kind).Info("Revenue source selected")

	switch {
	case wiz != nil:
		return wiz.Start(ctx)
	case kind == SourceSheets:
		return m.refreshSheets(ctx)
	}
	return nil
}

func (m *Modal) newWizardLocked(kind SourceKind) *wizard.Wizard {
	provider, _ := wizard.ProviderFor(string(kind))
	opts := wizard.Options{
		CampaignID:          m.opts.CampaignID,
		Mode:                wizard.ModeConnect,
		Currency:            m.opts.Currency,
		DefaultLookbackDays: m.deps.Wizard.DefaultLookbackDays,
		MaxLookbackDays:     m.deps.Wizard.MaxLookbackDays,
		OnExit:              m.exitWizard,
		OnSuccess:           m.wizardSaved,
	}
	if m.opts.EditSource == kind {
		opts.Mode = wizard.ModeEdit
		opts.Initial = m.opts.Initial
	}
	return wizard.New(provider, wizard.Deps{
		API:       m.deps.API,
		Loader:    loader.New(m.deps.API, provider.Name, m.opts.CampaignID, m.deps.Wizard.UniqueValuesLimit, m.deps.Logger),
		Saver:     persist.NewClient(m.deps.API, m.deps.Logger),
		Connector: m.deps.Connector,
		History:   m.deps.History,
		Logger:    m.deps.Logger,
	}, opts)
}

// exitWizard runs when Back is pressed on a wizard's first step.
func (m *Modal) exitWizard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Modal) wizardSaved(o wizard.Outcome) {
	amount, _ := persist.Amount(o.Result, o.Config.ValueSource)
	m.complete(SourceKind(o.Provider), o.Config, o.Config, amount, o.Message)
}

// SubmitManual saves a typed amount.
func (m *Modal) SubmitManual(ctx context.Context, amount float64, currency string) error {
	if err := m.requireSource(SourceManual); err != nil {
		return err
	}
	if amount <= 0 {
		return &wizard.Error{Kind: wizard.KindValidation, Message: "Enter an amount greater than zero"}
	}
	return m.saveRevenue(ctx, SourceManual, amount, currency, "")
}

// UploadCSV parses an uploaded file and keeps it for the column picker.
func (m *Modal) UploadCSV(r io.Reader) (*TableView, error) {
	if err := m.requireSource(SourceCSV); err != nil {
		return nil, err
	}
	table, err := ParseCSV(r)
	if err != nil {
		return nil, &wizard.Error{Kind: wizard.KindValidation, Message: err.Error(), Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.source != SourceCSV {
		return nil, ErrWrongSource
	}
	m.table = table
	return table.view(), nil
}

// SubmitTable sums column of the uploaded CSV or fetched sheet and saves it.
func (m *Modal) SubmitTable(ctx context.Context, column, currency string) error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrClosed
	}
	source, table := m.source, m.table
	m.mu.Unlock()

	if source != SourceCSV && source != SourceSheets {
		return ErrWrongSource
	}
	if table == nil {
		return &wizard.Error{Kind: wizard.KindValidation, Message: "Load a table before choosing a column"}
	}
	total, counted, skipped, err := table.SumColumn(column)
	if err != nil {
		return &wizard.Error{Kind: wizard.KindValidation, Message: err.Error(), Err: err}
	}
	if counted == 0 {
		return &wizard.Error{Kind: wizard.KindValidation, Message: fmt.Sprintf("Column %q has no amounts", column)}
	}
	m.deps.Logger.WithFields(m.fields()).WithFields(logrus.Fields{
		"source":  source,
		"column":  column,
		"rows":    counted,
		"skipped": skipped,
	}).Info("Summed revenue column")

	return m.saveRevenue(ctx, source, total, currency, column)
}

// ConnectSheets authorizes Google Sheets and loads the rows.
func (m *Modal) ConnectSheets(ctx context.Context, launcher oauth.Launcher) error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.source != SourceSheets {
		m.mu.Unlock()
		return ErrWrongSource
	}
	if m.connectCancel != nil {
		m.connectCancel()
	}
	m.connectGen++
	gen := m.connectGen
	cctx, cancel := context.WithCancel(ctx)
	m.connectCancel = cancel
	m.connecting = true
	m.mu.Unlock()
	defer cancel()

	status, err := m.deps.Connector.Connect(cctx, models.ProviderGoogleSheets, m.opts.CampaignID, launcher)
	if err == nil && (status == nil || !status.Connected) {
		err = oauth.ErrNotConnected
	}

	m.mu.Lock()
	if m.connectGen != gen {
		m.mu.Unlock()
		return nil
	}
	m.connectCancel = nil
	m.connecting = false
	if err != nil {
		m.mu.Unlock()
		return &wizard.Error{Kind: wizard.KindConnection, Message: connectMessage(err), Err: err}
	}
	m.sheetsConnected = true
	m.mu.Unlock()

	return m.loadSheet(ctx)
}

func (m *Modal) refreshSheets(ctx context.Context) error {
	status, err := m.deps.API.ConnectionStatus(ctx, models.ProviderGoogleSheets, m.opts.CampaignID)
	if err != nil {
		return &wizard.Error{Kind: wizard.KindConnection, Message: client.Message(err, "Could not check the Google Sheets connection"), Err: err}
	}
	m.mu.Lock()
	if m.source != SourceSheets {
		m.mu.Unlock()
		return nil
	}
	m.sheetsConnected = status.Connected
	m.mu.Unlock()

	if !status.Connected {
		return nil
	}
	return m.loadSheet(ctx)
}

func (m *Modal) loadSheet(ctx context.Context) error {
	data, err := m.deps.API.SheetRows(ctx, m.opts.CampaignID)
	if err != nil {
		return &wizard.Error{Kind: wizard.KindDataLoad, Message: client.Message(err, "Could not load the sheet"), Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.source != SourceSheets {
		return nil
	}
	m.table = &Table{Headers: data.Headers, Rows: data.Rows}
	return nil
}

func (m *Modal) saveRevenue(ctx context.Context, source SourceKind, amount float64, currency, column string) error {
	code := persist.NormalizeCurrency(currency)
	if currency == "" {
		code = persist.NormalizeCurrency(m.opts.Currency)
		if code == "" {
			code = "USD"
		}
	}
	if code == "" {
		return &wizard.Error{Kind: wizard.KindValidation, Message: fmt.Sprintf("%q is not a currency code", currency)}
	}

	revenue := models.ManualRevenue{Amount: amount, Currency: code, Source: string(source)}
	result, err := m.deps.API.SaveManualRevenue(ctx, m.opts.CampaignID, revenue)
	if err == nil && !result.Success {
		err = fmt.Errorf("%w: %s", persist.ErrRejected, result.Message)
	}
	if err != nil {
		m.deps.Logger.WithError(err).WithFields(m.fields()).Error("Manual revenue save failed")
		return &wizard.Error{Kind: wizard.KindPersistence, Message: client.Message(err, "Could not save revenue"), Err: err}
	}

	saved := amount
	if result.TotalRevenue != nil {
		saved = *result.TotalRevenue
	}
	if result.Currency != "" {
		code = result.Currency
	}
	cfg := models.MappingConfig{
		CampaignID:  m.opts.CampaignID,
		Provider:    string(source),
		ValueSource: models.ValueSourceRevenue,
	}
	payload := struct {
		models.ManualRevenue
		Column string `json:"column,omitempty"`
	}{revenue, column}

	m.complete(source, cfg, payload, saved, "Total revenue: "+persist.FormatMoney(saved, code))
	return nil
}

// complete fans a successful save out to the dashboard views, the history
// log and the sink, then returns to the picker or closes the dialog.
func (m *Modal) complete(source SourceKind, cfg models.MappingConfig, payload interface{}, amount float64, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), fanOutTimeout)
	defer cancel()
	logger := m.deps.Logger.WithFields(m.fields()).WithField("source", source)

	var keys []string
	if m.deps.Invalidator != nil {
		var err error
		keys, err = m.deps.Invalidator.Invalidate(ctx, m.opts.CampaignID, views.ContextFor(string(source)))
		if err != nil {
			logger.WithError(err).Warn("Failed to invalidate dashboard views")
		}
	}

	if m.deps.History != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			raw = []byte("{}")
		}
		entry := &models.MappingHistory{
			CampaignID:  m.opts.CampaignID,
			SourceKind:  string(source),
			ValueSource: string(cfg.ResolveValueSource()),
			Amount:      amount,
			Config:      string(raw),
		}
		if err := m.deps.History.Record(ctx, entry); err != nil {
			logger.WithError(err).Warn("Failed to record revenue history")
		}
	}

	if m.deps.Exporter != nil {
		if err := m.deps.Exporter.ExportMapping(ctx, export.NewRecord(string(source), cfg, amount, time.Now())); err != nil {
			logger.WithError(err).Warn("Failed to export saved mapping")
		}
	}

	logger.WithField("amount", amount).Info("Revenue source saved")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.completion = &Completion{Source: source, Amount: amount, Message: message, Views: keys}
	m.resetLocked()
	if !m.opts.ReturnToPicker {
		m.open = false
	}
}

func (m *Modal) requireSource(kind SourceKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrClosed
	}
	if m.source == "" {
		return ErrNoSource
	}
	if m.source != kind {
		return ErrWrongSource
	}
	return nil
}

// resetLocked drops every per-source state and returns to the picker.
func (m *Modal) resetLocked() {
	if m.wiz != nil {
		m.wiz.Close()
		m.wiz = nil
	}
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	m.connectGen++
	m.connecting = false
	m.source = ""
	m.table = nil
	m.sheetsConnected = false
}

func connectMessage(err error) string {
	var authErr *oauth.AuthError
	switch {
	case errors.Is(err, oauth.ErrPopupBlocked):
		return "Popup blocked. Allow popups for this site and try again."
	case errors.Is(err, oauth.ErrTimeout):
		return "Connecting to Google Sheets timed out. Try again."
	case errors.Is(err, oauth.ErrNotConnected):
		return "Google Sheets did not confirm the connection. Try again."
	case errors.As(err, &authErr):
		return authErr.Error()
	}
	return client.Message(err, "Could not connect to Google Sheets")
}
