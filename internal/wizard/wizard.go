// Package wizard drives the multi-step attribution wizard for one provider and
// one campaign: connection, field choice, value crosswalk, value field,
// optional pipeline stage, review and save.
package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"marketpulse/internal/client"
	"marketpulse/internal/loader"
	"marketpulse/internal/models"
	"marketpulse/internal/oauth"
	"marketpulse/internal/persist"
)

const (
	DefaultLookbackDays = 90
	MaxLookbackDays     = 730
)

// errStale marks a load whose result arrived after the wizard moved on.
var errStale = errors.New("stale result")

type API interface {
	ConnectionStatus(ctx context.Context, provider, campaignID string) (*models.ConnectionStatus, error)
	PipelineStages(ctx context.Context, provider, campaignID string) ([]models.PipelineStage, error)
	Preview(ctx context.Context, provider string, cfg models.MappingConfig) (*models.PreviewResult, error)
	LoadMapping(ctx context.Context, provider, campaignID string) (*models.MappingConfig, error)
}

type Connector interface {
	Connect(ctx context.Context, provider, campaignID string, launcher oauth.Launcher) (*models.ConnectionStatus, error)
}

type Saver interface {
	Save(ctx context.Context, cfg models.MappingConfig) (*models.SaveResult, error)
}

// History returns the newest locally recorded save for a campaign and source.
type History interface {
	Latest(ctx context.Context, campaignID, sourceKind string) (*models.MappingHistory, error)
}

// Deps wires the wizard. History is optional; in edit mode it prefills the
// form when the backend has no saved mapping.
type Deps struct {
	API       API
	Loader    *loader.Loader
	Saver     Saver
	Connector Connector
	History   History
	Logger    *logrus.Logger
}

// Outcome is handed to OnSuccess after a mapping is saved.
type Outcome struct {
	Provider   string
	CampaignID string
	Config     models.MappingConfig
	Result     *models.SaveResult
	Message    string
}

type Options struct {
	CampaignID string
	Mode       Mode
	// Initial is the saved mapping to edit. In edit mode it is fetched when nil.
	Initial             *models.MappingConfig
	Currency            string
	DefaultLookbackDays int
	MaxLookbackDays     int
	OnExit              func()
	OnSuccess           func(Outcome)
}

type Wizard struct {
	provider  Provider
	api       API
	loader    *loader.Loader
	saver     Saver
	connector Connector
	history   History
	logger    *logrus.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	closed        bool
	busy          bool
	nav           int
	connectGen    int
	connectCancel context.CancelFunc
	noticeSeq     int
}

func New(provider Provider, deps Deps, opts Options) *Wizard {
	if opts.Mode == "" {
		opts.Mode = ModeConnect
	}
	if opts.DefaultLookbackDays <= 0 {
		opts.DefaultLookbackDays = DefaultLookbackDays
	}
	if opts.MaxLookbackDays <= 0 {
		opts.MaxLookbackDays = MaxLookbackDays
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Wizard{
		provider:  provider,
		api:       deps.API,
		loader:    deps.Loader,
		saver:     deps.Saver,
		connector: deps.Connector,
		history:   deps.History,
		logger:    deps.Logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
	w.state = State{
		Provider:       provider.Name,
		CampaignID:     opts.CampaignID,
		Mode:           opts.Mode,
		LookbackDays:   opts.DefaultLookbackDays,
		Classification: models.ClassificationOffsite,
		Currency:       persist.NormalizeCurrency(opts.Currency),
	}
	if !provider.SupportsConversionValue {
		w.state.ValueSource = models.ValueSourceRevenue
	}
	return w
}

func (w *Wizard) fields() logrus.Fields {
	return logrus.Fields{
		"provider":    w.provider.Name,
		"campaign_id": w.opts.CampaignID,
	}
}

// Start checks the connection, hydrates edit mode and positions the wizard on
// its first visible step. Failures become notices rather than errors.
func (w *Wizard) Start(ctx context.Context) error {
	status, statusErr := w.api.ConnectionStatus(ctx, w.provider.Name, w.opts.CampaignID)

	initial := w.opts.Initial
	var mappingErr error
	if w.opts.Mode == ModeEdit && initial == nil {
		initial, mappingErr = w.api.LoadMapping(ctx, w.provider.Name, w.opts.CampaignID)
		if initial == nil && mappingErr == nil {
			initial = w.lastRecorded(ctx)
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if statusErr != nil {
		w.logger.WithError(statusErr).WithFields(w.fields()).Warn("Connection status check failed")
		w.notifyLocked(KindConnection, client.Message(statusErr, "Could not check the "+w.provider.Label+" connection"))
	} else if status != nil {
		w.state.Connection = *status
	}
	w.loader.SetConnected(w.state.Connection.Connected)

	if mappingErr != nil {
		w.logger.WithError(mappingErr).WithFields(w.fields()).Warn("Saved mapping load failed")
		w.notifyLocked(KindDataLoad, client.Message(mappingErr, "Could not load the saved mapping"))
	}
	if initial != nil {
		w.state.hydrate(*initial)
	}
	if !w.provider.SupportsConversionValue {
		w.state.ValueSource = models.ValueSourceRevenue
		w.state.ConversionValueField = ""
	}
	if !w.provider.SupportsPipeline {
		w.state.PipelineEnabled = false
		w.state.PipelineID, w.state.PipelineStageID = "", ""
	}

	first, ok := w.nextLocked(-1)
	if !ok {
		w.mu.Unlock()
		return ErrNotOnStep
	}
	w.moveLocked(first.ID)
	connected := w.state.Connection.Connected
	w.mu.Unlock()

	w.logger.WithFields(w.fields()).WithFields(logrus.Fields{
		"mode":      w.opts.Mode,
		"connected": connected,
		"step":      first.ID,
	}).Info("Wizard started")

	w.enter(ctx, first)
	return nil
}

// lastRecorded rebuilds the newest mapping recorded in the local history, or
// returns nil.
func (w *Wizard) lastRecorded(ctx context.Context) *models.MappingConfig {
	if w.history == nil {
		return nil
	}
	entry, err := w.history.Latest(ctx, w.opts.CampaignID, w.provider.Name)
	if err != nil {
		w.logger.WithError(err).WithFields(w.fields()).Warn("Revenue history lookup failed")
		return nil
	}
	if entry == nil {
		return nil
	}
	var cfg models.MappingConfig
	if err := json.Unmarshal([]byte(entry.Config), &cfg); err != nil {
		w.logger.WithError(err).WithFields(w.fields()).WithField("history_id", entry.ID).Warn("Ignoring unreadable history entry")
		return nil
	}
	w.logger.WithFields(w.fields()).WithField("history_id", entry.ID).Info("Edit mode prefilled from revenue history")
	return &cfg
}

// Snapshot returns a copy of the current state with its derived values.
func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := Snapshot{State: w.state.clone()}
	cur := w.provider.index(w.state.Step)
	for i, s := range w.provider.Steps {
		if s.Skip != nil && s.Skip(&w.state) && i != cur {
			continue
		}
		snap.Steps = append(snap.Steps, StepView{
			ID:     s.ID,
			Title:  s.Title,
			Active: i == cur,
			Done:   i < cur,
		})
	}
	snap.FilteredValues = w.state.filtered()
	snap.CanSave = w.state.Step == StepReview && !w.state.CurrencyMismatch && !w.state.Saving && !w.busy
	return snap
}

// Next validates the current step, runs its forward side effect and moves to
// the next visible step.
func (w *Wizard) Next(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.busy || w.state.Saving {
		w.mu.Unlock()
		return ErrBusy
	}
	cur := w.provider.index(w.state.Step)
	if cur < 0 {
		w.mu.Unlock()
		return ErrNotOnStep
	}
	step := w.provider.Steps[cur]
	switch step.ID {
	case StepReview:
		w.mu.Unlock()
		return validationError(StepReview, "Save the mapping to finish")
	case StepComplete:
		w.mu.Unlock()
		return ErrNotOnStep
	}
	if step.Guard != nil {
		if err := step.Guard(&w.state); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.busy = true
	nav := w.nav
	w.mu.Unlock()

	if step.OnNext != nil {
		sctx, done := w.scope(ctx)
		err := step.OnNext(w, sctx)
		done()
		if err != nil {
			w.mu.Lock()
			w.busy = false
			w.mu.Unlock()
			if errors.Is(err, errStale) {
				return nil
			}
			return err
		}
	}

	w.mu.Lock()
	w.busy = false
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.nav != nav {
		w.mu.Unlock()
		return nil
	}
	next, ok := w.nextLocked(cur)
	if !ok {
		w.mu.Unlock()
		return ErrNotOnStep
	}
	w.moveLocked(next.ID)
	w.mu.Unlock()

	w.enter(ctx, next)
	return nil
}

// Back moves to the previous visible step without validation. On the first
// step it hands control back to the host through OnExit.
func (w *Wizard) Back() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state.Saving {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.state.Step == StepComplete {
		w.mu.Unlock()
		return ErrNotOnStep
	}
	prev, ok := w.prevLocked(w.provider.index(w.state.Step))
	if !ok {
		onExit := w.opts.OnExit
		w.mu.Unlock()
		if onExit != nil {
			onExit()
		}
		return nil
	}
	w.moveLocked(prev.ID)
	w.mu.Unlock()
	return nil
}

// Retry reruns the current step's data load.
func (w *Wizard) Retry(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	id := w.state.Step
	w.mu.Unlock()

	if id == StepCrosswalk {
		sctx, done := w.scope(ctx)
		defer done()
		if err := w.loadValues(sctx); err != nil && !errors.Is(err, errStale) {
			return err
		}
	} else {
		step, err := w.provider.step(id)
		if err != nil {
			return err
		}
		w.enter(ctx, step)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if msg, ok := w.state.StepErrors[id]; ok {
		return &Error{Kind: KindDataLoad, Step: id, Message: msg}
	}
	return nil
}

// Connect runs the OAuth popup flow. A newer call supersedes an older one whose
// result is then dropped. On success cached provider data is discarded and
// the wizard moves from the connect step to the campaign-field step.
func (w *Wizard) Connect(ctx context.Context, launcher oauth.Launcher) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.connectCancel != nil {
		w.connectCancel()
	}
	w.connectGen++
	gen := w.connectGen
	cctx, cancel := w.scope(ctx)
	w.connectCancel = cancel
	w.state.Connecting = true
	w.state.AuthURL = ""
	w.mu.Unlock()
	defer cancel()

	tracked := oauth.LauncherFunc(func(name, authURL string) bool {
		w.mu.Lock()
		if w.connectGen == gen {
			w.state.AuthURL = authURL
		}
		w.mu.Unlock()
		return launcher.Open(name, authURL)
	})

	status, err := w.connector.Connect(cctx, w.provider.Name, w.opts.CampaignID, tracked)
	if err == nil && (status == nil || !status.Connected) {
		err = oauth.ErrNotConnected
	}

	w.mu.Lock()
	if w.closed || w.connectGen != gen {
		w.mu.Unlock()
		return nil
	}
	w.connectCancel = nil
	w.state.Connecting = false
	w.state.AuthURL = ""
	if err != nil {
		msg := connectMessage(err, w.provider.Label)
		w.notifyLocked(KindConnection, msg)
		w.mu.Unlock()
		w.logger.WithError(err).WithFields(w.fields()).Warn("Provider connection failed")
		return &Error{Kind: KindConnection, Step: StepConnect, Message: msg, Err: err}
	}

	w.state.Connection = *status
	w.loader.Reset()
	w.loader.SetConnected(true)
	w.state.Fields = nil
	w.state.Values = nil
	w.state.Stages = nil
	w.state.Preview = nil
	w.state.StepErrors = nil
	w.nav++

	var reenter *Step
	if w.state.Step == StepConnect {
		if next, ok := w.nextLocked(w.provider.index(StepConnect)); ok {
			w.moveLocked(next.ID)
			reenter = &next
		}
	} else if step, err := w.provider.step(w.state.Step); err == nil && step.OnEnter != nil {
		reenter = &step
	}
	w.mu.Unlock()

	w.logger.WithFields(w.fields()).WithField("account", status.AccountDisplayName).Info("Provider connected")

	if reenter != nil {
		w.enter(ctx, *reenter)
	}
	return nil
}

// CancelConnect abandons an in-flight connection attempt.
func (w *Wizard) CancelConnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connectCancel != nil {
		w.connectCancel()
		w.connectCancel = nil
	}
	w.connectGen++
	w.state.Connecting = false
	w.state.AuthURL = ""
}

// Save persists the mapping from the review step. On failure the wizard stays
// on review; on success it moves to complete and calls OnSuccess.
func (w *Wizard) Save(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state.Step != StepReview {
		w.mu.Unlock()
		return &Error{Kind: KindValidation, Step: w.state.Step, Message: "Review the mapping before saving", Err: ErrNotOnStep}
	}
	if w.busy || w.state.Saving {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.state.CurrencyMismatch {
		msg := w.mismatchMessageLocked()
		w.mu.Unlock()
		return &Error{Kind: KindConsistency, Step: StepReview, Message: msg}
	}
	cfg := w.state.MappingConfig()
	w.busy = true
	w.state.Saving = true
	w.mu.Unlock()

	sctx, done := w.scope(ctx)
	result, err := w.saver.Save(sctx, cfg)
	done()

	w.mu.Lock()
	w.busy = false
	w.state.Saving = false
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		msg := saveMessage(err)
		w.notifyLocked(KindPersistence, msg)
		w.mu.Unlock()
		w.logger.WithError(err).WithFields(w.fields()).Error("Mapping save failed")
		return &Error{Kind: KindPersistence, Step: StepReview, Message: msg, Err: err}
	}

	w.state.Result = result
	w.state.ResultMessage = persist.SuccessMessage(result, cfg.ValueSource, w.state.Currency)
	w.moveLocked(StepComplete)
	outcome := Outcome{
		Provider:   w.provider.Name,
		CampaignID: w.opts.CampaignID,
		Config:     cfg,
		Result:     result,
		Message:    w.state.ResultMessage,
	}
	onSuccess := w.opts.OnSuccess
	w.mu.Unlock()

	if onSuccess != nil {
		onSuccess(outcome)
	}
	return nil
}

// Close cancels all in-flight work. Results that arrive later are ignored.
func (w *Wizard) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.connectCancel != nil {
		w.connectCancel()
		w.connectCancel = nil
	}
	w.mu.Unlock()
	w.cancel()
}

// DismissNotice removes a notice by ID.
func (w *Wizard) DismissNotice(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, n := range w.state.Notices {
		if n.ID == id {
			w.state.Notices = append(w.state.Notices[:i], w.state.Notices[i+1:]...)
			return
		}
	}
}

// scope derives a context that also ends when the wizard closes.
func (w *Wizard) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (w *Wizard) enter(ctx context.Context, step Step) {
	if step.OnEnter == nil {
		return
	}
	sctx, done := w.scope(ctx)
	defer done()
	if err := step.OnEnter(w, sctx); err != nil && !errors.Is(err, errStale) {
		w.logger.WithError(err).WithFields(w.fields()).WithField("step", step.ID).Warn("Step data load failed")
	}
}

func (w *Wizard) nextLocked(from int) (Step, bool) {
	for i := from + 1; i < len(w.provider.Steps); i++ {
		s := w.provider.Steps[i]
		if s.Skip != nil && s.Skip(&w.state) {
			continue
		}
		return s, true
	}
	return Step{}, false
}

func (w *Wizard) prevLocked(from int) (Step, bool) {
	for i := from - 1; i >= 0; i-- {
		s := w.provider.Steps[i]
		if s.Skip != nil && s.Skip(&w.state) {
			continue
		}
		return s, true
	}
	return Step{}, false
}

func (w *Wizard) moveLocked(id StepID) {
	w.state.Step = id
	w.state.Loading = ""
	w.nav++
}

func (w *Wizard) notifyLocked(kind Kind, msg string) {
	w.noticeSeq++
	w.state.Notices = append(w.state.Notices, Notice{ID: w.noticeSeq, Kind: kind, Message: msg})
}

func (w *Wizard) setStepErrorLocked(id StepID, msg string) {
	if w.state.StepErrors == nil {
		w.state.StepErrors = make(map[StepID]string)
	}
	w.state.StepErrors[id] = msg
}

func (w *Wizard) mismatchMessageLocked() string {
	detected := ""
	if w.state.Preview != nil {
		detected = w.state.Preview.DetectedCurrency
	}
	return "Currency mismatch: the campaign uses " + w.state.Currency + " but " + w.provider.Label +
		" reports " + strings.ToUpper(detected) + ". Update the campaign currency before saving."
}

func connectMessage(err error, label string) string {
	var authErr *oauth.AuthError
	switch {
	case errors.Is(err, oauth.ErrPopupBlocked):
		return "Popup blocked. Allow popups for this site and try again."
	case errors.Is(err, oauth.ErrTimeout):
		return "Connecting to " + label + " timed out. Try again."
	case errors.Is(err, oauth.ErrNotConnected):
		return label + " did not confirm the connection. Try again."
	case errors.As(err, &authErr):
		return authErr.Error()
	}
	return client.Message(err, "Could not connect to "+label)
}

func saveMessage(err error) string {
	if errors.Is(err, persist.ErrRejected) || errors.Is(err, persist.ErrInvalid) {
		return err.Error()
	}
	return client.Message(err, "Could not save the mapping")
}
