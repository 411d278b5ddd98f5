package wizard

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"marketpulse/internal/client"
	"marketpulse/internal/loader"
	"marketpulse/internal/models"
	"marketpulse/internal/oauth"
	"marketpulse/internal/persist"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAPI struct {
	mu           sync.Mutex
	status       models.ConnectionStatus
	statusErr    error
	fields       []models.AttributableField
	values       []models.UniqueValue
	valuesErr    error
	valuesGate   chan struct{}
	lastDays     int
	stages       []models.PipelineStage
	preview      *models.PreviewResult
	previewErr   error
	previewCalls int
	mapping      *models.MappingConfig
	mappingCalls int
	saved        []models.MappingConfig
	saveResult   *models.SaveResult
	saveErr      error
}

func (f *fakeAPI) ConnectionStatus(ctx context.Context, provider, campaignID string) (*models.ConnectionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

func (f *fakeAPI) ListFields(ctx context.Context, provider, campaignID string) ([]models.AttributableField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields, nil
}

func (f *fakeAPI) UniqueValues(ctx context.Context, provider, campaignID, field string, days, limit int) ([]models.UniqueValue, error) {
	f.mu.Lock()
	gate := f.valuesGate
	f.lastDays = days
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.valuesErr != nil {
		return nil, f.valuesErr
	}
	return f.values, nil
}

func (f *fakeAPI) PipelineStages(ctx context.Context, provider, campaignID string) ([]models.PipelineStage, error) {
	return f.stages, nil
}

func (f *fakeAPI) Preview(ctx context.Context, provider string, cfg models.MappingConfig) (*models.PreviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewCalls++
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	if f.preview == nil {
		return &models.PreviewResult{Headers: []string{"value", "amount"}}, nil
	}
	p := *f.preview
	return &p, nil
}

func (f *fakeAPI) LoadMapping(ctx context.Context, provider, campaignID string) (*models.MappingConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mappingCalls++
	return f.mapping, nil
}

func (f *fakeAPI) SaveMapping(ctx context.Context, provider string, cfg models.MappingConfig) (*models.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, cfg)
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	if f.saveResult == nil {
		return &models.SaveResult{Success: true}, nil
	}
	return f.saveResult, nil
}

// fakeConnector answers each call with the next scripted outcome. A nil
// outcome blocks until the call's context ends.
type fakeConnector struct {
	mu       sync.Mutex
	outcomes []*connectOutcome
	calls    int
	started  chan struct{}
}

type connectOutcome struct {
	status *models.ConnectionStatus
	err    error
}

func (f *fakeConnector) Connect(ctx context.Context, provider, campaignID string, launcher oauth.Launcher) (*models.ConnectionStatus, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	var out *connectOutcome
	if i < len(f.outcomes) {
		out = f.outcomes[i]
	}
	started := f.started
	f.mu.Unlock()

	if !launcher.Open(oauth.PopupName(provider), "https://auth.example.test/"+provider) {
		return nil, oauth.ErrPopupBlocked
	}
	if started != nil {
		started <- struct{}{}
	}
	if out == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return out.status, out.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func ptr(f float64) *float64 { return &f }

var (
	utmField     = models.AttributableField{Name: "utm_campaign", Label: "UTM Campaign", Type: "string"}
	amountField  = models.AttributableField{Name: "amount", Label: "Amount", Type: "number"}
	estField     = models.AttributableField{Name: "deal_value_estimate", Label: "Estimated value", Type: "number"}
	openLauncher = oauth.LauncherFunc(func(string, string) bool { return true })
)

func newAPI(connected bool) *fakeAPI {
	return &fakeAPI{
		status: models.ConnectionStatus{Connected: connected, AccountDisplayName: "Acme"},
		fields: []models.AttributableField{utmField, amountField, estField},
		values: []models.UniqueValue{
			{Value: "Q1-Launch", Count: 12},
			{Value: "Brand", Count: 4},
		},
		stages: []models.PipelineStage{
			{ID: "closedwon", Label: "Closed won", PipelineID: "default"},
		},
		preview:    &models.PreviewResult{CampaignCurrency: "USD", DetectedCurrency: "USD"},
		saveResult: &models.SaveResult{Success: true, TotalRevenue: ptr(15234.50)},
	}
}

func newWizard(t *testing.T, provider string, api *fakeAPI, conn *fakeConnector, opts Options) *Wizard {
	t.Helper()
	p, ok := ProviderFor(provider)
	require.True(t, ok)
	if conn == nil {
		conn = &fakeConnector{}
	}
	if opts.CampaignID == "" {
		opts.CampaignID = "camp-1"
	}
	logger := quietLogger()
	w := New(p, Deps{
		API:       api,
		Loader:    loader.New(api, provider, opts.CampaignID, 0, logger),
		Saver:     persist.NewClient(api, logger),
		Connector: conn,
		Logger:    logger,
	}, opts)
	t.Cleanup(w.Close)
	return w
}

func TestStepTables(t *testing.T) {
	assert.Equal(t, []StepID{
		StepValueSource, StepConnect, StepCampaignField, StepCrosswalk,
		StepPipeline, StepRevenue, StepReview, StepComplete,
	}, StepsFor(models.ProviderHubSpot))
	assert.Equal(t, StepsFor(models.ProviderHubSpot), StepsFor(models.ProviderSalesforce))
	assert.Equal(t, []StepID{
		StepConnect, StepCampaignField, StepCrosswalk, StepRevenue, StepReview, StepComplete,
	}, StepsFor(models.ProviderShopify))
	assert.Nil(t, StepsFor("unknown"))
}

func TestStartSkipsConnectWhenConnected(t *testing.T) {
	api := newAPI(true)
	w := newWizard(t, models.ProviderShopify, api, nil, Options{})
	require.NoError(t, w.Start(context.Background()))

	snap := w.Snapshot()
	assert.Equal(t, StepCampaignField, snap.Step)
	assert.Len(t, snap.Fields, 3)
	assert.Equal(t, models.ValueSourceRevenue, snap.ValueSource)
	assert.Equal(t, 90, snap.LookbackDays)
}

func TestHubSpotRevenueFlow(t *testing.T) {
	ctx := context.Background()
	api := newAPI(false)
	conn := &fakeConnector{outcomes: []*connectOutcome{
		{status: &models.ConnectionStatus{Connected: true, AccountDisplayName: "Acme"}},
	}}
	var outcomes []Outcome
	w := newWizard(t, models.ProviderHubSpot, api, conn, Options{
		Currency:  "usd",
		OnSuccess: func(o Outcome) { outcomes = append(outcomes, o) },
	})
	require.NoError(t, w.Start(ctx))
	assert.Equal(t, StepValueSource, w.Snapshot().Step)

	require.NoError(t, w.SetValueSource(models.ValueSourceRevenue))
	require.NoError(t, w.Next(ctx))
	assert.Equal(t, StepConnect, w.Snapshot().Step)

	err := w.Next(ctx)
	assert.Equal(t, KindValidation, KindOf(err))

	require.NoError(t, w.Connect(ctx, openLauncher))
	snap := w.Snapshot()
	assert.Equal(t, StepCampaignField, snap.Step)
	assert.True(t, snap.Connection.Connected)
	assert.Len(t, snap.Fields, 3)

	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))
	snap = w.Snapshot()
	assert.Equal(t, StepCrosswalk, snap.Step)
	assert.Len(t, snap.Values, 2)

	require.NoError(t, w.ToggleValue("Q1-Launch"))
	require.NoError(t, w.Next(ctx))
	snap = w.Snapshot()
	assert.Equal(t, StepPipeline, snap.Step)
	assert.Len(t, snap.Stages, 1)

	require.NoError(t, w.Next(ctx))
	assert.Equal(t, StepRevenue, w.Snapshot().Step)

	require.NoError(t, w.SetValueField("amount"))
	require.NoError(t, w.Next(ctx))
	snap = w.Snapshot()
	assert.Equal(t, StepReview, snap.Step)
	assert.True(t, snap.CanSave)
	assert.NotNil(t, snap.Preview)

	require.NoError(t, w.Save(ctx))
	snap = w.Snapshot()
	assert.Equal(t, StepComplete, snap.Step)
	assert.Equal(t, "Total revenue: $15,234.50", snap.ResultMessage)

	require.Len(t, outcomes, 1)
	assert.Equal(t, []string{"Q1-Launch"}, outcomes[0].Config.SelectedValues)
	require.Len(t, api.saved, 1)
	assert.Equal(t, "amount", api.saved[0].ValueField)
	assert.Empty(t, api.saved[0].ConversionValueField)
	assert.False(t, api.saved[0].PipelineEnabled)
}

func TestConversionValueIsExclusive(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.saveResult = &models.SaveResult{Success: true, ConversionValue: ptr(1200)}
	w := newWizard(t, models.ProviderSalesforce, api, nil, Options{
		Mode: ModeEdit,
		Initial: &models.MappingConfig{
			AttributionField: "utm_campaign",
			SelectedValues:   []string{"Q1-Launch"},
			ValueSource:      models.ValueSourceRevenue,
			ValueField:       "amount",
		},
	})
	require.NoError(t, w.Start(ctx))

	require.NoError(t, w.SetValueSource(models.ValueSourceConversionValue))
	snap := w.Snapshot()
	assert.Empty(t, snap.ValueField, "switching source clears the revenue field")

	err := w.SetValueField("amount")
	assert.Equal(t, KindValidation, KindOf(err))
	require.NoError(t, w.SetConversionValueField("deal_value_estimate"))

	for w.Snapshot().Step != StepReview {
		require.NoError(t, w.Next(ctx))
	}
	require.NoError(t, w.Save(ctx))

	require.Len(t, api.saved, 1)
	got := api.saved[0]
	assert.Equal(t, models.ValueSourceConversionValue, got.ValueSource)
	assert.Equal(t, "deal_value_estimate", got.ConversionValueField)
	assert.Empty(t, got.ValueField)
	assert.Equal(t, "Conversion value: $1,200.00", w.Snapshot().ResultMessage)
}

func TestShopifyRejectsConversionValue(t *testing.T) {
	w := newWizard(t, models.ProviderShopify, newAPI(true), nil, Options{})
	require.NoError(t, w.Start(context.Background()))

	err := w.SetValueSource(models.ValueSourceConversionValue)
	require.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, w.SetPipeline(true, "closedwon"), ErrUnsupported)
}

func TestEditModePreservesSelectionsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.values = []models.UniqueValue{{Value: "Q1-Launch", Count: 3}}
	w := newWizard(t, models.ProviderHubSpot, api, nil, Options{
		Mode: ModeEdit,
		Initial: &models.MappingConfig{
			AttributionField: "utm_campaign",
			SelectedValues:   []string{"Q1-Launch", "Q1-Launch-Retarget"},
			ValueField:       "amount",
			LookbackDays:     365,
		},
	})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Next(ctx)) // value-source
	require.NoError(t, w.Next(ctx)) // campaign-field

	require.NoError(t, w.SetLookback(ctx, 30))
	assert.Equal(t, 30, api.lastDays)

	snap := w.Snapshot()
	assert.Equal(t, StepCrosswalk, snap.Step)
	assert.Equal(t, []string{"Q1-Launch", "Q1-Launch-Retarget"}, snap.SelectedValues)
	assert.Contains(t, snap.Values, models.UniqueValue{Value: "Q1-Launch-Retarget", Count: 0})
}

func TestConnectModeDropsSelectionsOutsideWindow(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	w := newWizard(t, models.ProviderShopify, api, nil, Options{})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))
	require.NoError(t, w.SetSelectedValues([]string{"Q1-Launch", "Brand"}))

	api.mu.Lock()
	api.values = []models.UniqueValue{{Value: "Brand", Count: 1}}
	api.mu.Unlock()
	require.NoError(t, w.SetLookback(ctx, 7))

	assert.Equal(t, []string{"Brand"}, w.Snapshot().SelectedValues)
}

func TestEditModeFetchesSavedMapping(t *testing.T) {
	api := newAPI(true)
	api.mapping = &models.MappingConfig{
		AttributionField:     "utm_campaign",
		SelectedValues:       []string{"Brand"},
		ConversionValueField: "deal_value_estimate",
	}
	w := newWizard(t, models.ProviderHubSpot, api, nil, Options{Mode: ModeEdit})
	require.NoError(t, w.Start(context.Background()))

	snap := w.Snapshot()
	assert.Equal(t, 1, api.mappingCalls)
	assert.Equal(t, StepValueSource, snap.Step, "edit mode still starts at the first step")
	assert.Equal(t, models.ValueSourceConversionValue, snap.ValueSource)
	assert.Equal(t, "deal_value_estimate", snap.ConversionValueField)
	assert.Equal(t, []string{"Brand"}, snap.SelectedValues)
}

func TestGuardsBlockForwardTransitions(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	w := newWizard(t, models.ProviderHubSpot, api, nil, Options{})
	require.NoError(t, w.Start(ctx))

	err := w.Next(ctx)
	assert.Equal(t, KindValidation, KindOf(err), "value source required")

	require.NoError(t, w.SetValueSource(models.ValueSourceRevenue))
	require.NoError(t, w.Next(ctx))
	assert.Equal(t, StepCampaignField, w.Snapshot().Step, "connect step skipped")

	assert.Equal(t, KindValidation, KindOf(w.Next(ctx)), "field required")
	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))

	assert.Equal(t, KindValidation, KindOf(w.Next(ctx)), "selection required")
	require.NoError(t, w.ToggleValue("Brand"))
	require.NoError(t, w.Next(ctx))

	require.NoError(t, w.SetPipeline(true, ""))
	assert.Equal(t, KindValidation, KindOf(w.Next(ctx)), "stage required when pipeline enabled")
	assert.Equal(t, KindValidation, KindOf(w.SetPipeline(true, "nope")))
	require.NoError(t, w.SetPipeline(true, "closedwon"))
	assert.Equal(t, "default", w.Snapshot().PipelineID)
	require.NoError(t, w.Next(ctx))

	assert.Equal(t, KindValidation, KindOf(w.Next(ctx)), "value field required")
	assert.Equal(t, KindValidation, KindOf(w.ChooseField("missing_field")))
	assert.Equal(t, StepRevenue, w.Snapshot().Step)
}

func TestSecondForwardActionWhileBusy(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.valuesGate = make(chan struct{})
	w := newWizard(t, models.ProviderShopify, api, nil, Options{})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))

	done := make(chan error, 1)
	go func() { done <- w.Next(ctx) }()

	require.Eventually(t, func() bool {
		return w.Snapshot().Loading == StepCrosswalk
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, w.Next(ctx), ErrBusy)
	assert.Equal(t, StepCampaignField, w.Snapshot().Step, "step changes only after values load")

	close(api.valuesGate)
	require.NoError(t, <-done)
	assert.Equal(t, StepCrosswalk, w.Snapshot().Step)
}

func TestBackDuringLoadDropsResult(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.valuesGate = make(chan struct{})
	w := newWizard(t, models.ProviderHubSpot, api, nil, Options{})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.SetValueSource(models.ValueSourceRevenue))
	require.NoError(t, w.Next(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))

	done := make(chan error, 1)
	go func() { done <- w.Next(ctx) }()
	require.Eventually(t, func() bool {
		return w.Snapshot().Loading == StepCrosswalk
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Back())
	close(api.valuesGate)
	require.NoError(t, <-done)

	snap := w.Snapshot()
	assert.Equal(t, StepValueSource, snap.Step)
	assert.Empty(t, snap.Values)
}

func TestValueLoadFailureShowsRetry(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.valuesErr = &client.APIError{Status: 500, Message: "HubSpot rate limit reached"}
	w := newWizard(t, models.ProviderHubSpot, api, nil, Options{})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.SetValueSource(models.ValueSourceRevenue))
	require.NoError(t, w.Next(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))

	snap := w.Snapshot()
	assert.Equal(t, StepCrosswalk, snap.Step)
	assert.Equal(t, "HubSpot rate limit reached", snap.StepErrors[StepCrosswalk])

	err := w.Retry(ctx)
	assert.Equal(t, KindDataLoad, KindOf(err))

	api.mu.Lock()
	api.valuesErr = nil
	api.mu.Unlock()
	require.NoError(t, w.Retry(ctx))
	snap = w.Snapshot()
	assert.Empty(t, snap.StepErrors)
	assert.Len(t, snap.Values, 2)
}

func TestBackOnFirstStepExits(t *testing.T) {
	exits := 0
	w := newWizard(t, models.ProviderHubSpot, newAPI(false), nil, Options{OnExit: func() { exits++ }})
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Back())
	assert.Equal(t, 1, exits)
	assert.Equal(t, StepValueSource, w.Snapshot().Step)
}

func TestBackSkipsHiddenSteps(t *testing.T) {
	ctx := context.Background()
	exits := 0
	w := newWizard(t, models.ProviderShopify, newAPI(true), nil, Options{OnExit: func() { exits++ }})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))
	require.NoError(t, w.ToggleValue("Brand"))

	require.NoError(t, w.Back())
	snap := w.Snapshot()
	assert.Equal(t, StepCampaignField, snap.Step)
	assert.Equal(t, []string{"Brand"}, snap.SelectedValues, "back keeps selections")

	require.NoError(t, w.Back())
	assert.Equal(t, 1, exits, "connect is hidden once connected")
}

func TestCurrencyMismatchBlocksSave(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.preview = &models.PreviewResult{CampaignCurrency: "USD", DetectedCurrency: "EUR"}
	w := newWizard(t, models.ProviderShopify, api, nil, Options{
		Mode: ModeEdit,
		Initial: &models.MappingConfig{
			AttributionField: "utm_campaign",
			SelectedValues:   []string{"Brand"},
			ValueField:       "amount",
		},
	})
	require.NoError(t, w.Start(ctx))
	for w.Snapshot().Step != StepReview {
		require.NoError(t, w.Next(ctx))
	}

	snap := w.Snapshot()
	assert.True(t, snap.CurrencyMismatch)
	assert.False(t, snap.CanSave)
	require.NotEmpty(t, snap.Notices)
	assert.Equal(t, KindConsistency, snap.Notices[len(snap.Notices)-1].Kind)

	err := w.Save(ctx)
	assert.Equal(t, KindConsistency, KindOf(err))
	assert.Empty(t, api.saved)
	assert.Equal(t, StepReview, w.Snapshot().Step)
}

func TestSaveFailureStaysOnReview(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.saveErr = &client.APIError{Status: 502, Message: "Upstream unavailable"}
	successes := 0
	w := newWizard(t, models.ProviderShopify, api, nil, Options{
		Mode: ModeEdit,
		Initial: &models.MappingConfig{
			AttributionField: "utm_campaign",
			SelectedValues:   []string{"Brand"},
			ValueField:       "amount",
		},
		OnSuccess: func(Outcome) { successes++ },
	})
	require.NoError(t, w.Start(ctx))
	for w.Snapshot().Step != StepReview {
		require.NoError(t, w.Next(ctx))
	}

	err := w.Save(ctx)
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.Equal(t, "Upstream unavailable", err.Error())

	snap := w.Snapshot()
	assert.Equal(t, StepReview, snap.Step)
	assert.Zero(t, successes)
	assert.Equal(t, "Upstream unavailable", snap.Notices[len(snap.Notices)-1].Message)
}

func TestSaveOnlyFromReview(t *testing.T) {
	w := newWizard(t, models.ProviderShopify, newAPI(true), nil, Options{})
	require.NoError(t, w.Start(context.Background()))

	err := w.Save(context.Background())
	require.ErrorIs(t, err, ErrNotOnStep)
}

func TestConnectPopupBlocked(t *testing.T) {
	api := newAPI(false)
	w := newWizard(t, models.ProviderShopify, api, &fakeConnector{}, Options{})
	require.NoError(t, w.Start(context.Background()))

	blocked := oauth.LauncherFunc(func(string, string) bool { return false })
	err := w.Connect(context.Background(), blocked)
	require.ErrorIs(t, err, oauth.ErrPopupBlocked)
	assert.Equal(t, KindConnection, KindOf(err))

	snap := w.Snapshot()
	assert.Equal(t, StepConnect, snap.Step)
	assert.False(t, snap.Connecting)
	require.Len(t, snap.Notices, 1)
	assert.Contains(t, snap.Notices[0].Message, "Popup blocked")

	w.DismissNotice(snap.Notices[0].ID)
	assert.Empty(t, w.Snapshot().Notices)
}

func TestConnectAuthErrorShowsReason(t *testing.T) {
	conn := &fakeConnector{outcomes: []*connectOutcome{{err: &oauth.AuthError{Reason: "access_denied"}}}}
	w := newWizard(t, models.ProviderShopify, newAPI(false), conn, Options{})
	require.NoError(t, w.Start(context.Background()))

	err := w.Connect(context.Background(), openLauncher)
	require.Error(t, err)
	assert.Equal(t, "access_denied", err.Error())
	assert.Equal(t, StepConnect, w.Snapshot().Step)
}

func TestConnectWithoutConfirmedAccountStaysOnConnect(t *testing.T) {
	api := newAPI(false)
	conn := &fakeConnector{outcomes: []*connectOutcome{{status: &models.ConnectionStatus{Connected: false}}}}
	w := newWizard(t, models.ProviderShopify, api, conn, Options{})
	require.NoError(t, w.Start(context.Background()))

	err := w.Connect(context.Background(), openLauncher)
	require.ErrorIs(t, err, oauth.ErrNotConnected)
	assert.Equal(t, KindConnection, KindOf(err))

	snap := w.Snapshot()
	assert.Equal(t, StepConnect, snap.Step)
	assert.False(t, snap.Connection.Connected)
	assert.Empty(t, snap.Fields)
	assert.Empty(t, snap.StepErrors)
	require.Len(t, snap.Notices, 1)
	assert.Equal(t, "Shopify did not confirm the connection. Try again.", snap.Notices[0].Message)
}

func TestNewerConnectSupersedesOlder(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnector{
		outcomes: []*connectOutcome{
			nil,
			{status: &models.ConnectionStatus{Connected: true, AccountDisplayName: "Acme"}},
		},
		started: make(chan struct{}, 2),
	}
	w := newWizard(t, models.ProviderShopify, newAPI(false), conn, Options{})
	require.NoError(t, w.Start(ctx))

	first := make(chan error, 1)
	go func() { first <- w.Connect(ctx, openLauncher) }()
	<-conn.started
	assert.Equal(t, "https://auth.example.test/shopify", w.Snapshot().AuthURL)

	require.NoError(t, w.Connect(ctx, openLauncher))
	<-conn.started
	require.NoError(t, <-first, "superseded attempt is dropped quietly")

	snap := w.Snapshot()
	assert.Equal(t, StepCampaignField, snap.Step)
	assert.True(t, snap.Connection.Connected)
	assert.False(t, snap.Connecting)
	assert.Empty(t, snap.Notices)
}

func TestReconnectDiscardsPreviousAccountData(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	conn := &fakeConnector{outcomes: []*connectOutcome{
		{status: &models.ConnectionStatus{Connected: true, AccountDisplayName: "Other"}},
	}}
	w := newWizard(t, models.ProviderShopify, api, conn, Options{})
	require.NoError(t, w.Start(ctx))
	require.Len(t, w.Snapshot().Fields, 3)

	api.mu.Lock()
	api.fields = []models.AttributableField{utmField}
	api.mu.Unlock()

	require.NoError(t, w.Connect(ctx, openLauncher))
	snap := w.Snapshot()
	assert.Equal(t, "Other", snap.Connection.AccountDisplayName)
	assert.Equal(t, []models.AttributableField{utmField}, snap.Fields)
}

func TestCloseIgnoresLateResults(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.valuesGate = make(chan struct{})
	w := newWizard(t, models.ProviderShopify, api, nil, Options{})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))

	done := make(chan error, 1)
	go func() { done <- w.Next(ctx) }()
	require.Eventually(t, func() bool {
		return w.Snapshot().Loading == StepCrosswalk
	}, time.Second, 5*time.Millisecond)

	w.Close()
	err := <-done
	assert.True(t, err == nil || errors.Is(err, ErrClosed))
	assert.Equal(t, StepCampaignField, w.Snapshot().Step)
	assert.ErrorIs(t, w.Next(ctx), ErrClosed)
}

func TestLookbackBounds(t *testing.T) {
	w := newWizard(t, models.ProviderShopify, newAPI(true), nil, Options{})
	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, KindValidation, KindOf(w.SetLookback(context.Background(), 0)))
	assert.Equal(t, KindValidation, KindOf(w.SetLookback(context.Background(), 731)))
	require.NoError(t, w.SetLookback(context.Background(), 365))
	assert.Equal(t, 365, w.Snapshot().LookbackDays)
}

func TestSearchFiltersValues(t *testing.T) {
	ctx := context.Background()
	w := newWizard(t, models.ProviderShopify, newAPI(true), nil, Options{})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))

	w.SetSearch("q1")
	snap := w.Snapshot()
	assert.Len(t, snap.Values, 2)
	assert.Equal(t, []models.UniqueValue{{Value: "Q1-Launch", Count: 12}}, snap.FilteredValues)
}

func TestPaddedValueSurvivesRefreshAndSave(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.values = []models.UniqueValue{{Value: "Q1-Launch ", Count: 9}}
	w := newWizard(t, models.ProviderShopify, api, nil, Options{Currency: "USD"})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))

	require.NoError(t, w.ToggleValue("Q1-Launch "))
	assert.Equal(t, []string{"Q1-Launch "}, w.Snapshot().SelectedValues)

	require.NoError(t, w.SetLookback(ctx, 30))
	snap := w.Snapshot()
	assert.Equal(t, []string{"Q1-Launch "}, snap.SelectedValues)
	assert.Equal(t, []models.UniqueValue{{Value: "Q1-Launch ", Count: 9}}, snap.Values)

	require.NoError(t, w.Next(ctx))
	require.NoError(t, w.SetValueField("amount"))
	require.NoError(t, w.Next(ctx))
	require.NoError(t, w.Save(ctx))

	require.Len(t, api.saved, 1)
	assert.Equal(t, []string{"Q1-Launch "}, api.saved[0].SelectedValues)
}

func TestToggleRejectsEmptyValue(t *testing.T) {
	w := newWizard(t, models.ProviderShopify, newAPI(true), nil, Options{})
	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, KindValidation, KindOf(w.ToggleValue("")))
}

func TestValuesListedMostFrequentFirst(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	api.values = []models.UniqueValue{{Value: "Brand", Count: 4}, {Value: "Q1-Launch", Count: 12}}
	w := newWizard(t, models.ProviderShopify, api, nil, Options{})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))

	assert.Equal(t, []models.UniqueValue{
		{Value: "Q1-Launch", Count: 12},
		{Value: "Brand", Count: 4},
	}, w.Snapshot().Values)
}

func TestFailedValueLoadFallsBackToCachedSample(t *testing.T) {
	ctx := context.Background()
	api := newAPI(true)
	w := newWizard(t, models.ProviderShopify, api, nil, Options{})
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.ChooseField("utm_campaign"))
	require.NoError(t, w.Next(ctx))
	require.Len(t, w.Snapshot().Values, 2)

	require.NoError(t, w.Back())
	require.NoError(t, w.ChooseField("amount"))
	require.NoError(t, w.ChooseField("utm_campaign"))
	api.mu.Lock()
	api.valuesErr = &client.APIError{Status: 502, Message: "Shopify is unavailable"}
	api.mu.Unlock()
	require.NoError(t, w.Next(ctx))

	snap := w.Snapshot()
	assert.Equal(t, StepCrosswalk, snap.Step)
	assert.Equal(t, "Shopify is unavailable", snap.StepErrors[StepCrosswalk])
	assert.Len(t, snap.Values, 2)
}
