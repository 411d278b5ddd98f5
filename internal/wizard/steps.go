package wizard

import (
	"context"
	"fmt"

	"marketpulse/internal/models"
)

type StepID string

const (
	StepValueSource   StepID = "value-source"
	StepConnect       StepID = "connect"
	StepCampaignField StepID = "campaign-field"
	StepCrosswalk     StepID = "crosswalk"
	StepPipeline      StepID = "pipeline"
	StepRevenue       StepID = "revenue"
	StepReview        StepID = "review"
	StepComplete      StepID = "complete"
)

// Step is one entry of a provider's step table.
//
// Skip hides the step for the current state. Guard must pass before a forward
// transition. OnNext runs after the guard and before the step changes; a
// returned error keeps the wizard where it is. OnEnter loads the step's own
// data when it becomes current and reports failures inline on the step.
type Step struct {
	ID      StepID
	Title   string
	Skip    func(s *State) bool
	Guard   func(s *State) error
	OnNext  func(w *Wizard, ctx context.Context) error
	OnEnter func(w *Wizard, ctx context.Context) error
}

// Provider describes one CRM/commerce source the wizard can map.
type Provider struct {
	Name                    string
	Label                   string
	SupportsConversionValue bool
	SupportsPipeline        bool
	Steps                   []Step
}

// ProviderFor returns the step table and capabilities for name.
func ProviderFor(name string) (Provider, bool) {
	switch name {
	case models.ProviderHubSpot:
		return Provider{
			Name:                    name,
			Label:                   "HubSpot",
			SupportsConversionValue: true,
			SupportsPipeline:        true,
			Steps:                   crmSteps(),
		}, true
	case models.ProviderSalesforce:
		return Provider{
			Name:                    name,
			Label:                   "Salesforce",
			SupportsConversionValue: true,
			SupportsPipeline:        true,
			Steps:                   crmSteps(),
		}, true
	case models.ProviderShopify:
		return Provider{
			Name:  name,
			Label: "Shopify",
			Steps: commerceSteps(),
		}, true
	}
	return Provider{}, false
}

// StepsFor lists the step IDs of a provider's table in order.
func StepsFor(name string) []StepID {
	p, ok := ProviderFor(name)
	if !ok {
		return nil
	}
	ids := make([]StepID, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

func crmSteps() []Step {
	return []Step{
		{ID: StepValueSource, Title: "Choose value source", Guard: requireValueSource},
		connectStep(),
		campaignFieldStep(),
		{ID: StepCrosswalk, Title: "Match campaign values", Guard: requireSelection},
		{ID: StepPipeline, Title: "Pipeline stage", Guard: requirePipelineStage, OnEnter: (*Wizard).loadStages},
		revenueStep(),
		reviewStep(),
		{ID: StepComplete, Title: "Done"},
	}
}

func commerceSteps() []Step {
	return []Step{
		connectStep(),
		campaignFieldStep(),
		{ID: StepCrosswalk, Title: "Match campaign values", Guard: requireSelection},
		revenueStep(),
		reviewStep(),
		{ID: StepComplete, Title: "Done"},
	}
}

func connectStep() Step {
	return Step{
		ID:    StepConnect,
		Title: "Connect account",
		Skip:  func(s *State) bool { return s.Connection.Connected },
		Guard: requireConnection,
	}
}

func campaignFieldStep() Step {
	return Step{
		ID:      StepCampaignField,
		Title:   "Campaign field",
		Guard:   requireAttributionField,
		OnEnter: (*Wizard).loadFields,
		OnNext:  (*Wizard).loadValues,
	}
}

func revenueStep() Step {
	return Step{
		ID:      StepRevenue,
		Title:   "Revenue field",
		Guard:   requireValueField,
		OnEnter: (*Wizard).loadFields,
	}
}

func reviewStep() Step {
	return Step{ID: StepReview, Title: "Review", OnEnter: (*Wizard).loadPreview}
}

func requireValueSource(s *State) error {
	switch s.ValueSource {
	case models.ValueSourceRevenue, models.ValueSourceConversionValue:
		return nil
	}
	return validationError(StepValueSource, "Choose whether to map revenue or conversion value")
}

func requireConnection(s *State) error {
	if !s.Connection.Connected {
		return validationError(StepConnect, "Connect your account to continue")
	}
	return nil
}

func requireAttributionField(s *State) error {
	if err := requireConnection(s); err != nil {
		return err
	}
	if s.AttributionField == "" {
		return validationError(StepCampaignField, "Choose the field that holds your campaign names")
	}
	return nil
}

func requireSelection(s *State) error {
	if len(s.SelectedValues) == 0 {
		return validationError(StepCrosswalk, "Select at least one value for this campaign")
	}
	return nil
}

func requirePipelineStage(s *State) error {
	if s.PipelineEnabled && s.PipelineStageID == "" {
		return validationError(StepPipeline, "Choose a pipeline stage or turn off pipeline tracking")
	}
	return nil
}

func requireValueField(s *State) error {
	if s.ValueSource == models.ValueSourceConversionValue {
		if s.ConversionValueField == "" {
			return validationError(StepRevenue, "Choose the conversion value field")
		}
		return nil
	}
	if s.ValueField == "" {
		return validationError(StepRevenue, "Choose the revenue field")
	}
	return nil
}

func (p Provider) index(id StepID) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (p Provider) step(id StepID) (Step, error) {
	if i := p.index(id); i >= 0 {
		return p.Steps[i], nil
	}
	return Step{}, fmt.Errorf("step %q is not part of the %s wizard", id, p.Name)
}
