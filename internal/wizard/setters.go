package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"marketpulse/internal/models"
)

// ChooseField selects the attribution field. Switching to a different field
// drops the value list and the selection made against the old field.
func (w *Wizard) ChooseField(name string) error {
	name = strings.TrimSpace(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if name == "" {
		return validationError(StepCampaignField, "Choose the field that holds your campaign names")
	}
	if !w.knownFieldLocked(name) {
		return validationError(StepCampaignField, fmt.Sprintf("%q is not a %s field", name, w.provider.Label))
	}
	if name == w.state.AttributionField {
		return nil
	}
	w.state.AttributionField = name
	w.state.Values = nil
	w.state.SelectedValues = nil
	w.state.Search = ""
	delete(w.state.StepErrors, StepCrosswalk)
	return nil
}

// ToggleValue adds value to the selection, or removes it when present.
func (w *Wizard) ToggleValue(value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if value == "" {
		return validationError(StepCrosswalk, "Value is empty")
	}
	if w.state.selected(value) {
		kept := w.state.SelectedValues[:0:0]
		for _, v := range w.state.SelectedValues {
			if v != value {
				kept = append(kept, v)
			}
		}
		w.state.SelectedValues = kept
		return nil
	}
	w.state.SelectedValues = models.SortedSet(append(w.state.SelectedValues, value))
	return nil
}

// SetSelectedValues replaces the selection.
func (w *Wizard) SetSelectedValues(values []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.state.SelectedValues = models.SortedSet(values)
	return nil
}

func (w *Wizard) SetSearch(query string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Search = query
}

// SetLookback changes the window for observed values and reloads them when the
// crosswalk step is showing.
func (w *Wizard) SetLookback(ctx context.Context, days int) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if days < 1 || days > w.opts.MaxLookbackDays {
		w.mu.Unlock()
		return validationError(StepCrosswalk, fmt.Sprintf("Lookback must be between 1 and %d days", w.opts.MaxLookbackDays))
	}
	changed := days != w.state.LookbackDays
	w.state.LookbackDays = days
	reload := changed && w.state.Step == StepCrosswalk && w.state.AttributionField != ""
	w.mu.Unlock()

	if !reload {
		return nil
	}
	sctx, done := w.scope(ctx)
	defer done()
	if err := w.loadValues(sctx); err != nil && !errors.Is(err, errStale) {
		return err
	}
	return nil
}

// SetValueSource switches between revenue and conversion value and clears the
// field of the inactive source.
func (w *Wizard) SetValueSource(source models.ValueSource) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	switch source {
	case models.ValueSourceRevenue:
		w.state.ConversionValueField = ""
	case models.ValueSourceConversionValue:
		if !w.provider.SupportsConversionValue {
			return &Error{Kind: KindValidation, Step: StepValueSource, Message: w.provider.Label + " only supports revenue", Err: ErrUnsupported}
		}
		w.state.ValueField = ""
	default:
		return validationError(StepValueSource, fmt.Sprintf("Unknown value source %q", source))
	}
	w.state.ValueSource = source
	return nil
}

func (w *Wizard) SetValueField(name string) error {
	name = strings.TrimSpace(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.state.ValueSource == models.ValueSourceConversionValue {
		return validationError(StepRevenue, "Switch the value source to revenue to choose a revenue field")
	}
	if name == "" || !w.knownFieldLocked(name) {
		return validationError(StepRevenue, "Choose the revenue field")
	}
	w.state.ValueField = name
	return nil
}

func (w *Wizard) SetConversionValueField(name string) error {
	name = strings.TrimSpace(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if !w.provider.SupportsConversionValue {
		return &Error{Kind: KindValidation, Step: StepRevenue, Message: w.provider.Label + " only supports revenue", Err: ErrUnsupported}
	}
	if w.state.ValueSource != models.ValueSourceConversionValue {
		return validationError(StepRevenue, "Switch the value source to conversion value to choose a conversion value field")
	}
	if name == "" || !w.knownFieldLocked(name) {
		return validationError(StepRevenue, "Choose the conversion value field")
	}
	w.state.ConversionValueField = name
	return nil
}

// SetPipeline turns stage tracking on or off. With tracking on, stageID must be
// one of the loaded stages.
func (w *Wizard) SetPipeline(enabled bool, stageID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if !w.provider.SupportsPipeline {
		return &Error{Kind: KindValidation, Step: StepPipeline, Message: w.provider.Label + " has no pipeline stages", Err: ErrUnsupported}
	}
	if !enabled {
		w.state.PipelineEnabled = false
		w.state.PipelineID, w.state.PipelineStageID = "", ""
		return nil
	}
	w.state.PipelineEnabled = true
	if stageID == "" {
		w.state.PipelineID, w.state.PipelineStageID = "", ""
		return nil
	}
	if len(w.state.Stages) == 0 {
		w.state.PipelineStageID = stageID
		return nil
	}
	for _, st := range w.state.Stages {
		if st.ID == stageID {
			w.state.PipelineStageID = st.ID
			w.state.PipelineID = st.PipelineID
			return nil
		}
	}
	return validationError(StepPipeline, fmt.Sprintf("Unknown pipeline stage %q", stageID))
}

func (w *Wizard) SetClassification(c models.RevenueClassification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	switch c {
	case models.ClassificationOffsite, models.ClassificationOnsite:
		w.state.Classification = c
		return nil
	}
	return validationError(StepRevenue, fmt.Sprintf("Unknown revenue classification %q", c))
}

// knownFieldLocked accepts any name until the field list has loaded.
func (w *Wizard) knownFieldLocked(name string) bool {
	if len(w.state.Fields) == 0 {
		return true
	}
	for _, f := range w.state.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}
