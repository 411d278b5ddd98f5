package wizard

import (
	"context"

	"marketpulse/internal/client"
	"marketpulse/internal/loader"
	"marketpulse/internal/models"
	"marketpulse/internal/persist"
)

func (w *Wizard) loadFields(ctx context.Context) error {
	w.mu.Lock()
	id, nav := w.state.Step, w.nav
	w.state.Loading = id
	w.mu.Unlock()

	fields, err := w.loader.LoadFields(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.nav != nav {
		return errStale
	}
	w.state.Loading = ""
	if err != nil {
		w.setStepErrorLocked(id, client.Message(err, "Could not load "+w.provider.Label+" fields"))
		return err
	}
	w.state.Fields = fields
	delete(w.state.StepErrors, id)
	return nil
}

// loadValues fetches the observed values of the chosen field and reconciles
// them with the current selection. A failed fetch is shown on the crosswalk
// step with a retry; it does not block navigation.
func (w *Wizard) loadValues(ctx context.Context) error {
	w.mu.Lock()
	field, days, nav := w.state.AttributionField, w.state.LookbackDays, w.nav
	w.state.Loading = StepCrosswalk
	w.mu.Unlock()

	values, err := w.loader.LoadUniqueValues(ctx, field, days)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.nav != nav || w.state.AttributionField != field || w.state.LookbackDays != days {
		return errStale
	}
	w.state.Loading = ""
	if err != nil {
		w.setStepErrorLocked(StepCrosswalk, client.Message(err, "Could not load values for "+field))
		if len(w.state.Values) == 0 {
			if cached := w.loader.Values(field); len(cached) > 0 {
				w.state.Values = w.reconcileLocked(cached, true)
			}
		}
		return nil
	}
	w.state.Values = w.reconcileLocked(values, w.state.Mode == ModeEdit)
	delete(w.state.StepErrors, StepCrosswalk)
	return nil
}

// reconcileLocked merges values with the held selection and orders the list
// most frequent first.
func (w *Wizard) reconcileLocked(values []models.UniqueValue, preserve bool) []models.UniqueValue {
	list, kept := loader.Reconcile(values, w.state.SelectedValues, preserve)
	loader.SortByCount(list)
	w.state.SelectedValues = kept
	return list
}

func (w *Wizard) loadStages(ctx context.Context) error {
	w.mu.Lock()
	if len(w.state.Stages) > 0 {
		w.mu.Unlock()
		return nil
	}
	nav := w.nav
	w.state.Loading = StepPipeline
	w.mu.Unlock()

	stages, err := w.api.PipelineStages(ctx, w.provider.Name, w.opts.CampaignID)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.nav != nav {
		return errStale
	}
	w.state.Loading = ""
	if err != nil {
		w.setStepErrorLocked(StepPipeline, client.Message(err, "Could not load pipeline stages"))
		return err
	}
	w.state.Stages = stages
	delete(w.state.StepErrors, StepPipeline)
	return nil
}

// loadPreview refreshes the review table on every visit and re-evaluates the
// currency check that gates Save.
func (w *Wizard) loadPreview(ctx context.Context) error {
	w.mu.Lock()
	cfg, nav := w.state.MappingConfig(), w.nav
	w.state.Loading = StepReview
	w.state.Preview = nil
	w.state.CurrencyMismatch = false
	w.mu.Unlock()

	preview, err := w.api.Preview(ctx, w.provider.Name, cfg)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.nav != nav {
		return errStale
	}
	w.state.Loading = ""
	if err != nil {
		w.setStepErrorLocked(StepReview, client.Message(err, "Could not load the preview"))
		return err
	}
	delete(w.state.StepErrors, StepReview)
	w.state.Preview = preview
	if c := persist.NormalizeCurrency(preview.CampaignCurrency); c != "" {
		w.state.Currency = c
	}
	w.state.CurrencyMismatch = preview.CurrencyMismatch ||
		persist.CurrencyMismatch(w.state.Currency, preview.DetectedCurrency)
	if w.state.CurrencyMismatch {
		w.notifyLocked(KindConsistency, w.mismatchMessageLocked())
	}
	return nil
}
