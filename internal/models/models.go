package models

import (
	"sort"
	"strings"
	"time"
)

// Providers with an attribution wizard or an OAuth connection.
const (
	ProviderHubSpot         = "hubspot"
	ProviderSalesforce      = "salesforce"
	ProviderShopify         = "shopify"
	ProviderGoogleAnalytics = "google_analytics"
	ProviderGoogleSheets    = "google_sheets"
)

type ValueSource string

const (
	ValueSourceRevenue         ValueSource = "revenue"
	ValueSourceConversionValue ValueSource = "conversion_value"
)

// RevenueClassification tells the backend whether revenue from this source is
// already captured by an analytics-native source.
type RevenueClassification string

const (
	ClassificationOffsite RevenueClassification = "offsite_not_in_ga"
	ClassificationOnsite  RevenueClassification = "onsite_in_ga"
)

type ConnectionStatus struct {
	Connected          bool   `json:"connected"`
	AccountID          string `json:"accountId,omitempty"`
	AccountDisplayName string `json:"accountDisplayName,omitempty"`
}

type AttributableField struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

type UniqueValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type PipelineStage struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	PipelineID    string `json:"pipelineId,omitempty"`
	PipelineLabel string `json:"pipelineLabel,omitempty"`
}

// MappingConfig is the artifact persisted by the save endpoint and reloaded in
// edit mode.
type MappingConfig struct {
	CampaignID            string                `json:"campaignId"`
	Provider              string                `json:"provider,omitempty"`
	AttributionField      string                `json:"campaignProperty"`
	SelectedValues        []string              `json:"selectedValues"`
	ValueSource           ValueSource           `json:"valueSource,omitempty"`
	ValueField            string                `json:"revenueProperty,omitempty"`
	ConversionValueField  string                `json:"conversionValueProperty,omitempty"`
	PipelineEnabled       bool                  `json:"pipelineEnabled"`
	PipelineID            string                `json:"pipelineId,omitempty"`
	PipelineStageID       string                `json:"pipelineStageId,omitempty"`
	RevenueClassification RevenueClassification `json:"revenueClassification,omitempty"`
	LookbackDays          int                   `json:"days,omitempty"`
}

// ResolveValueSource returns the active value source. An explicit discriminator
// wins; older configs without one are treated as conversion-value mode only when
// they carry a conversion field and no revenue field.
func (m *MappingConfig) ResolveValueSource() ValueSource {
	switch m.ValueSource {
	case ValueSourceRevenue, ValueSourceConversionValue:
		return m.ValueSource
	}
	if strings.TrimSpace(m.ConversionValueField) != "" && strings.TrimSpace(m.ValueField) == "" {
		return ValueSourceConversionValue
	}
	return ValueSourceRevenue
}

// Normalize returns a copy with exactly one active value field, a sorted
// de-duplicated value set and defaults filled in.
func (m MappingConfig) Normalize() MappingConfig {
	out := m
	out.ValueSource = m.ResolveValueSource()
	switch out.ValueSource {
	case ValueSourceConversionValue:
		out.ValueField = ""
	default:
		out.ConversionValueField = ""
	}
	if !out.PipelineEnabled {
		out.PipelineID = ""
		out.PipelineStageID = ""
	}
	if out.RevenueClassification == "" {
		out.RevenueClassification = ClassificationOffsite
	}
	out.SelectedValues = SortedSet(m.SelectedValues)
	return out
}

// ActiveValueField is the field the backend sums for the active value source.
func (m *MappingConfig) ActiveValueField() string {
	if m.ResolveValueSource() == ValueSourceConversionValue {
		return m.ConversionValueField
	}
	return m.ValueField
}

// SortedSet drops empty strings and de-duplicates values. Values are kept
// verbatim: CRM values may carry surrounding whitespace and must match the
// backend records exactly.
func SortedSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type SaveResult struct {
	Success         bool     `json:"success"`
	TotalRevenue    *float64 `json:"totalRevenue,omitempty"`
	ConversionValue *float64 `json:"conversionValue,omitempty"`
	Currency        string   `json:"currency,omitempty"`
	Message         string   `json:"message,omitempty"`
}

type PreviewResult struct {
	Headers          []string   `json:"headers"`
	Rows             [][]string `json:"rows"`
	CampaignCurrency string     `json:"campaignCurrency,omitempty"`
	DetectedCurrency string     `json:"detectedCurrency,omitempty"`
	CurrencyMismatch bool       `json:"currencyMismatch,omitempty"`
}

type ManualRevenue struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Source   string  `json:"source"`
}

type SheetData struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// MappingHistory is a local record of a successful save.
type MappingHistory struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	SourceKind  string    `json:"source_kind"`
	ValueSource string    `json:"value_source"`
	Amount      float64   `json:"amount"`
	Config      string    `json:"config"`
	SavedAt     time.Time `json:"saved_at"`
}

// SavedMappingExport is the record pushed to the sink after a save.
type SavedMappingExport struct {
	CampaignID  string   `json:"campaign_id"`
	SourceKind  string   `json:"source_kind"`
	ValueSource string   `json:"value_source"`
	Amount      float64  `json:"amount"`
	Field       string   `json:"field,omitempty"`
	Values      []string `json:"values,omitempty"`
	SavedAt     string   `json:"saved_at"`
}
