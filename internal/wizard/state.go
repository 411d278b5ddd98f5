package wizard

import (
	"marketpulse/internal/loader"
	"marketpulse/internal/models"
)

type Mode string

const (
	ModeConnect Mode = "connect"
	ModeEdit    Mode = "edit"
)

// State is the ephemeral session state of one wizard. It lives as long as the
// modal that owns it.
type State struct {
	Provider   string `json:"provider"`
	CampaignID string `json:"campaignId"`
	Mode       Mode   `json:"mode"`
	Step       StepID `json:"step"`

	Connection models.ConnectionStatus `json:"connection"`
	Connecting bool                    `json:"connecting"`
	AuthURL    string                  `json:"authUrl,omitempty"`

	Fields           []models.AttributableField `json:"fields"`
	AttributionField string                     `json:"attributionField"`
	Values           []models.UniqueValue       `json:"values"`
	Search           string                     `json:"search,omitempty"`
	SelectedValues   []string                   `json:"selectedValues"`
	LookbackDays     int                        `json:"lookbackDays"`

	ValueSource          models.ValueSource `json:"valueSource"`
	ValueField           string             `json:"valueField,omitempty"`
	ConversionValueField string             `json:"conversionValueField,omitempty"`

	PipelineEnabled bool                   `json:"pipelineEnabled"`
	PipelineID      string                 `json:"pipelineId,omitempty"`
	PipelineStageID string                 `json:"pipelineStageId,omitempty"`
	Stages          []models.PipelineStage `json:"stages,omitempty"`

	Classification models.RevenueClassification `json:"revenueClassification"`

	Currency         string                `json:"currency,omitempty"`
	Preview          *models.PreviewResult `json:"preview,omitempty"`
	CurrencyMismatch bool                  `json:"currencyMismatch"`

	Loading    StepID            `json:"loading,omitempty"`
	Saving     bool              `json:"saving"`
	StepErrors map[StepID]string `json:"stepErrors,omitempty"`
	Notices    []Notice          `json:"notices,omitempty"`

	Result        *models.SaveResult `json:"result,omitempty"`
	ResultMessage string             `json:"resultMessage,omitempty"`
}

// StepView is one entry of the progress indicator.
type StepView struct {
	ID     StepID `json:"id"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
	Done   bool   `json:"done"`
}

// Snapshot is a read-only copy of the state plus values derived from it.
type Snapshot struct {
	State
	Steps          []StepView           `json:"steps"`
	FilteredValues []models.UniqueValue `json:"filteredValues"`
	CanSave        bool                 `json:"canSave"`
}

func (s *State) clone() State {
	out := *s
	out.Fields = append([]models.AttributableField(nil), s.Fields...)
	out.Values = append([]models.UniqueValue(nil), s.Values...)
	out.SelectedValues = append([]string(nil), s.SelectedValues...)
	out.Stages = append([]models.PipelineStage(nil), s.Stages...)
	out.Notices = append([]Notice(nil), s.Notices...)
	if s.StepErrors != nil {
		out.StepErrors = make(map[StepID]string, len(s.StepErrors))
		for k, v := range s.StepErrors {
			out.StepErrors[k] = v
		}
	}
	if s.Preview != nil {
		p := *s.Preview
		out.Preview = &p
	}
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return out
}

func (s *State) selected(value string) bool {
	for _, v := range s.SelectedValues {
		if v == value {
			return true
		}
	}
	return false
}

// MappingConfig builds the config that Save would send.
func (s *State) MappingConfig() models.MappingConfig {
	return models.MappingConfig{
		CampaignID:            s.CampaignID,
		Provider:              s.Provider,
		AttributionField:      s.AttributionField,
		SelectedValues:        models.SortedSet(s.SelectedValues),
		ValueSource:           s.ValueSource,
		ValueField:            s.ValueField,
		ConversionValueField:  s.ConversionValueField,
		PipelineEnabled:       s.PipelineEnabled,
		PipelineID:            s.PipelineID,
		PipelineStageID:       s.PipelineStageID,
		RevenueClassification: s.Classification,
		LookbackDays:          s.LookbackDays,
	}.Normalize()
}

func (s *State) hydrate(cfg models.MappingConfig) {
	cfg = cfg.Normalize()
	s.AttributionField = cfg.AttributionField
	s.SelectedValues = cfg.SelectedValues
	s.ValueSource = cfg.ValueSource
	s.ValueField = cfg.ValueField
	s.ConversionValueField = cfg.ConversionValueField
	s.PipelineEnabled = cfg.PipelineEnabled
	s.PipelineID = cfg.PipelineID
	s.PipelineStageID = cfg.PipelineStageID
	s.Classification = cfg.RevenueClassification
	if cfg.LookbackDays > 0 {
		s.LookbackDays = cfg.LookbackDays
	}
}

func (s *State) filtered() []models.UniqueValue {
	return loader.Filter(append([]models.UniqueValue(nil), s.Values...), s.Search)
}
