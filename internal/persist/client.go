// Package persist sends a completed mapping to the save endpoint and turns the
// computed result into the message shown on the completion screen.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"marketpulse/internal/models"
)

var (
	// ErrRejected means the backend answered 2xx but reported success=false.
	ErrRejected = errors.New("save was not accepted")
	// ErrInvalid means the config failed local validation and was not sent.
	ErrInvalid = errors.New("mapping is incomplete")
)

type API interface {
	SaveMapping(ctx context.Context, provider string, cfg models.MappingConfig) (*models.SaveResult, error)
}

type Client struct {
	api    API
	logger *logrus.Logger
}

func NewClient(api API, logger *logrus.Logger) *Client {
	return &Client{api: api, logger: logger}
}

// Save persists cfg after normalizing it so only the active value field is sent.
func (c *Client) Save(ctx context.Context, cfg models.MappingConfig) (*models.SaveResult, error) {
	cfg = cfg.Normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	result, err := c.api.SaveMapping(ctx, cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		if result.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrRejected, result.Message)
		}
		return nil, ErrRejected
	}

	c.logger.WithFields(logrus.Fields{
		"provider":     cfg.Provider,
		"campaign_id":  cfg.CampaignID,
		"value_source": cfg.ValueSource,
		"values":       len(cfg.SelectedValues),
	}).Info("Revenue mapping saved")
	return result, nil
}

// Validate checks the invariants a config must hold before it is sent.
func Validate(cfg models.MappingConfig) error {
	var missing []string
	if cfg.CampaignID == "" {
		missing = append(missing, "campaign")
	}
	if cfg.Provider == "" {
		missing = append(missing, "provider")
	}
	if cfg.AttributionField == "" {
		missing = append(missing, "attribution field")
	}
	if len(cfg.SelectedValues) == 0 {
		missing = append(missing, "campaign values")
	}
	if cfg.ActiveValueField() == "" {
		if cfg.ResolveValueSource() == models.ValueSourceConversionValue {
			missing = append(missing, "conversion value field")
		} else {
			missing = append(missing, "revenue field")
		}
	}
	if cfg.PipelineEnabled && cfg.PipelineStageID == "" {
		missing = append(missing, "pipeline stage")
	}
	if cfg.ValueField != "" && cfg.ConversionValueField != "" {
		return fmt.Errorf("%w: revenue field and conversion value field are mutually exclusive", ErrInvalid)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}

// Amount picks the number that matches the active value source.
func Amount(result *models.SaveResult, source models.ValueSource) (float64, bool) {
	if result == nil {
		return 0, false
	}
	if source == models.ValueSourceConversionValue {
		if result.ConversionValue != nil {
			return *result.ConversionValue, true
		}
		return 0, false
	}
	if result.TotalRevenue != nil {
		return *result.TotalRevenue, true
	}
	return 0, false
}

// SuccessMessage is the completion-screen text for a save result.
func SuccessMessage(result *models.SaveResult, source models.ValueSource, currency string) string {
	if result != nil && result.Currency != "" {
		currency = result.Currency
	}
	amount, ok := Amount(result, source)
	if source == models.ValueSourceConversionValue {
		if !ok {
			return "Conversion value mapping saved"
		}
		return "Conversion value: " + FormatMoney(amount, currency)
	}
	if !ok {
		return "Revenue mapping saved"
	}
	return "Total revenue: " + FormatMoney(amount, currency)
}
