package export

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"marketpulse/internal/models"
)

// Poster delivers a signed payload. *client.HTTPClient implements it.
type Poster interface {
	PostExportData(ctx context.Context, sinkURL string, data interface{}, signature string) error
}

// Exporter pushes every saved revenue mapping to an external sink with an
// HMAC-SHA256 signature in the X-Signature header.
type Exporter struct {
	secret  string
	sinkURL string
	poster  Poster
	logger  *logrus.Logger
}

func NewExporter(secret, sinkURL string, poster Poster, logger *logrus.Logger) *Exporter {
	return &Exporter{
		secret:  secret,
		sinkURL: sinkURL,
		poster:  poster,
		logger:  logger,
	}
}

// Enabled reports whether a sink is configured.
func (e *Exporter) Enabled() bool {
	return e.sinkURL != ""
}

func (e *Exporter) ExportMapping(ctx context.Context, record models.SavedMappingExport) error {
	if !e.Enabled() {
		return nil
	}

	signature, err := e.Sign(record)
	if err != nil {
		e.logger.WithError(err).Error("Failed to create signature")
		return fmt.Errorf("failed to create signature: %w", err)
	}

	if err := e.poster.PostExportData(ctx, e.sinkURL, record, signature); err != nil {
		e.logger.WithError(err).WithField("campaign_id", record.CampaignID).Error("Failed to export saved mapping")
		return fmt.Errorf("failed to export saved mapping: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"campaign_id":  record.CampaignID,
		"source_kind":  record.SourceKind,
		"value_source": record.ValueSource,
	}).Info("Successfully exported saved mapping")
	return nil
}

// NewRecord builds the export payload for a mapping saved at savedAt.
func NewRecord(sourceKind string, cfg models.MappingConfig, amount float64, savedAt time.Time) models.SavedMappingExport {
	return models.SavedMappingExport{
		CampaignID:  cfg.CampaignID,
		SourceKind:  sourceKind,
		ValueSource: string(cfg.ResolveValueSource()),
		Amount:      amount,
		Field:       cfg.AttributionField,
		Values:      models.SortedSet(cfg.SelectedValues),
		SavedAt:     savedAt.UTC().Format(time.RFC3339),
	}
}

// Sign returns "sha256=<hex>" over the JSON encoding of data.
func (e *Exporter) Sign(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	h := hmac.New(sha256.New, []byte(e.secret))
	h.Write(jsonData)
	signature := hex.EncodeToString(h.Sum(nil))

	return "sha256=" + signature, nil
}
