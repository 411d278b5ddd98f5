package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

const genericErrorMessage = "Request failed, please try again"

// APIError is a non-2xx response from the attribution backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// Message returns the text to show a user for err: the backend's own message
// when it sent one, else fallback.
func Message(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" && apiErr.Message != genericErrorMessage {
		return apiErr.Message
	}
	return fallback
}

type HTTPClient struct {
	baseURL       string
	client        *http.Client
	retryAttempts int
	logger        *logrus.Logger
}

func NewHTTPClient(cfg *config.Config, logger *logrus.Logger) *HTTPClient {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BackendAPIURL, "/"),
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		retryAttempts: attempts,
		logger:        logger,
	}
}

func (c *HTTPClient) ConnectionStatus(ctx context.Context, provider, campaignID string) (*models.ConnectionStatus, error) {
	var status models.ConnectionStatus
	path := fmt.Sprintf("/api/%s/status?%s", provider, url.Values{"campaignId": {campaignID}}.Encode())
	if err := c.retryRequest(ctx, path, &status); err != nil {
		return nil, fmt.Errorf("failed to fetch %s connection status: %w", provider, err)
	}
	return &status, nil
}

func (c *HTTPClient) StartOAuth(ctx context.Context, provider, campaignID string) (string, error) {
	var resp struct {
		AuthURL string `json:"authUrl"`
	}
	path := fmt.Sprintf("/api/auth/%s/connect", provider)
	if err := c.post(ctx, path, map[string]string{"campaignId": campaignID}, &resp); err != nil {
		return "", fmt.Errorf("failed to start %s authorization: %w", provider, err)
	}
	if resp.AuthURL == "" {
		return "", fmt.Errorf("failed to start %s authorization: empty authUrl", provider)
	}
	return resp.AuthURL, nil
}

func (c *HTTPClient) ListFields(ctx context.Context, provider, campaignID string) ([]models.AttributableField, error) {
	var resp struct {
		Fields     []models.AttributableField `json:"fields"`
		Properties []models.AttributableField `json:"properties"`
	}
	path := fmt.Sprintf("/api/%s/fields?%s", provider, url.Values{"campaignId": {campaignID}}.Encode())
	if err := c.retryRequest(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch %s fields: %w", provider, err)
	}
	if len(resp.Fields) == 0 {
		resp.Fields = resp.Properties
	}

	c.logger.WithFields(logrus.Fields{
		"provider": provider,
		"fields":   len(resp.Fields),
	}).Info("Fetched attributable fields")
	return resp.Fields, nil
}

func (c *HTTPClient) UniqueValues(ctx context.Context, provider, campaignID, field string, days, limit int) ([]models.UniqueValue, error) {
	var resp struct {
		Values []models.UniqueValue `json:"values"`
	}
	q := url.Values{
		"campaignId": {campaignID},
		"field":      {field},
		"days":       {strconv.Itoa(days)},
		"limit":      {strconv.Itoa(limit)},
	}
	path := fmt.Sprintf("/api/%s/unique-values?%s", provider, q.Encode())
	if err := c.retryRequest(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch %s values for %s: %w", provider, field, err)
	}
	return resp.Values, nil
}

// PipelineStages accepts either a flat stage list or pipelines with nested stages.
func (c *HTTPClient) PipelineStages(ctx context.Context, provider, campaignID string) ([]models.PipelineStage, error) {
	var resp struct {
		Stages    []models.PipelineStage `json:"stages"`
		Pipelines []struct {
			ID     string                 `json:"id"`
			Label  string                 `json:"label"`
			Stages []models.PipelineStage `json:"stages"`
		} `json:"pipelines"`
	}
	path := fmt.Sprintf("/api/%s/pipelines?%s", provider, url.Values{"campaignId": {campaignID}}.Encode())
	if err := c.retryRequest(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch %s pipelines: %w", provider, err)
	}

	stages := resp.Stages
	for _, p := range resp.Pipelines {
		for _, s := range p.Stages {
			if s.PipelineID == "" {
				s.PipelineID = p.ID
			}
			if s.PipelineLabel == "" {
				s.PipelineLabel = p.Label
			}
			stages = append(stages, s)
		}
	}
	return stages, nil
}

func (c *HTTPClient) Preview(ctx context.Context, provider string, cfg models.MappingConfig) (*models.PreviewResult, error) {
	var preview models.PreviewResult
	if err := c.post(ctx, fmt.Sprintf("/api/%s/preview", provider), cfg, &preview); err != nil {
		return nil, fmt.Errorf("failed to preview %s mapping: %w", provider, err)
	}
	return &preview, nil
}

func (c *HTTPClient) SaveMapping(ctx context.Context, provider string, cfg models.MappingConfig) (*models.SaveResult, error) {
	var result models.SaveResult
	if err := c.post(ctx, fmt.Sprintf("/api/%s/save-mappings", provider), cfg, &result); err != nil {
		return nil, fmt.Errorf("failed to save %s mapping: %w", provider, err)
	}
	return &result, nil
}

// LoadMapping returns the stored mapping, or nil when none was saved yet.
func (c *HTTPClient) LoadMapping(ctx context.Context, provider, campaignID string) (*models.MappingConfig, error) {
	var resp struct {
		Mapping *models.MappingConfig `json:"mapping"`
	}
	path := fmt.Sprintf("/api/%s/mappings?%s", provider, url.Values{"campaignId": {campaignID}}.Encode())
	if err := c.retryRequest(ctx, path, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load %s mapping: %w", provider, err)
	}
	return resp.Mapping, nil
}

func (c *HTTPClient) SaveManualRevenue(ctx context.Context, campaignID string, revenue models.ManualRevenue) (*models.SaveResult, error) {
	var result models.SaveResult
	path := fmt.Sprintf("/api/campaigns/%s/revenue/manual", url.PathEscape(campaignID))
	if err := c.post(ctx, path, revenue, &result); err != nil {
		return nil, fmt.Errorf("failed to save manual revenue: %w", err)
	}
	return &result, nil
}

func (c *HTTPClient) SheetRows(ctx context.Context, campaignID string) (*models.SheetData, error) {
	var data models.SheetData
	path := "/api/google-sheets/data?" + url.Values{"campaignId": {campaignID}}.Encode()
	if err := c.retryRequest(ctx, path, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch sheet rows: %w", err)
	}
	return &data, nil
}

// FetchView loads one dashboard panel as raw JSON.
func (c *HTTPClient) FetchView(ctx context.Context, campaignID, view string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/api/campaigns/%s/%s", url.PathEscape(campaignID), url.PathEscape(view))
	if err := c.retryRequest(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch view %s: %w", view, err)
	}
	return raw, nil
}

// PostExportData sends a signed record to an absolute sink URL.
func (c *HTTPClient) PostExportData(ctx context.Context, sinkURL string, data interface{}, signature string) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal export data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sinkURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	resp.Body.Close()
	return nil
}

func (c *HTTPClient) retryRequest(ctx context.Context, path string, target interface{}) error {
	var lastErr error
	fullURL := c.baseURL + path

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			backoffTime := time.Duration(attempt*attempt) * time.Second
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": backoffTime,
				"url":     fullURL,
			}).Warn("Retrying request after backoff")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffTime):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = readAPIError(resp)
			continue
		}

		if resp.StatusCode >= 400 {
			return readAPIError(resp)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()

		if err != nil {
			lastErr = err
			continue
		}

		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}

		c.logger.WithFields(logrus.Fields{
			"attempt":     attempt + 1,
			"status_code": resp.StatusCode,
			"url":         fullURL,
		}).Debug("Request successful")

		return nil
	}

	return fmt.Errorf("all retry attempts failed, last error: %w", lastErr)
}

// post is never retried: save and authorization calls are not idempotent.
func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}, target interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	defer resp.Body.Close()

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := genericErrorMessage
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			msg = payload.Error
		} else if payload.Message != "" {
			msg = payload.Message
		}
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
