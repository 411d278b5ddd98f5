package repository

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketpulse/internal/models"
)

const defaultHistoryLimit = 50

// HistoryRepository records every successfully saved revenue source.
type HistoryRepository struct {
	db       *sql.DB
	postgres bool
}

func NewHistoryRepository(db *sql.DB, driver string) *HistoryRepository {
	return &HistoryRepository{db: db, postgres: driver == "postgres"}
}

// rebind turns ? placeholders into $n for postgres.
func (r *HistoryRepository) rebind(query string) string {
	if !r.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// Record inserts h, assigning an ID and timestamp when they are empty.
func (r *HistoryRepository) Record(ctx context.Context, h *models.MappingHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.SavedAt.IsZero() {
		h.SavedAt = time.Now().UTC()
	}
	if h.Config == "" {
		h.Config = "{}"
	}

	query := r.rebind(`
		INSERT INTO mapping_history (id, campaign_id, source_kind, value_source, amount, config, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		h.ID, h.CampaignID, h.SourceKind, h.ValueSource, h.Amount, h.Config, h.SavedAt)
	return err
}

// ListByCampaign returns the newest entries first.
func (r *HistoryRepository) ListByCampaign(ctx context.Context, campaignID string, limit int) ([]models.MappingHistory, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query := r.rebind(`
		SELECT id, campaign_id, source_kind, value_source, amount, config, saved_at
		FROM mapping_history
		WHERE campaign_id = ?
		ORDER BY saved_at DESC
		LIMIT ?
	`)

	rows, err := r.db.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]models.MappingHistory, 0)
	for rows.Next() {
		var h models.MappingHistory
		if err := rows.Scan(&h.ID, &h.CampaignID, &h.SourceKind, &h.ValueSource, &h.Amount, &h.Config, &h.SavedAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// Latest returns the newest entry for a campaign and source, or nil.
func (r *HistoryRepository) Latest(ctx context.Context, campaignID, sourceKind string) (*models.MappingHistory, error) {
	query := r.rebind(`
		SELECT id, campaign_id, source_kind, value_source, amount, config, saved_at
		FROM mapping_history
		WHERE campaign_id = ? AND source_kind = ?
		ORDER BY saved_at DESC
		LIMIT 1
	`)

	h := &models.MappingHistory{}
	err := r.db.QueryRowContext(ctx, query, campaignID, sourceKind).Scan(
		&h.ID, &h.CampaignID, &h.SourceKind, &h.ValueSource, &h.Amount, &h.Config, &h.SavedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}
