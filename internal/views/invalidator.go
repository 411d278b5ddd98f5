package views

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const maxParallelEvictions = 4

// Evicter drops one cached view.
type Evicter interface {
	Evict(campaignID, view string) bool
}

// Publisher announces invalidations to other instances and to the UI.
type Publisher interface {
	PublishJSON(topic string, v interface{}) error
}

// Event is published on Topic(campaignID) after views are invalidated.
type Event struct {
	CampaignID string   `json:"campaignId"`
	Context    string   `json:"context"`
	Views      []string `json:"views"`
	At         string   `json:"at"`
}

func Topic(campaignID string) string {
	return "views/" + campaignID
}

type Invalidator struct {
	registry  *Registry
	cache     Evicter
	publisher Publisher
	logger    *logrus.Logger
}

// NewInvalidator builds an invalidator. publisher may be nil when no broker
// is configured.
func NewInvalidator(registry *Registry, cache Evicter, publisher Publisher, logger *logrus.Logger) *Invalidator {
	return &Invalidator{registry: registry, cache: cache, publisher: publisher, logger: logger}
}

// Invalidate evicts every view affected in platformContext for campaignID and
// publishes one event listing them.
func (i *Invalidator) Invalidate(ctx context.Context, campaignID, platformContext string) ([]string, error) {
	keys := i.registry.Views(platformContext)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelEvictions)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			i.cache.Evict(campaignID, key)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if i.publisher != nil {
		ev := Event{
			CampaignID: campaignID,
			Context:    platformContext,
			Views:      keys,
			At:         time.Now().UTC().Format(time.RFC3339),
		}
		if err := i.publisher.PublishJSON(Topic(campaignID), ev); err != nil {
			i.logger.WithError(err).WithField("campaign_id", campaignID).Warn("Failed to publish view invalidation")
		}
	}

	i.logger.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"context":     platformContext,
		"views":       len(keys),
	}).Info("Invalidated dashboard views")
	return keys, nil
}
