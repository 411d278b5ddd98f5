// Package loader fetches attributable fields and their observed values for one
// wizard session, caching the field list and reconciling value selections.
package loader

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"marketpulse/internal/models"
)

// ErrNotConnected is returned when fields are requested before the provider
// connection is confirmed.
var ErrNotConnected = errors.New("provider is not connected")

const DefaultValuesLimit = 300

// API is the slice of the backend client the loader calls.
type API interface {
	ListFields(ctx context.Context, provider, campaignID string) ([]models.AttributableField, error)
	UniqueValues(ctx context.Context, provider, campaignID, field string, days, limit int) ([]models.UniqueValue, error)
}

type Loader struct {
	api        API
	provider   string
	campaignID string
	limit      int
	logger     *logrus.Logger

	group singleflight.Group

	mu        sync.Mutex
	gen       int
	connected bool
	fields    []models.AttributableField
	values    map[string][]models.UniqueValue
}

func New(api API, provider, campaignID string, limit int, logger *logrus.Logger) *Loader {
	if limit <= 0 {
		limit = DefaultValuesLimit
	}
	return &Loader{
		api:        api,
		provider:   provider,
		campaignID: campaignID,
		limit:      limit,
		logger:     logger,
		values:     make(map[string][]models.UniqueValue),
	}
}

// SetConnected records the confirmed connection state. Loading fields is only
// allowed once it is true.
func (l *Loader) SetConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}

// Reset drops every cached list so data from a previous account never shows.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.fields = nil
	l.values = make(map[string][]models.UniqueValue)
}

// LoadFields returns the cached field list, fetching it the first time and
// again whenever the cached list is empty.
func (l *Loader) LoadFields(ctx context.Context) ([]models.AttributableField, error) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return nil, ErrNotConnected
	}
	if len(l.fields) > 0 {
		fields := append([]models.AttributableField(nil), l.fields...)
		l.mu.Unlock()
		return fields, nil
	}
	gen := l.gen
	l.mu.Unlock()

	v, err, _ := l.group.Do("fields-"+strconv.Itoa(gen), func() (interface{}, error) {
		return l.api.ListFields(ctx, l.provider, l.campaignID)
	})
	if err != nil {
		return nil, err
	}
	fields := v.([]models.AttributableField)

	l.mu.Lock()
	if l.gen == gen {
		l.fields = append([]models.AttributableField(nil), fields...)
	}
	l.mu.Unlock()
	return append([]models.AttributableField(nil), fields...), nil
}

// LoadUniqueValues fetches a bounded sample of distinct values of field seen
// in the last lookbackDays. On failure the previously loaded values stay cached.
func (l *Loader) LoadUniqueValues(ctx context.Context, field string, lookbackDays int) ([]models.UniqueValue, error) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return nil, ErrNotConnected
	}
	gen := l.gen
	l.mu.Unlock()

	values, err := l.api.UniqueValues(ctx, l.provider, l.campaignID, field, lookbackDays, l.limit)
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"provider": l.provider,
			"field":    field,
		}).Warn("Unique values fetch failed")
		return nil, err
	}

	l.mu.Lock()
	if l.gen == gen {
		l.values[field] = append([]models.UniqueValue(nil), values...)
	}
	l.mu.Unlock()
	return values, nil
}

// Values returns the last successful sample for field loaded under the
// current connection.
func (l *Loader) Values(field string) []models.UniqueValue {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.UniqueValue(nil), l.values[field]...)
}

// Reconcile merges held selections with freshly fetched values. Without
// preserve, selections missing from fetched are dropped. With preserve (edit
// mode) they are kept and appended to the list with a zero count so a narrower
// lookback window never hides a confirmed selection.
func Reconcile(fetched []models.UniqueValue, selected []string, preserve bool) ([]models.UniqueValue, []string) {
	list := append([]models.UniqueValue(nil), fetched...)
	present := make(map[string]bool, len(fetched))
	for _, v := range fetched {
		present[v.Value] = true
	}

	kept := make([]string, 0, len(selected))
	var missing []string
	for _, s := range models.SortedSet(selected) {
		switch {
		case present[s]:
			kept = append(kept, s)
		case preserve:
			kept = append(kept, s)
			missing = append(missing, s)
		}
	}
	for _, s := range missing {
		list = append(list, models.UniqueValue{Value: s, Count: 0})
	}
	return list, kept
}

// Filter is the case-insensitive substring search over a value list.
func Filter(values []models.UniqueValue, query string) []models.UniqueValue {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return values
	}
	out := make([]models.UniqueValue, 0, len(values))
	for _, v := range values {
		if strings.Contains(strings.ToLower(v.Value), q) {
			out = append(out, v)
		}
	}
	return out
}

// SortByCount orders values by descending count, then by value.
func SortByCount(values []models.UniqueValue) {
	sort.SliceStable(values, func(i, j int) bool {
		if values[i].Count != values[j].Count {
			return values[i].Count > values[j].Count
		}
		return values[i].Value < values[j].Value
	})
}
