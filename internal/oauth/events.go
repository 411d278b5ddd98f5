package oauth

import (
	"strings"
	"sync"
)

const (
	successSuffix = "_auth_success"
	errorSuffix   = "_auth_error"
)

// Event is the completion payload posted by the authorization callback page,
// e.g. {"type":"hubspot_auth_success"} or {"type":"hubspot_auth_error","error":"access_denied"}.
type Event struct {
	Type       string `json:"type" binding:"required"`
	Error      string `json:"error,omitempty"`
	CampaignID string `json:"campaignId,omitempty"`
}

func SuccessEvent(provider string) Event { return Event{Type: provider + successSuffix} }

func ErrorEvent(provider, reason string) Event {
	return Event{Type: provider + errorSuffix, Error: reason}
}

// Provider extracts the provider prefix, or "" for an unrelated message.
func (e Event) Provider() string {
	switch {
	case strings.HasSuffix(e.Type, successSuffix):
		return strings.TrimSuffix(e.Type, successSuffix)
	case strings.HasSuffix(e.Type, errorSuffix):
		return strings.TrimSuffix(e.Type, errorSuffix)
	}
	return ""
}

func (e Event) IsSuccess() bool { return strings.HasSuffix(e.Type, successSuffix) }

// Source is one completion channel. Subscribe returns a channel of events for
// the provider/campaign pair and a function that releases the subscription.
// The release function must be safe to call more than once.
type Source interface {
	Subscribe(provider, campaignID string) (<-chan Event, func())
}

// Hub is the in-process message channel: the callback page posts its payload to
// the service and the hub fans it out to whoever is waiting on that campaign.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Event)}
}

func hubKey(provider, campaignID string) string { return provider + "|" + campaignID }

func (h *Hub) Subscribe(provider, campaignID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := hubKey(provider, campaignID)
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]chan Event)
	}
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 1)
	h.subs[key][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subs[key]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subs, key)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers ev to every waiter for its provider and campaign and reports
// how many received it. Waiters that already hold an undelivered event are skipped.
func (h *Hub) Publish(campaignID string, ev Event) int {
	provider := ev.Provider()
	if provider == "" {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, ch := range h.subs[hubKey(provider, campaignID)] {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Waiting reports the number of open subscriptions, used by readiness checks and tests.
func (h *Hub) Waiting() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}
