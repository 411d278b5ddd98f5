package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventProvider(t *testing.T) {
	tests := []struct {
		typ      string
		provider string
		success  bool
	}{
		{"hubspot_auth_success", "hubspot", true},
		{"hubspot_auth_error", "hubspot", false},
		{"google_sheets_auth_success", "google_sheets", true},
		{"resize", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			ev := Event{Type: tt.typ}
			assert.Equal(t, tt.provider, ev.Provider())
			assert.Equal(t, tt.success, ev.IsSuccess())
		})
	}
}

func TestHubPublish(t *testing.T) {
	hub := NewHub()
	a, releaseA := hub.Subscribe("hubspot", "c1")
	_, releaseB := hub.Subscribe("hubspot", "c2")
	defer releaseB()

	assert.Equal(t, 0, hub.Publish("c1", Event{Type: "message"}))
	assert.Equal(t, 1, hub.Publish("c1", SuccessEvent("hubspot")))
	// Buffer is full; the second completion is dropped rather than blocking.
	assert.Equal(t, 0, hub.Publish("c1", SuccessEvent("hubspot")))

	ev := <-a
	assert.True(t, ev.IsSuccess())

	releaseA()
	releaseA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Waiting())
}
