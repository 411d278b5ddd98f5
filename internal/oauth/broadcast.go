package oauth

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber is the part of a message broker the broadcast source needs.
type Subscriber interface {
	Subscribe(topic string, handler func(payload []byte)) (func(), error)
}

// BroadcastSource listens on a broker topic for completion payloads. It covers
// providers whose pages break window.opener messaging: the backend callback
// publishes the same payload it would have posted to the opener.
type BroadcastSource struct {
	broker Subscriber
	logger *logrus.Logger
}

func NewBroadcastSource(broker Subscriber, logger *logrus.Logger) *BroadcastSource {
	return &BroadcastSource{broker: broker, logger: logger}
}

func BroadcastTopic(provider, campaignID string) string {
	return fmt.Sprintf("oauth/%s/%s", provider, campaignID)
}

func (s *BroadcastSource) Subscribe(provider, campaignID string) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	topic := BroadcastTopic(provider, campaignID)

	var mu sync.Mutex
	closed := false
	handler := func(payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.logger.WithError(err).WithField("topic", topic).Warn("Ignoring malformed auth broadcast")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	}

	unsubscribe, err := s.broker.Subscribe(topic, handler)
	if err != nil {
		// Other channels still run; the broadcast channel is a fallback.
		s.logger.WithError(err).WithField("topic", topic).Warn("Auth broadcast subscription failed")
		unsubscribe = func() {}
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
