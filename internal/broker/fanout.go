package broker

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// transport is the subscription side of the broker connection. paho keeps a
// single callback per topic, so fanout owns that callback and multiplexes it.
type transport interface {
	Subscribe(topic string, deliver func(payload []byte)) error
	Unsubscribe(topic string) error
}

type pahoTransport struct {
	client mqtt.Client
}

func (p pahoTransport) Subscribe(topic string, deliver func(payload []byte)) error {
	token := p.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		deliver(msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}
	return nil
}

func (p pahoTransport) Unsubscribe(topic string) error {
	token := p.client.Unsubscribe(topic)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe timeout for %s", topic)
	}
	return token.Error()
}

// fanout subscribes to each topic once and delivers every message to all
// local handlers of that topic. The broker subscription is dropped when the
// last handler is released.
type fanout struct {
	transport transport
	logger    *logrus.Logger

	// subMu serializes transport calls; mu guards handlers and is never held
	// while a transport call or handler runs.
	subMu    sync.Mutex
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func([]byte)
}

func newFanout(t transport, logger *logrus.Logger) *fanout {
	return &fanout{
		transport: t,
		logger:    logger,
		handlers:  make(map[string]map[int]func([]byte)),
	}
}

func (f *fanout) Subscribe(topic string, handler func(payload []byte)) (func(), error) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	subs, existing := f.handlers[topic]
	if !existing {
		subs = make(map[int]func([]byte))
		f.handlers[topic] = subs
	}
	subs[id] = handler
	f.mu.Unlock()

	if !existing {
		if err := f.transport.Subscribe(topic, func(payload []byte) { f.dispatch(topic, payload) }); err != nil {
			f.mu.Lock()
			delete(f.handlers, topic)
			f.mu.Unlock()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { f.release(topic, id) })
	}, nil
}

func (f *fanout) release(topic string, id int) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	f.mu.Lock()
	subs := f.handlers[topic]
	delete(subs, id)
	last := len(subs) == 0
	if last {
		delete(f.handlers, topic)
	}
	f.mu.Unlock()

	if !last {
		return
	}
	if err := f.transport.Unsubscribe(topic); err != nil {
		f.logger.WithError(err).WithField("topic", topic).Warn("Unsubscribe did not complete")
	}
}

func (f *fanout) dispatch(topic string, payload []byte) {
	f.mu.Lock()
	handlers := make([]func([]byte), 0, len(f.handlers[topic]))
	for _, h := range f.handlers[topic] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}
