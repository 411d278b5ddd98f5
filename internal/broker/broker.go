package broker

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"marketpulse/internal/config"
)

// Client publishes and subscribes on the MQTT broker. It carries the OAuth
// broadcast channel and dashboard invalidation events.
type Client struct {
	client mqtt.Client
	subs   *fanout
	logger *logrus.Logger
}

// New connects to the broker described by cfg.
func New(cfg *config.BrokerConfig, logger *logrus.Logger) (*Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("Connected to message broker")
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.WithError(err).Warn("Message broker connection lost")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if token.WaitTimeout(10 * time.Second) {
		if token.Error() != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", token.Error())
		}
	} else {
		return nil, fmt.Errorf("broker connection timeout")
	}

	return &Client{
		client: client,
		subs:   newFanout(pahoTransport{client: client}, logger),
		logger: logger,
	}, nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	if token.WaitTimeout(5 * time.Second) {
		if token.Error() != nil {
			return fmt.Errorf("failed to publish: %w", token.Error())
		}
	} else {
		return fmt.Errorf("publish timeout")
	}

	c.logger.WithField("topic", topic).Debug("Published message")
	return nil
}

func (c *Client) PublishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.Publish(topic, payload)
}

// Subscribe registers handler for topic and returns a function that releases
// it. Any number of handlers may share a topic.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) (func(), error) {
	return c.subs.Subscribe(topic, handler)
}

func (c *Client) Close() {
	c.client.Disconnect(1000)
	c.logger.Info("Disconnected from message broker")
}
