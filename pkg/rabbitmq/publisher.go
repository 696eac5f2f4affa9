package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cropsense/cropsense/internal/logger"
)

var ErrPublishTimeout = errors.New("publish timed out")

// IPublisher is the publishing side used by the services.
type IPublisher interface {
	Publish(topic string, payload []byte) error
	PublishJSON(topic string, v any) error
}

// Publisher sends to arbitrary topics on a shared client.
type Publisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

func NewPublisher(client mqtt.Client, qos byte, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{client: client, qos: qos, timeout: timeout}
}

func (p *Publisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%s: %w", topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	logger.Debugf("mqtt: published %d bytes to %s", len(payload), topic)
	return nil
}

func (p *Publisher) PublishJSON(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return p.Publish(topic, b)
}
