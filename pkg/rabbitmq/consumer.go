package rabbitmq

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cropsense/cropsense/internal/logger"
)

// Handler processes one delivery. The returned error is only logged.
type Handler func(topic string, message mqtt.Message) error

// IConsumer is the subscription side used by the services.
type IConsumer interface {
	ConsumeMessage(ctx context.Context) error
	SetHandler(handler Handler)
}

// Consumer subscribes one topic filter on a shared client.
type Consumer struct {
	client  mqtt.Client
	topic   string
	qos     byte
	handler Handler
}

func NewConsumer(client mqtt.Client, topic string, qos byte, handler Handler) *Consumer {
	return &Consumer{client: client, topic: topic, qos: qos, handler: handler}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

func (c *Consumer) callback(_ mqtt.Client, message mqtt.Message) {
	if c.handler == nil {
		logger.Warnf("mqtt: no handler set for %s", c.topic)
		return
	}
	if err := c.handler(message.Topic(), message); err != nil {
		logger.Warnf("mqtt: handling message on %s: %v", message.Topic(), err)
	}
}

// ConsumeMessage subscribes and blocks until ctx is done, then unsubscribes.
func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	token := c.client.Subscribe(c.topic, c.qos, c.callback)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, token.Error())
	}
	logger.Infof("mqtt: subscribed to %s (qos %d)", c.topic, c.qos)

	<-ctx.Done()

	c.client.Unsubscribe(c.topic).Wait()
	return nil
}
