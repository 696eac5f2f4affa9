package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cropsense/cropsense/internal/logger"
)

// RabbitMQConfig points at the broker's MQTT plugin.
type RabbitMQConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	ClientID   string
	MaxRetries int
	MaxElapsed time.Duration
}

func (c *RabbitMQConfig) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// ClientOptions builds the paho options. Handlers may publish from inside a
// callback, so delivery order across topics is not enforced.
func (c *RabbitMQConfig) ClientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker())
	opts.SetUsername(c.User)
	opts.SetPassword(c.Password)
	opts.SetClientID(c.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnf("mqtt: connection lost: %v", err)
	})
	return opts
}

// NewRabbitMQConn connects with exponential backoff and disconnects when ctx
// is done.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQConfig) (mqtt.Client, error) {
	opts := cfg.ClientOptions()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.MaxElapsed
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Warnf("mqtt: failed to connect to %s: %v", cfg.Broker(), token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	logger.Infof("mqtt: connected to %s as %s", cfg.Broker(), cfg.ClientID)

	go func() {
		<-ctx.Done()
		CloseRabbitMQConn(client)
	}()
	return client, nil
}

func CloseRabbitMQConn(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		logger.Infof("mqtt: connection closed")
	}
}
