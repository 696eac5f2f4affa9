package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err     error
	pending bool
}

func (t *fakeToken) Wait() bool                     { return !t.pending }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.pending }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	published    []published
	subscribed   map[string]mqtt.MessageHandler
	unsubscribed []string
	publishErr   error
	pending      bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{subscribed: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return &fakeToken{} }
func (c *fakeClient) Disconnect(uint)        {}
func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: c.publishErr, pending: c.pending}
}
func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = cb
	return &fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return &fakeToken{}
}
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) handler(topic string) mqtt.MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[topic]
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestPublishJSON(t *testing.T) {
	c := newFakeClient()
	p := NewPublisher(c, 1, time.Second)

	require.NoError(t, p.PublishJSON("event/irrigationDecision/7", map[string]any{"irrigate": true}))
	require.Len(t, c.published, 1)
	assert.Equal(t, "event/irrigationDecision/7", c.published[0].topic)
	assert.Equal(t, byte(1), c.published[0].qos)
	assert.JSONEq(t, `{"irrigate":true}`, string(c.published[0].payload))
}

func TestPublishErrors(t *testing.T) {
	c := newFakeClient()
	c.publishErr = errors.New("broker gone")
	p := NewPublisher(c, 0, time.Second)
	assert.ErrorContains(t, p.Publish("a/b", []byte("x")), "broker gone")

	c = newFakeClient()
	c.pending = true
	p = NewPublisher(c, 0, time.Millisecond)
	assert.ErrorIs(t, p.Publish("a/b", []byte("x")), ErrPublishTimeout)
}

func TestConsumerDeliversAndUnsubscribes(t *testing.T) {
	c := newFakeClient()
	got := make(chan string, 1)
	cons := NewConsumer(c, "sensor/readings/#", 1, func(topic string, m mqtt.Message) error {
		got <- topic + " " + string(m.Payload())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cons.ConsumeMessage(ctx) }()

	require.Eventually(t, func() bool { return c.handler("sensor/readings/#") != nil }, time.Second, 5*time.Millisecond)
	c.handler("sensor/readings/#")(c, fakeMessage{topic: "sensor/readings/7", payload: []byte("hi")})
	assert.Equal(t, "sensor/readings/7 hi", <-got)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"sensor/readings/#"}, c.unsubscribed)
}

func TestClientOptions(t *testing.T) {
	cfg := &RabbitMQConfig{Host: "broker", Port: 1883, User: "u", Password: "p", ClientID: "cs"}
	assert.Equal(t, "tcp://broker:1883", cfg.Broker())

	r := mqtt.NewClient(cfg.ClientOptions()).OptionsReader()
	assert.Equal(t, "cs", r.ClientID())
	assert.Equal(t, "u", r.Username())
	assert.False(t, r.Order())
	assert.True(t, r.AutoReconnect())
}
