package device_simulator

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropsense/cropsense/internal/model"
	"github.com/cropsense/cropsense/pkg/rabbitmq"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakePublisher struct {
	topics   []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePublisher) PublishJSON(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Publish(topic, b)
}

var _ rabbitmq.IPublisher = (*fakePublisher)(nil)

func soil(readings []model.Reading) float64 {
	for _, r := range readings {
		if r.Type == model.SoilHumidity {
			return r.Value
		}
	}
	return -1
}

func TestGeneratorReadingsAreValid(t *testing.T) {
	g := NewDataGenerator(0.3, 0.001, rand.New(rand.NewSource(1)))
	readings := g.Next("7", t0)
	require.Len(t, readings, len(model.SensorTypes))
	for i, r := range readings {
		assert.NoError(t, r.Validate())
		assert.Equal(t, model.SensorTypes[i], r.Type)
		assert.Equal(t, model.ID("7"), r.DeviceID)
		assert.Equal(t, t0, r.Timestamp)
	}
	assert.Equal(t, 30.0, soil(readings))
}

func TestGeneratorMoistureFollowsValve(t *testing.T) {
	g := NewDataGenerator(0.3, 0.001, rand.New(rand.NewSource(1)))
	g.Next("7", t0)

	// closed for 60 minutes: -6%
	assert.InDelta(t, 24.0, soil(g.Next("7", t0.Add(time.Hour))), 0.05)

	// open for 10 of the next 20 minutes: +6% -1%
	g.Irrigate(t0.Add(70 * time.Minute))
	assert.True(t, g.ValveOpen(t0.Add(65*time.Minute)))
	assert.InDelta(t, 29.0, soil(g.Next("7", t0.Add(80*time.Minute))), 0.05)
	assert.False(t, g.ValveOpen(t0.Add(80*time.Minute)))
}

func TestGeneratorClampsMoisture(t *testing.T) {
	g := NewDataGenerator(0.05, 0.01, rand.New(rand.NewSource(1)))
	g.Next("7", t0)
	assert.Equal(t, 0.0, soil(g.Next("7", t0.Add(24*time.Hour))))
}

func TestPublishOnceSendsBatch(t *testing.T) {
	pub := &fakePublisher{}
	sim := NewDeviceSimulator(nil, pub, NewDataGenerator(0.3, 0, rand.New(rand.NewSource(1))),
		"007", "sensor/readings/{device}", time.Minute)
	sim.now = func() time.Time { return t0 }
	sim.SetIP("10.0.0.9")

	require.NoError(t, sim.PublishOnce())
	require.Len(t, pub.topics, 1)
	assert.Equal(t, "sensor/readings/7", pub.topics[0])

	var msg model.IngestMessage
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, model.ID("7"), msg.DeviceID)
	assert.Equal(t, "10.0.0.9", msg.IP)
	assert.Len(t, msg.Readings, 4)
	assert.Nil(t, msg.Extra)
}

func TestDecisionOpensValve(t *testing.T) {
	gen := NewDataGenerator(0.3, 0, rand.New(rand.NewSource(1)))
	sim := NewDeviceSimulator(nil, &fakePublisher{}, gen, "7", "sensor/readings/7", 10*time.Minute)
	sim.now = func() time.Time { return t0 }

	other, _ := json.Marshal(model.DecisionEvent{DeviceID: "8", Irrigate: true, Timestamp: t0})
	require.NoError(t, sim.handleDecision("event/irrigationDecision/8", &fakeMessage{payload: other}))
	assert.False(t, gen.ValveOpen(t0))

	no, _ := json.Marshal(model.DecisionEvent{DeviceID: "7", Irrigate: false, Timestamp: t0})
	require.NoError(t, sim.handleDecision("event/irrigationDecision/7", &fakeMessage{payload: no}))
	assert.False(t, gen.ValveOpen(t0))

	yes, _ := json.Marshal(model.DecisionEvent{DeviceID: "7", Irrigate: true, Status: model.StatusIrrigate, Timestamp: t0})
	require.NoError(t, sim.handleDecision("event/irrigationDecision/7", &fakeMessage{payload: yes}))
	assert.True(t, gen.ValveOpen(t0.Add(5*time.Minute)))
	assert.False(t, gen.ValveOpen(t0.Add(10*time.Minute)))

	assert.Error(t, sim.handleDecision("event/irrigationDecision/7", &fakeMessage{payload: []byte("{")}))
}
