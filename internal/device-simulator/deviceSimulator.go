package device_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cropsense/cropsense/internal/logger"
	"github.com/cropsense/cropsense/internal/model"
	"github.com/cropsense/cropsense/pkg/dedup"
	"github.com/cropsense/cropsense/pkg/rabbitmq"
)

// DeviceSimulator publishes reading batches for one field board and opens
// its simulated valve when the telemetry service decides to irrigate.
type DeviceSimulator struct {
	deviceID    model.ID
	ip          string
	topic       string
	irrigateFor time.Duration
	generator   *DataGenerator
	publisher   rabbitmq.IPublisher
	consumer    rabbitmq.IConsumer
	deduper     *dedup.Deduper
	now         func() time.Time
}

// NewDeviceSimulator wires a simulator. consumer may be nil, in which case
// decisions are not followed.
func NewDeviceSimulator(consumer rabbitmq.IConsumer, publisher rabbitmq.IPublisher,
	gen *DataGenerator, deviceID model.ID, topic string, irrigateFor time.Duration) *DeviceSimulator {
	id := model.NormalizeID(string(deviceID))
	return &DeviceSimulator{
		deviceID:    id,
		topic:       strings.ReplaceAll(topic, "{device}", string(id)),
		irrigateFor: irrigateFor,
		generator:   gen,
		publisher:   publisher,
		consumer:    consumer,
		deduper:     dedup.New(2*time.Minute, 10000),
		now:         time.Now,
	}
}

// SetIP sets the address reported in each batch.
func (s *DeviceSimulator) SetIP(ip string) { s.ip = ip }

// Start follows decisions and publishes a batch every interval until ctx is
// done.
func (s *DeviceSimulator) Start(ctx context.Context, interval time.Duration) {
	if s.consumer != nil {
		s.consumer.SetHandler(s.handleDecision)
		go func() {
			if err := s.consumer.ConsumeMessage(ctx); err != nil {
				logger.Errorf("simulator %s: %v", s.deviceID, err)
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PublishOnce(); err != nil {
				logger.Warnf("simulator %s: publish: %v", s.deviceID, err)
			}
		}
	}
}

// PublishOnce publishes the current readings.
func (s *DeviceSimulator) PublishOnce() error {
	now := s.now()
	msg := model.IngestMessage{
		DeviceID: s.deviceID,
		IP:       s.ip,
		Readings: s.generator.Next(s.deviceID, now),
	}
	if s.generator.ValveOpen(now) {
		msg.Extra = map[string]any{"valve": "open"}
	}
	for _, r := range msg.Readings {
		logger.Debugf("simulator %s: %s=%.1f", s.deviceID, r.Type, r.Value)
	}
	return s.publisher.PublishJSON(s.topic, msg)
}

func (s *DeviceSimulator) handleDecision(_ string, msg mqtt.Message) error {
	if !s.deduper.ShouldProcess(dedup.Key(msg.Payload())) {
		return nil
	}

	var ev model.DecisionEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		return fmt.Errorf("invalid decision event: %w", err)
	}
	if model.NormalizeID(string(ev.DeviceID)) != s.deviceID || !ev.Irrigate {
		return nil
	}
	until := s.now().Add(s.irrigateFor)
	s.generator.Irrigate(until)
	logger.Infof("simulator %s: valve open until %s (%s)", s.deviceID, until.Format(time.RFC3339), ev.Status)
	return nil
}
