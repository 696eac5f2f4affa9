package telemetry

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

// MQTTIngest turns batches published by devices into Ingest calls.
type MQTTIngest struct {
	svc     *Service
	deduper *dedup.Deduper
	timeout time.Duration
}

func NewMQTTIngest(svc *Service, deduper *dedup.Deduper) *MQTTIngest {
	return &MQTTIngest{svc: svc, deduper: deduper, timeout: 10 * time.Second}
}

// Handle matches rabbitmq.Handler. The device id falls back to the last
// topic segment, e.g. sensor/readings/7.
//
// Only broker redeliveries are dropped: a message flagged as duplicate whose
// topic, packet id and payload were already handled. A device publishing the
// same values twice sends two packets and both are ingested.
func (h *MQTTIngest) Handle(topic string, msg mqtt.Message) error {
	payload := msg.Payload()
	if h.deduper != nil && msg.Qos() > 0 {
		key := deliveryKey(topic, msg.MessageID(), payload)
		if msg.Duplicate() {
			if !h.deduper.ShouldProcess(key) {
				logger.Debugf("ingest: redelivery of packet %d on %s dropped", msg.MessageID(), topic)
				return nil
			}
		} else {
			h.deduper.Mark(key)
		}
	}

	var m model.IngestMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("invalid JSON on %s: %w", topic, err)
	}
	if m.DeviceID == "" {
		if i := strings.LastIndexByte(topic, '/'); i >= 0 && i < len(topic)-1 {
			m.DeviceID = model.NormalizeID(topic[i+1:])
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	res, err := h.svc.Ingest(ctx, m.Batch(), m.Meta("", time.Time{}))
	if err != nil {
		return fmt.Errorf("ingest from %s: %w", topic, err)
	}
	logger.Debugf("ingest: %s: device %s, %d staged, irrigate=%t", topic, res.DeviceID, len(res.Buffer), res.Decision)
	return nil
}

func deliveryKey(topic string, packetID uint16, payload []byte) string {
	return fmt.Sprintf("%s|%d|%s", topic, packetID, dedup.Key(payload))
}

// MQTTDecisions publishes decision events; "{device}" in the topic is
// replaced with the device id.
type MQTTDecisions struct {
	pub   rabbitmq.IPublisher
	topic string
}

func NewMQTTDecisions(pub rabbitmq.IPublisher, topic string) *MQTTDecisions {
	return &MQTTDecisions{pub: pub, topic: topic}
}

func (d *MQTTDecisions) Topic(deviceID model.ID) string {
	return strings.ReplaceAll(d.topic, "{device}", string(deviceID))
}

func (d *MQTTDecisions) PublishDecision(_ context.Context, ev model.DecisionEvent) error {
	return d.pub.PublishJSON(d.Topic(ev.DeviceID), ev)
}
