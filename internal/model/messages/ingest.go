package messages

import (
	"time"

	"github.com/cropsense/cropsense/internal/model/entities"
)

// IngestMessage is the batch a device posts over HTTP or publishes on MQTT.
type IngestMessage struct {
	DeviceID entities.ID        `json:"device_id"`
	IP       string             `json:"ip,omitempty"`
	Extra    map[string]any     `json:"extra,omitempty"`
	Readings []entities.Reading `json:"readings"`
}

// Batch returns the readings, inheriting the message device id where a
// reading carries none.
func (m IngestMessage) Batch() []entities.Reading {
	out := make([]entities.Reading, len(m.Readings))
	for i, r := range m.Readings {
		if r.DeviceID == "" {
			r.DeviceID = m.DeviceID
		}
		out[i] = r
	}
	return out
}

// Meta builds the device metadata delta for this batch.
func (m IngestMessage) Meta(remoteIP string, at time.Time) entities.DeviceMeta {
	ip := m.IP
	if ip == "" {
		ip = remoteIP
	}
	return entities.DeviceMeta{
		DeviceID:          m.DeviceID,
		LastIP:            ip,
		LastCommunication: at,
		Extra:             m.Extra,
	}
}
