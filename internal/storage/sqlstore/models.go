package sqlstore

import (
	"time"

	"github.com/cropsense/cropsense/internal/model"
)

// Device is a field board and its last known communication state.
type Device struct {
	ID                  string     `gorm:"primaryKey;size:64" json:"id"`
	Name                string     `gorm:"size:255" json:"name"`
	Location            string     `gorm:"size:255" json:"location"`
	MAC                 string     `gorm:"column:mac;size:32" json:"mac"`
	LastIP              string     `gorm:"column:last_ip;size:64" json:"last_ip"`
	LastCommunicationAt *time.Time `gorm:"column:last_communication_at" json:"last_communication_at"`
	// JSON object with the attributes that have no column of their own
	Attributes string    `gorm:"type:text" json:"attributes"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Device) TableName() string {
	return "devices"
}

// ReadingRecord is a persisted reading.
type ReadingRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID   string    `gorm:"index:idx_readings_device_time;size:64;not null" json:"device_id"`
	SensorID   string    `gorm:"size:64;not null" json:"sensor_id"`
	SensorType string    `gorm:"size:32;not null" json:"sensor_type"`
	Value      float64   `gorm:"not null" json:"value"`
	RecordedAt time.Time `gorm:"index:idx_readings_device_time;not null" json:"recorded_at"`
}

func (ReadingRecord) TableName() string {
	return "readings"
}

func newRecord(r model.Reading) ReadingRecord {
	return ReadingRecord{
		DeviceID:   string(r.DeviceID),
		SensorID:   string(r.SensorID),
		SensorType: string(r.Type),
		Value:      r.Value,
		RecordedAt: r.Timestamp.UTC(),
	}
}

func (rec ReadingRecord) Reading() model.Reading {
	return model.Reading{
		DeviceID:  model.ID(rec.DeviceID),
		SensorID:  model.ID(rec.SensorID),
		Type:      model.SensorType(rec.SensorType),
		Value:     rec.Value,
		Timestamp: rec.RecordedAt.UTC(),
	}
}

// AllModels returns all models for migration
func AllModels() []interface{} {
	return []interface{}{
		&Device{},
		&ReadingRecord{},
	}
}
