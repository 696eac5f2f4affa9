package model

import (
	"github.com/cropsense/cropsense/internal/model/entities"
	"github.com/cropsense/cropsense/internal/model/messages"
)

// Aliases exposing the shared types to the services.

type (
	ID             = entities.ID
	Reading        = entities.Reading
	ReadingKey     = entities.ReadingKey
	SensorType     = entities.SensorType
	DeviceMeta     = entities.DeviceMeta
	Diagnosis      = entities.Diagnosis
	DecisionStatus = entities.DecisionStatus
	IngestMessage  = messages.IngestMessage
	DecisionEvent  = messages.DecisionEvent
)

const (
	Temperature     = entities.Temperature
	AirHumidity     = entities.AirHumidity
	SoilHumidity    = entities.SoilHumidity
	SoilTemperature = entities.SoilTemperature

	StatusInsufficientData = entities.StatusInsufficientData
	StatusNoIrrigation     = entities.StatusNoIrrigation
	StatusIrrigate         = entities.StatusIrrigate
	StatusOverride         = entities.StatusOverride

	FieldLastIP            = entities.FieldLastIP
	FieldLastCommunication = entities.FieldLastCommunication
)

var (
	SensorTypes     = entities.SensorTypes
	NormalizeID     = entities.NormalizeID
	ParseSensorType = entities.ParseSensorType
)
