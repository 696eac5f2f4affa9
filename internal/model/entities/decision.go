package entities

// DecisionStatus explains how an irrigation decision was reached.
type DecisionStatus string

const (
	StatusInsufficientData DecisionStatus = "insufficient_data"
	StatusNoIrrigation     DecisionStatus = "no_irrigation"
	StatusIrrigate         DecisionStatus = "irrigate"
	StatusOverride         DecisionStatus = "override"
)

// Diagnosis is the detailed form of the irrigation boolean. It separates
// "not enough data" from "no irrigation needed", which the boolean conflates.
type Diagnosis struct {
	DeviceID        ID                     `json:"device_id"`
	Status          DecisionStatus         `json:"status"`
	NeedsIrrigation bool                   `json:"irrigate"`
	Override        *bool                  `json:"override,omitempty"`
	Missing         []SensorType           `json:"missing,omitempty"`
	Reasons         []string               `json:"reasons,omitempty"`
	Latest          map[SensorType]Reading `json:"latest,omitempty"`
}
