package telemetry

import (
	"fmt"

	"github.com/cropsense/cropsense/internal/model"
)

// Thresholds below which a device needs irrigation. Comparisons are strict.
type Thresholds struct {
	SoilHumidity    float64
	AirHumidity     float64
	SoilTemperature float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{SoilHumidity: 20, AirHumidity: 40, SoilTemperature: 18}
}

// Decide runs the automatic rule over the latest reading of each type for
// deviceID. Readings of other devices are ignored, so a caller cannot mix
// devices by mistake.
func Decide(deviceID model.ID, latest map[model.SensorType]model.Reading, th Thresholds) model.Diagnosis {
	deviceID = model.NormalizeID(string(deviceID))
	d := model.Diagnosis{
		DeviceID: deviceID,
		Latest:   make(map[model.SensorType]model.Reading, len(model.SensorTypes)),
	}
	for _, t := range model.SensorTypes {
		r, ok := latest[t]
		if !ok || r.DeviceID != deviceID {
			d.Missing = append(d.Missing, t)
			continue
		}
		d.Latest[t] = r
	}
	if len(d.Missing) > 0 {
		d.Status = model.StatusInsufficientData
		return d
	}

	check := func(t model.SensorType, limit float64) {
		if v := d.Latest[t].Value; v < limit {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s %g < %g", t, v, limit))
		}
	}
	check(model.SoilHumidity, th.SoilHumidity)
	check(model.AirHumidity, th.AirHumidity)
	check(model.SoilTemperature, th.SoilTemperature)

	d.NeedsIrrigation = len(d.Reasons) > 0
	d.Status = model.StatusNoIrrigation
	if d.NeedsIrrigation {
		d.Status = model.StatusIrrigate
	}
	return d
}

// DecisionEngine answers the irrigation question for a device: an override
// wins, otherwise the buffered readings are checked against the thresholds.
type DecisionEngine struct {
	buffer     *ReadingBuffer
	overrides  *OverrideStore
	thresholds Thresholds
	observe    func(model.DecisionStatus)
}

func NewDecisionEngine(buffer *ReadingBuffer, overrides *OverrideStore, th Thresholds) *DecisionEngine {
	return &DecisionEngine{buffer: buffer, overrides: overrides, thresholds: th}
}

// Evaluate keeps the boolean contract: missing data reads as false.
func (e *DecisionEngine) Evaluate(deviceID model.ID) bool {
	return e.Diagnose(deviceID).NeedsIrrigation
}

func (e *DecisionEngine) Diagnose(deviceID model.ID) model.Diagnosis {
	deviceID = model.NormalizeID(string(deviceID))

	var d model.Diagnosis
	if v, ok := e.overrides.Get(deviceID); ok {
		d = model.Diagnosis{
			DeviceID:        deviceID,
			Status:          model.StatusOverride,
			NeedsIrrigation: v,
			Override:        &v,
		}
	} else {
		d = Decide(deviceID, e.buffer.LatestByType(deviceID), e.thresholds)
	}

	if e.observe != nil {
		e.observe(d.Status)
	}
	return d
}
