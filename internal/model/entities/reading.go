package entities

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ID identifies a device or a sensor. Field firmware sends ids either as JSON
// numbers or as strings, so every ID is kept in a canonical string form.
type ID string

// NormalizeID returns the canonical form of s: surrounding spaces are removed
// and integral numbers lose leading zeros and fractional ".0" parts.
func NormalizeID(s string) ID {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ID(strconv.FormatInt(n, 10))
	}
	if !isPlainDecimal(s) {
		return ID(s)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return ID(strconv.FormatInt(int64(f), 10))
	}
	return ID(s)
}

// isPlainDecimal matches [+-]digits[.digits], rejecting exponents, hex and
// the special float names.
func isPlainDecimal(s string) bool {
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	intPart, frac, hasDot := strings.Cut(s, ".")
	if !allDigits(intPart) {
		return false
	}
	return !hasDot || allDigits(frac)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts 7, 7.0, "7" and " 007 " as the same id.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = NormalizeID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("id must be a string or a number: %w", err)
		}
		*id = NormalizeID(n.String())
		return nil
	}
}

// SensorType is the physical quantity a sensor measures.
type SensorType string

const (
	Temperature     SensorType = "Temperature"
	AirHumidity     SensorType = "AirHumidity"
	SoilHumidity    SensorType = "SoilHumidity"
	SoilTemperature SensorType = "SoilTemperature"
)

// SensorTypes lists every type the irrigation decision needs, in report order.
var SensorTypes = []SensorType{Temperature, AirHumidity, SoilHumidity, SoilTemperature}

// legacy names come from the first firmware generation (Spanish labels)
var sensorTypeAliases = map[string]SensorType{
	"temperature":      Temperature,
	"temp":             Temperature,
	"temperatura":      Temperature,
	"airhumidity":      AirHumidity,
	"humedadaire":      AirHumidity,
	"soilhumidity":     SoilHumidity,
	"soilmoisture":     SoilHumidity,
	"humedadsuelo":     SoilHumidity,
	"soiltemperature":  SoilTemperature,
	"soiltemp":         SoilTemperature,
	"temperaturasuelo": SoilTemperature,
}

// ParseSensorType resolves s case-insensitively, ignoring spaces, underscores
// and dashes.
func ParseSensorType(s string) (SensorType, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(k)
	if t, ok := sensorTypeAliases[k]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown sensor type %q", s)
}

// Valid reports whether t is one of SensorTypes.
func (t SensorType) Valid() bool {
	switch t {
	case Temperature, AirHumidity, SoilHumidity, SoilTemperature:
		return true
	}
	return false
}

// UnmarshalJSON canonicalizes known names and keeps unknown ones verbatim so
// that validation can report them.
func (t *SensorType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("sensor type must be a string: %w", err)
	}
	if p, err := ParseSensorType(s); err == nil {
		*t = p
		return nil
	}
	*t = SensorType(s)
	return nil
}

// Reading is a single sensor sample reported by a device.
type Reading struct {
	DeviceID  ID         `json:"device_id"`
	SensorID  ID         `json:"sensor_id"`
	Type      SensorType `json:"type"`
	Value     float64    `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
}

// ReadingKey is the dedup identity of a reading in the staging buffer.
type ReadingKey struct {
	SensorID ID
	DeviceID ID
}

func (r Reading) Key() ReadingKey {
	return ReadingKey{SensorID: r.SensorID, DeviceID: r.DeviceID}
}

// Normalize canonicalizes ids and stamps a missing timestamp with now.
func (r Reading) Normalize(now time.Time) Reading {
	r.DeviceID = NormalizeID(string(r.DeviceID))
	r.SensorID = NormalizeID(string(r.SensorID))
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	return r
}

func (r Reading) Validate() error {
	switch {
	case r.DeviceID == "":
		return errors.New("missing device id")
	case r.SensorID == "":
		return errors.New("missing sensor id")
	case !r.Type.Valid():
		return fmt.Errorf("sensor %s: unknown sensor type %q", r.SensorID, r.Type)
	case math.IsNaN(r.Value) || math.IsInf(r.Value, 0):
		return fmt.Errorf("sensor %s: value is not a finite number", r.SensorID)
	}
	return nil
}
