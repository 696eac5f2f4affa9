package device_simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cropsense/cropsense/internal/model"
)

const (
	// soil moisture gained per minute while the valve is open, in [0..1]
	gainPerMin = 0.006

	defaultSeed = 0.30
)

// Sensor ids a simulated board reports, one per type.
var sensorIDs = map[model.SensorType]model.ID{
	model.Temperature:     "1",
	model.AirHumidity:     "2",
	model.SoilHumidity:    "3",
	model.SoilTemperature: "4",
}

// DataGenerator keeps the simulated field state and advances it in time.
// Soil moisture decays while the valve is closed and rises while it is open;
// the other quantities random-walk inside plausible bounds.
type DataGenerator struct {
	mu          sync.Mutex
	rng         *rand.Rand
	last        time.Time
	moisture    float64 // [0..1]
	decayPerMin float64
	valveUntil  time.Time

	airHumidity float64
	airTemp     float64
	soilTemp    float64
}

// NewDataGenerator starts from seed soil moisture (defaultSeed when outside
// (0, 1]) and loses decayPerMin of it every minute the valve is closed.
func NewDataGenerator(seed, decayPerMin float64, rng *rand.Rand) *DataGenerator {
	if seed <= 0 || seed > 1 {
		seed = defaultSeed
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DataGenerator{
		rng:         rng,
		moisture:    seed,
		decayPerMin: math.Max(0, decayPerMin),
		airHumidity: 55,
		airTemp:     22,
		soilTemp:    19,
	}
}

// Irrigate opens the valve until the given time.
func (g *DataGenerator) Irrigate(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.valveUntil) {
		g.valveUntil = until
	}
}

// ValveOpen reports whether the valve is open at now.
func (g *DataGenerator) ValveOpen(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return now.Before(g.valveUntil)
}

// Next advances the state to now and returns one reading per sensor type
// for deviceID.
func (g *DataGenerator) Next(deviceID model.ID, now time.Time) []model.Reading {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last.IsZero() {
		g.last = now
	}
	if now.After(g.last) {
		open := 0.0
		if g.valveUntil.After(g.last) {
			open = minTime(now, g.valveUntil).Sub(g.last).Minutes()
		}
		closed := now.Sub(g.last).Minutes() - open
		g.moisture = clamp(g.moisture+gainPerMin*open-g.decayPerMin*closed, 0, 1)
		g.last = now
	}

	g.airHumidity = clamp(g.airHumidity+g.step(2), 10, 95)
	g.airTemp = clamp(g.airTemp+g.step(0.5), -5, 45)
	g.soilTemp = clamp(g.soilTemp+g.step(0.3), 0, 40)

	values := map[model.SensorType]float64{
		model.Temperature:     g.airTemp,
		model.AirHumidity:     g.airHumidity,
		model.SoilHumidity:    g.moisture * 100,
		model.SoilTemperature: g.soilTemp,
	}
	out := make([]model.Reading, 0, len(model.SensorTypes))
	for _, t := range model.SensorTypes {
		out = append(out, model.Reading{
			DeviceID:  deviceID,
			SensorID:  sensorIDs[t],
			Type:      t,
			Value:     round1(values[t]),
			Timestamp: now.UTC(),
		})
	}
	return out
}

// step returns a uniform change in [-max, max].
func (g *DataGenerator) step(max float64) float64 {
	return (g.rng.Float64()*2 - 1) * max
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, x))
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
