package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cropsense/cropsense/internal/model"
)

type fakeTelemetry struct {
	mu     sync.Mutex
	stored []model.Reading
	fail   func(model.Reading) error
	block  chan struct{}
}

func (f *fakeTelemetry) PersistReading(ctx context.Context, r model.Reading) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(r); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.stored = append(f.stored, r)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelemetry) Stored() []model.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Reading(nil), f.stored...)
}

type deviceUpdate struct {
	id     string
	fields map[string]any
}

type fakeDevices struct {
	mu      sync.Mutex
	updates []deviceUpdate
	err     error
}

func (f *fakeDevices) UpdateDeviceFields(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, deviceUpdate{id: id, fields: fields})
	return nil
}

type historyCall struct {
	id         string
	start, end time.Time
	types      []model.SensorType
}

type fakeHistory struct {
	calls []historyCall
	out   []model.Reading
	err   error
}

func (f *fakeHistory) ReadingsInRange(_ context.Context, id string, start, end time.Time, types ...model.SensorType) ([]model.Reading, error) {
	f.calls = append(f.calls, historyCall{id: id, start: start, end: end, types: types})
	return f.out, f.err
}

type fakeEvents struct {
	mu     sync.Mutex
	events []model.DecisionEvent
	err    error
}

func (f *fakeEvents) PublishDecision(_ context.Context, ev model.DecisionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

var errStoreDown = errors.New("store down")

func reading(device, sensor string, t model.SensorType, v float64) model.Reading {
	return model.Reading{DeviceID: model.ID(device), SensorID: model.ID(sensor), Type: t, Value: v}
}

// fullBatch is the four-type batch of device 7 that needs irrigation
// because soil humidity is 15.
func fullBatch() []model.Reading {
	return []model.Reading{
		reading("7", "1", model.SoilHumidity, 15),
		reading("7", "2", model.AirHumidity, 60),
		reading("7", "3", model.Temperature, 22),
		reading("7", "4", model.SoilTemperature, 19),
	}
}
