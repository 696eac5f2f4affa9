package storage

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"

	"github.com/cropsense/cropsense/internal/config"
	"github.com/cropsense/cropsense/internal/logger"
	"github.com/cropsense/cropsense/internal/model"
)

// ErrDeviceNotFound is returned by device stores when no row matches.
var ErrDeviceNotFound = errors.New("device not found")

type TelemetryWriter interface {
	PersistReading(ctx context.Context, r model.Reading) error
}

type DeviceUpdater interface {
	UpdateDeviceFields(ctx context.Context, deviceID string, fields map[string]any) error
}

// NewBreaker builds a breaker that opens after cfg.Failures consecutive
// failures. Missing devices and caller cancellations do not count.
func NewBreaker(name string, cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	fails := cfg.Failures
	if fails <= 0 {
		fails = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.Interval,
		Timeout:  cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDeviceNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("breaker: %s %s -> %s", name, from, to)
		},
	})
}

// GuardedTelemetry fails fast while the telemetry store keeps failing.
type GuardedTelemetry struct {
	next TelemetryWriter
	cb   *gobreaker.CircuitBreaker
}

func GuardTelemetry(next TelemetryWriter, cfg config.BreakerConfig) *GuardedTelemetry {
	return &GuardedTelemetry{next: next, cb: NewBreaker("telemetry-store", cfg)}
}

func (g *GuardedTelemetry) PersistReading(ctx context.Context, r model.Reading) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.next.PersistReading(ctx, r)
	})
	return err
}

func (g *GuardedTelemetry) State() gobreaker.State { return g.cb.State() }

// GuardedDevices fails fast while the device store keeps failing.
type GuardedDevices struct {
	next DeviceUpdater
	cb   *gobreaker.CircuitBreaker
}

func GuardDevices(next DeviceUpdater, cfg config.BreakerConfig) *GuardedDevices {
	return &GuardedDevices{next: next, cb: NewBreaker("device-store", cfg)}
}

func (g *GuardedDevices) UpdateDeviceFields(ctx context.Context, deviceID string, fields map[string]any) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.next.UpdateDeviceFields(ctx, deviceID, fields)
	})
	return err
}

func (g *GuardedDevices) State() gobreaker.State { return g.cb.State() }

