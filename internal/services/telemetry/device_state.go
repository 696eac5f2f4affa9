package telemetry

import (
	"context"
	"fmt"

	"github.com/cropsense/cropsense/internal/model"
)

// DeviceStateUpdater forwards the per-batch device metadata to the device
// store. Without a store it does nothing.
type DeviceStateUpdater struct {
	repo DeviceRepository
}

func NewDeviceStateUpdater(repo DeviceRepository) *DeviceStateUpdater {
	return &DeviceStateUpdater{repo: repo}
}

// Apply passes fields through unchanged.
func (u *DeviceStateUpdater) Apply(ctx context.Context, deviceID model.ID, fields map[string]any) error {
	if u == nil || u.repo == nil || len(fields) == 0 {
		return nil
	}
	if deviceID == "" {
		return ErrNoDevice
	}
	if err := u.repo.UpdateDeviceFields(ctx, string(deviceID), fields); err != nil {
		return fmt.Errorf("update device %s: %w", deviceID, err)
	}
	return nil
}
