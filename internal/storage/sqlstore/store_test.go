package sqlstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropsense/cropsense/internal/config"
	"github.com/cropsense/cropsense/internal/model"
	"github.com/cropsense/cropsense/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "cropsense.db")

	s, err := Open(context.Background(), &cfg)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "oracle"
	_, err := Open(context.Background(), &cfg)
	assert.Error(t, err)
}

func TestUpdateDeviceFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: "7", Name: "north field"}))

	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	err := s.UpdateDeviceFields(ctx, "7", map[string]any{
		model.FieldLastIP:            "10.0.0.9",
		model.FieldLastCommunication: at,
		"firmware":                   "1.2.0",
	})
	require.NoError(t, err)

	d, err := s.GetDevice(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "north field", d.Name)
	assert.Equal(t, "10.0.0.9", d.LastIP)
	require.NotNil(t, d.LastCommunicationAt)
	assert.True(t, at.Equal(*d.LastCommunicationAt))

	var attrs map[string]any
	require.NoError(t, json.Unmarshal([]byte(d.Attributes), &attrs))
	assert.Equal(t, "1.2.0", attrs["firmware"])

	// attributes merge rather than replace
	require.NoError(t, s.UpdateDeviceFields(ctx, "7", map[string]any{"rssi": -70}))
	d, err = s.GetDevice(ctx, "7")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(d.Attributes), &attrs))
	assert.Equal(t, "1.2.0", attrs["firmware"])
	assert.EqualValues(t, -70, attrs["rssi"])
	assert.Equal(t, "10.0.0.9", d.LastIP)
}

func TestUpdateDeviceFieldsUnknownDevice(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateDeviceFields(context.Background(), "99", map[string]any{model.FieldLastIP: "10.0.0.1"})
	assert.ErrorIs(t, err, storage.ErrDeviceNotFound)

	_, err = s.GetDevice(context.Background(), "99")
	assert.ErrorIs(t, err, storage.ErrDeviceNotFound)
}

func TestUpdateDeviceFieldsEmptyIsNoop(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.UpdateDeviceFields(context.Background(), "99", nil))
}

func TestReadingsInRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	readings := []model.Reading{
		{DeviceID: "7", SensorID: "2", Type: model.AirHumidity, Value: 55, Timestamp: base.Add(2 * time.Minute)},
		{DeviceID: "7", SensorID: "1", Type: model.SoilHumidity, Value: 12.5, Timestamp: base},
		{DeviceID: "8", SensorID: "1", Type: model.SoilHumidity, Value: 30, Timestamp: base},
		{DeviceID: "7", SensorID: "1", Type: model.SoilHumidity, Value: 14, Timestamp: base.Add(24 * time.Hour)},
	}
	for _, r := range readings {
		require.NoError(t, s.PersistReading(ctx, r))
	}

	got, err := s.ReadingsInRange(ctx, "7", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.SoilHumidity, got[0].Type)
	assert.Equal(t, 12.5, got[0].Value)
	assert.True(t, base.Equal(got[0].Timestamp))
	assert.Equal(t, model.AirHumidity, got[1].Type)

	got, err = s.ReadingsInRange(ctx, "7", base, base.Add(48*time.Hour), model.SoilHumidity)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, model.SoilHumidity, r.Type)
		assert.Equal(t, model.ID("7"), r.DeviceID)
	}

	got, err = s.ReadingsInRange(ctx, "7", base.Add(-time.Hour), base)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListDevices(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: "9"}))
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: "10"}))

	got, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10", got[0].ID)
}
