package influx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/cropsense/cropsense/internal/config"
	"github.com/cropsense/cropsense/internal/model"
)

// Tag and field names of a stored reading.
const (
	tagDevice = "device_id"
	tagSensor = "sensor_id"
	tagType   = "sensor_type"
	fieldVal  = "value"
)

// Repository stores readings as points and reads them back with Flux.
type Repository struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	queryAPI    api.QueryAPI
	bucket      string
	measurement string
}

func New(cfg config.InfluxConfig) (*Repository, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx config incomplete")
	}
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "sensor_reading"
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Repository{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:    client.QueryAPI(cfg.Org),
		bucket:      cfg.Bucket,
		measurement: sanitizeMeasurement(measurement),
	}, nil
}

func (r *Repository) Close() { r.client.Close() }

// Ping reports whether the server answers.
func (r *Repository) Ping(ctx context.Context) error {
	ok, err := r.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influx not ready")
	}
	return nil
}

func (r *Repository) PersistReading(ctx context.Context, rd model.Reading) error {
	t := rd.Timestamp
	if t.IsZero() {
		t = time.Now()
	}
	tags := map[string]string{
		tagDevice: string(rd.DeviceID),
		tagSensor: string(rd.SensorID),
		tagType:   string(rd.Type),
	}
	fields := map[string]interface{}{
		fieldVal: rd.Value,
	}
	if err := r.writeAPI.WritePoint(ctx, influxdb2.NewPoint(r.measurement, tags, fields, t)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// ReadingsInRange returns the stored readings of a device in [start, end),
// oldest first, optionally restricted to some sensor types.
func (r *Repository) ReadingsInRange(ctx context.Context, deviceID string, start, end time.Time, types ...model.SensorType) ([]model.Reading, error) {
	res, err := r.queryAPI.Query(ctx, buildFlux(r.bucket, r.measurement, deviceID, start, end, types))
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer res.Close()

	out := make([]model.Reading, 0)
	for res.Next() {
		rec := res.Record()
		out = append(out, model.Reading{
			DeviceID:  model.NormalizeID(stringValue(rec.ValueByKey(tagDevice))),
			SensorID:  model.NormalizeID(stringValue(rec.ValueByKey(tagSensor))),
			Type:      model.SensorType(stringValue(rec.ValueByKey(tagType))),
			Value:     floatValue(rec.Value()),
			Timestamp: rec.Time().UTC(),
		})
	}
	if err := res.Err(); err != nil {
		return out, fmt.Errorf("influx result: %w", err)
	}
	return out, nil
}

func buildFlux(bucket, measurement, deviceID string, start, end time.Time, types []model.SensorType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %q and r._field == %q and r.%s == %q)\n", measurement, fieldVal, tagDevice, deviceID)
	if len(types) > 0 {
		conds := make([]string, len(types))
		for i, t := range types {
			conds[i] = fmt.Sprintf("r.%s == %q", tagType, string(t))
		}
		fmt.Fprintf(&b, "  |> filter(fn: (r) => %s)\n", strings.Join(conds, " or "))
	}
	b.WriteString("  |> group()\n")
	b.WriteString(`  |> sort(columns: ["_time"])` + "\n")
	return b.String()
}

func stringValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func floatValue(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return 0
}

func sanitizeMeasurement(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
