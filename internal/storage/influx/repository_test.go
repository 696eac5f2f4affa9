package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropsense/cropsense/internal/config"
	"github.com/cropsense/cropsense/internal/model"
)

const queryCSV = `#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,dateTime:RFC3339,double,string,string,string,string,string
#group,false,false,true,true,false,false,true,true,false,false,false
#default,_result,,,,,,,,,,
,result,table,_start,_stop,_time,_value,_field,_measurement,device_id,sensor_id,sensor_type
,,0,2026-05-01T00:00:00Z,2026-05-02T00:00:00Z,2026-05-01T10:00:00Z,15,value,sensor_reading,7,1,SoilHumidity
,,0,2026-05-01T00:00:00Z,2026-05-02T00:00:00Z,2026-05-01T10:00:05Z,60.5,value,sensor_reading,7,2,AirHumidity

`

type influxStub struct {
	mu     sync.Mutex
	writes []string
	query  string
	status int
}

func (s *influxStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.URL.Path {
	case "/api/v2/write":
		if s.status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(s.status)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"bad point"}`))
			return
		}
		s.writes = append(s.writes, string(body))
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/query":
		s.query = string(body)
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(queryCSV))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newRepo(t *testing.T) (*Repository, *influxStub) {
	t.Helper()
	stub := &influxStub{}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	repo, err := New(config.InfluxConfig{URL: srv.URL, Token: "t", Org: "cropsense", Bucket: "telemetry"})
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo, stub
}

func TestPersistReadingWritesPoint(t *testing.T) {
	repo, stub := newRepo(t)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	err := repo.PersistReading(context.Background(), model.Reading{
		DeviceID: "7", SensorID: "1", Type: model.SoilHumidity, Value: 15.5, Timestamp: at,
	})
	require.NoError(t, err)

	require.Len(t, stub.writes, 1)
	line := strings.TrimSpace(stub.writes[0])
	assert.True(t, strings.HasPrefix(line, "sensor_reading,device_id=7,sensor_id=1,sensor_type=SoilHumidity value=15.5 "), line)
	assert.True(t, strings.HasSuffix(line, " 1777629600000000000"), line)
}

func TestPersistReadingError(t *testing.T) {
	repo, stub := newRepo(t)
	stub.status = http.StatusBadRequest
	err := repo.PersistReading(context.Background(), model.Reading{DeviceID: "7", SensorID: "1", Type: model.SoilHumidity})
	assert.Error(t, err)
}

func TestReadingsInRange(t *testing.T) {
	repo, stub := newRepo(t)
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	out, err := repo.ReadingsInRange(context.Background(), "7", start, start.Add(24*time.Hour), model.SoilHumidity, model.AirHumidity)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, model.Reading{
		DeviceID: "7", SensorID: "1", Type: model.SoilHumidity, Value: 15,
		Timestamp: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}, out[0])
	assert.Equal(t, 60.5, out[1].Value)

	assert.Contains(t, stub.query, `r.device_id == \"7\"`)
	assert.Contains(t, stub.query, `r.sensor_type == \"AirHumidity\"`)
}

func TestBuildFlux(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	q := buildFlux("telemetry", "sensor_reading", "7", start, start.Add(time.Hour), nil)

	assert.Contains(t, q, `from(bucket: "telemetry")`)
	assert.Contains(t, q, "range(start: 2026-05-01T00:00:00Z, stop: 2026-05-01T01:00:00Z)")
	assert.Contains(t, q, `r._measurement == "sensor_reading" and r._field == "value" and r.device_id == "7"`)
	assert.NotContains(t, q, "sensor_type")
	assert.Contains(t, q, `sort(columns: ["_time"])`)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(config.InfluxConfig{URL: "http://localhost:8086"})
	assert.Error(t, err)
}

func TestSanitizeMeasurement(t *testing.T) {
	assert.Equal(t, "sensor_reading_v2", sanitizeMeasurement("sensor reading/v2"))
}
