package telemetry

import (
	"context"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServiceName is the name reported by the gRPC health service.
const GRPCServiceName = "cropsense.telemetry"

// Health reports liveness and readiness from the last flush cycle and the
// broker connection. A nil MQTT client means MQTT is disabled.
type Health struct {
	svc  *Service
	mqtt mqtt.Client
}

func NewHealth(svc *Service, client mqtt.Client) *Health {
	return &Health{svc: svc, mqtt: client}
}

type healthStatus struct {
	Status         string      `json:"status"`
	MQTTEnabled    bool        `json:"mqtt_enabled"`
	MQTTConnected  bool        `json:"mqtt_connected"`
	BufferReadings int         `json:"buffer_readings"`
	Draining       bool        `json:"draining"`
	LastFlush      FlushResult `json:"last_flush"`
	LastFlushAgeS  float64     `json:"last_flush_age_sec"`
}

func (h *Health) status() healthStatus {
	last := h.svc.LastFlush()
	st := healthStatus{
		MQTTEnabled:    h.mqtt != nil,
		MQTTConnected:  h.mqtt != nil && h.mqtt.IsConnectionOpen(),
		BufferReadings: h.svc.buffer.Len(),
		Draining:       h.svc.flusher.Draining(),
		LastFlush:      last,
	}
	if !last.Finished.IsZero() {
		st.LastFlushAgeS = time.Since(last.Finished).Seconds()
	}

	mqttOK := !st.MQTTEnabled || st.MQTTConnected
	switch {
	case mqttOK && !last.Lost():
		st.Status = "ok"
	case mqttOK || !last.Lost():
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	return st
}

// Ready is true when the broker is reachable (if used) and the last flush
// stored something or had nothing to store.
func (h *Health) Ready() bool {
	return h.status().Status == "ok"
}

// Healthz always answers 200 with the detailed status.
func (h *Health) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// Readyz answers 503 until Ready.
func (h *Health) Readyz(w http.ResponseWriter, _ *http.Request) {
	ready := h.Ready()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": ready})
}

func (h *Health) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// SyncGRPC mirrors readiness into the gRPC health server every interval
// until ctx is done, then marks the service NOT_SERVING.
func (h *Health) SyncGRPC(ctx context.Context, hs *health.Server, interval time.Duration) {
	set := func() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if h.Ready() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(GRPCServiceName, st)
		hs.SetServingStatus("", st)
	}
	set()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			set()
		}
	}
}
