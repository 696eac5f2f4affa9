package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/cropsense/cropsense/internal/logger"
	"github.com/cropsense/cropsense/internal/model"
)

const maxBodyBytes = 1 << 20

// API exposes the service over HTTP.
type API struct {
	svc     *Service
	trusted []netip.Prefix
}

func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

// TrustProxies makes the API honour X-Forwarded-For on requests whose peer
// is inside one of the prefixes.
func (a *API) TrustProxies(prefixes []netip.Prefix) *API {
	a.trusted = prefixes
	return a
}

// Register mounts the routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sensor/readings", a.ingest)
	mux.HandleFunc("GET /sensor/readings", a.buffer)
	mux.HandleFunc("GET /sensor/readings/{deviceId}", a.deviceBuffer)

	mux.HandleFunc("GET /decision/{deviceId}", a.decision)
	mux.HandleFunc("GET /decision/{deviceId}/diagnosis", a.diagnosis)

	mux.HandleFunc("PUT /overrides/{deviceId}", a.setOverride)
	mux.HandleFunc("DELETE /overrides/{deviceId}", a.cancelOverride)
	mux.HandleFunc("GET /overrides/{deviceId}", a.getOverride)
	mux.HandleFunc("GET /overrides", a.listOverrides)

	mux.HandleFunc("GET /readings/{deviceId}/{start}/{end}", a.history)
}

func (a *API) ingest(w http.ResponseWriter, r *http.Request) {
	var msg model.IngestMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	res, err := a.svc.Ingest(r.Context(), msg.Batch(), msg.Meta(a.remoteIP(r), time.Time{}))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) buffer(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"readings": a.svc.Buffer()})
}

func (a *API) deviceBuffer(w http.ResponseWriter, r *http.Request) {
	id := model.NormalizeID(r.PathValue("deviceId"))
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "readings": a.svc.BufferFor(id)})
}

func (a *API) decision(w http.ResponseWriter, r *http.Request) {
	id := model.NormalizeID(r.PathValue("deviceId"))
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "irrigate": a.svc.Decision(id)})
}

func (a *API) diagnosis(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Diagnose(model.ID(r.PathValue("deviceId"))))
}

func (a *API) setOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *bool `json:"value"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body.Value == nil {
		writeError(w, http.StatusBadRequest, `body must be {"value": true|false}`)
		return
	}
	id := model.NormalizeID(r.PathValue("deviceId"))
	a.svc.SetOverride(id, *body.Value)
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "present": true, "value": *body.Value})
}

func (a *API) cancelOverride(w http.ResponseWriter, r *http.Request) {
	a.svc.CancelOverride(model.ID(r.PathValue("deviceId")))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getOverride(w http.ResponseWriter, r *http.Request) {
	id := model.NormalizeID(r.PathValue("deviceId"))
	v, ok := a.svc.Override(id)
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "present": ok, "value": v})
}

func (a *API) listOverrides(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Overrides())
}

// GET /readings/{deviceId}/{start}/{end}[?type=SoilHumidity&type=...]
func (a *API) history(w http.ResponseWriter, r *http.Request) {
	start, err := parseDate(r.PathValue("start"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseDate(r.PathValue("end"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	var types []model.SensorType
	for _, raw := range r.URL.Query()["type"] {
		t, err := model.ParseSensorType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		types = append(types, t)
	}

	out, err := a.svc.History(r.Context(), model.ID(r.PathValue("deviceId")), start, end, types...)
	if err != nil {
		logger.Warnf("api: history: %v", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	if out == nil {
		out = []model.Reading{}
	}
	writeJSON(w, http.StatusOK, out)
}

// parseDate accepts YYYY-MM-DD or RFC3339. A bare end date covers the whole
// day.
func parseDate(s string, end bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidReading), errors.Is(err, ErrEmptyBatch), errors.Is(err, ErrNoDevice):
		return http.StatusBadRequest
	case errors.Is(err, ErrHistoryUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

// remoteIP returns the client address. Behind trusted proxies it is the
// right-most X-Forwarded-For entry that is not itself a trusted proxy.
func (a *API) remoteIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if !a.isTrusted(peer) {
		return peer
	}

	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		for _, ip := range strings.Split(h, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				hops = append(hops, ip)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !a.isTrusted(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return peer
}

func (a *API) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
