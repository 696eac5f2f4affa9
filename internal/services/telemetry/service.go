package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cropsense/cropsense/internal/logger"
	"github.com/cropsense/cropsense/internal/model"
)

var (
	ErrInvalidReading     = errors.New("invalid reading")
	ErrEmptyBatch         = errors.New("empty batch")
	ErrNoDevice           = errors.New("no device id")
	ErrHistoryUnavailable = errors.New("reading history not configured")
)

// TelemetryRepository is the durable store flushed readings go to.
type TelemetryRepository interface {
	PersistReading(ctx context.Context, r model.Reading) error
}

// DeviceRepository stores the communication state of devices.
type DeviceRepository interface {
	UpdateDeviceFields(ctx context.Context, deviceID string, fields map[string]any) error
}

// ReadingHistory serves the reporting queries.
type ReadingHistory interface {
	ReadingsInRange(ctx context.Context, deviceID string, start, end time.Time, types ...model.SensorType) ([]model.Reading, error)
}

// DecisionPublisher announces the decision taken after an ingest.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, ev model.DecisionEvent) error
}

type Options struct {
	// nil means DefaultThresholds; all zero disables automatic irrigation
	Thresholds *Thresholds
	Flush      FlushOptions
	History    ReadingHistory
	Devices    DeviceRepository
	Events     DecisionPublisher
	Metrics    *Metrics
}

// IngestResult is returned to the transport that delivered the batch.
type IngestResult struct {
	ID       string          `json:"id"`
	Buffer   []model.Reading `json:"readings"`
	DeviceID model.ID        `json:"device_id"`
	Decision bool            `json:"irrigate"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Service owns the buffer and the override map for the lifetime of the
// process and exposes the operations used by the transports.
type Service struct {
	buffer    *ReadingBuffer
	overrides *OverrideStore
	engine    *DecisionEngine
	devices   *DeviceStateUpdater
	flusher   *FlushScheduler
	history   ReadingHistory
	events    DecisionPublisher
	metrics   *Metrics
	now       func() time.Time
}

func NewService(repo TelemetryRepository, opts Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	th := DefaultThresholds()
	if opts.Thresholds != nil {
		th = *opts.Thresholds
	}
	buffer := NewReadingBuffer()
	overrides := NewOverrideStore()
	engine := NewDecisionEngine(buffer, overrides, th)
	engine.observe = opts.Metrics.observeDecision

	return &Service{
		buffer:    buffer,
		overrides: overrides,
		engine:    engine,
		devices:   NewDeviceStateUpdater(opts.Devices),
		flusher:   NewFlushScheduler(buffer, repo, opts.Flush, opts.Metrics),
		history:   opts.History,
		events:    opts.Events,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// Run drives the flush scheduler until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.flusher.Run(ctx)
}

// Ingest validates the batch, stages it, records the device metadata and
// evaluates the device. A failing device update or event publish becomes a
// warning; the staged readings stay.
func (s *Service) Ingest(ctx context.Context, readings []model.Reading, meta model.DeviceMeta) (IngestResult, error) {
	if len(readings) == 0 {
		return IngestResult{}, ErrEmptyBatch
	}
	now := s.now().UTC()
	meta.DeviceID = model.NormalizeID(string(meta.DeviceID))

	batch := make([]model.Reading, len(readings))
	for i, r := range readings {
		if r.DeviceID == "" {
			r.DeviceID = meta.DeviceID
		}
		r = r.Normalize(now)
		if err := r.Validate(); err != nil {
			return IngestResult{}, fmt.Errorf("%w: reading %d: %v", ErrInvalidReading, i, err)
		}
		batch[i] = r
	}

	deviceID := meta.DeviceID
	if deviceID == "" {
		deviceID = batch[0].DeviceID
	}
	if deviceID == "" {
		return IngestResult{}, ErrNoDevice
	}

	inserted, replaced := s.buffer.Upsert(batch)
	s.metrics.ingested.Add(float64(len(batch)))
	s.metrics.bufferReadings.Set(float64(s.buffer.Len()))
	logger.Debugf("ingest: device %s: %d new, %d replaced", deviceID, inserted, replaced)

	res := IngestResult{ID: uuid.NewString(), DeviceID: deviceID}

	meta.DeviceID = deviceID
	if meta.LastCommunication.IsZero() {
		meta.LastCommunication = now
	}
	if err := s.devices.Apply(ctx, deviceID, meta.Fields()); err != nil {
		s.metrics.deviceUpdateFailures.Inc()
		logger.Warnf("ingest: %v", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("device state not updated: %v", err))
	}

	d := s.engine.Diagnose(deviceID)
	res.Decision = d.NeedsIrrigation

	if s.events != nil {
		ev := model.DecisionEvent{DeviceID: deviceID, Irrigate: d.NeedsIrrigation, Status: d.Status, Timestamp: now}
		if err := s.events.PublishDecision(ctx, ev); err != nil {
			logger.Warnf("ingest: publish decision for %s: %v", deviceID, err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("decision not published: %v", err))
		}
	}

	res.Buffer = s.buffer.Snapshot()
	return res, nil
}

func (s *Service) Buffer() []model.Reading { return s.buffer.Snapshot() }

func (s *Service) BufferFor(deviceID model.ID) []model.Reading { return s.buffer.ForDevice(deviceID) }

func (s *Service) SetOverride(deviceID model.ID, value bool) {
	s.overrides.Set(deviceID, value)
	logger.Infof("override: device %s forced to %t", model.NormalizeID(string(deviceID)), value)
}

func (s *Service) CancelOverride(deviceID model.ID) {
	s.overrides.Cancel(deviceID)
	logger.Infof("override: device %s cancelled", model.NormalizeID(string(deviceID)))
}

func (s *Service) Override(deviceID model.ID) (value, ok bool) { return s.overrides.Get(deviceID) }

func (s *Service) Overrides() map[model.ID]bool { return s.overrides.Snapshot() }

func (s *Service) Decision(deviceID model.ID) bool { return s.engine.Evaluate(deviceID) }

func (s *Service) Diagnose(deviceID model.ID) model.Diagnosis { return s.engine.Diagnose(deviceID) }

// History queries the durable store; it never reads the buffer.
func (s *Service) History(ctx context.Context, deviceID model.ID, start, end time.Time, types ...model.SensorType) ([]model.Reading, error) {
	if s.history == nil {
		return nil, ErrHistoryUnavailable
	}
	id := model.NormalizeID(string(deviceID))
	if id == "" {
		return nil, ErrNoDevice
	}
	return s.history.ReadingsInRange(ctx, string(id), start, end, types...)
}

// Flush drains the buffer now, outside the ticker.
func (s *Service) Flush(ctx context.Context) (FlushResult, bool) { return s.flusher.Flush(ctx) }

func (s *Service) LastFlush() FlushResult { return s.flusher.LastResult() }

func (s *Service) Metrics() *Metrics { return s.metrics }
