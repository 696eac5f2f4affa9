package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cropsense/cropsense/internal/logger"
	"github.com/cropsense/cropsense/internal/model"
)

// FlushOptions configures the FlushScheduler.
type FlushOptions struct {
	Interval      time.Duration
	ItemTimeout   time.Duration
	RequeueFailed bool
	OnShutdown    bool
	// bound for the final drain once Run's context is done
	ShutdownTimeout time.Duration
}

func DefaultFlushOptions() FlushOptions {
	return FlushOptions{
		Interval:        30 * time.Second,
		ItemTimeout:     5 * time.Second,
		OnShutdown:      true,
		ShutdownTimeout: 10 * time.Second,
	}
}

// FlushResult summarizes one drain.
type FlushResult struct {
	CycleID   string    `json:"cycle_id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Snapshot  int       `json:"snapshot"`
	Persisted int       `json:"persisted"`
	Failed    int       `json:"failed"`
	Requeued  int       `json:"requeued"`
}

// Lost reports whether the cycle had readings and none of them was stored.
func (r FlushResult) Lost() bool {
	return r.Snapshot > 0 && r.Persisted == 0
}

// FlushScheduler periodically drains the buffer into the telemetry store.
// A tick that arrives while a drain is running is skipped.
type FlushScheduler struct {
	buffer  *ReadingBuffer
	repo    TelemetryRepository
	opts    FlushOptions
	metrics *Metrics

	draining atomic.Bool
	wg       sync.WaitGroup

	mu   sync.RWMutex
	last FlushResult
}

func NewFlushScheduler(buffer *ReadingBuffer, repo TelemetryRepository, opts FlushOptions, metrics *Metrics) *FlushScheduler {
	def := DefaultFlushOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = def.ItemTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = def.ShutdownTimeout
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &FlushScheduler{buffer: buffer, repo: repo, opts: opts, metrics: metrics}
}

// Run ticks until ctx is done, then waits for the running drain and, if
// configured, drains once more.
func (f *FlushScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	logger.Infof("flush: every %s (requeue failed: %t)", f.opts.Interval, f.opts.RequeueFailed)
	for {
		select {
		case <-ctx.Done():
			f.wg.Wait()
			if f.opts.OnShutdown {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.ShutdownTimeout)
				if res, ok := f.Flush(sctx); ok {
					logger.Infof("flush: final cycle %s persisted %d/%d", res.CycleID, res.Persisted, res.Snapshot)
				}
				cancel()
			}
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

// tick starts a drain in the background unless one is running.
func (f *FlushScheduler) tick(ctx context.Context) bool {
	if !f.draining.CompareAndSwap(false, true) {
		f.metrics.flushSkipped.Inc()
		logger.Debugf("flush: previous cycle still running, tick skipped")
		return false
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.draining.Store(false)
		f.drain(context.WithoutCancel(ctx))
	}()
	return true
}

// Flush drains synchronously. ok is false when another drain is running.
func (f *FlushScheduler) Flush(ctx context.Context) (res FlushResult, ok bool) {
	if !f.draining.CompareAndSwap(false, true) {
		f.metrics.flushSkipped.Inc()
		return FlushResult{}, false
	}
	defer f.draining.Store(false)
	return f.drain(ctx), true
}

func (f *FlushScheduler) Draining() bool { return f.draining.Load() }

func (f *FlushScheduler) LastResult() FlushResult {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last
}

func (f *FlushScheduler) drain(ctx context.Context) FlushResult {
	res := FlushResult{CycleID: uuid.NewString(), Started: time.Now()}
	snapshot := f.buffer.SnapshotAndClear()
	res.Snapshot = len(snapshot)

	var failed []model.Reading
	for _, r := range snapshot {
		if err := f.persist(ctx, r); err != nil {
			logger.Warnf("flush: cycle %s: device %s sensor %s: %v", res.CycleID, r.DeviceID, r.SensorID, err)
			failed = append(failed, r)
			continue
		}
		res.Persisted++
	}
	res.Failed = len(failed)
	f.metrics.persisted.Add(float64(res.Persisted))

	if len(failed) > 0 {
		if f.opts.RequeueFailed {
			res.Requeued = f.buffer.Requeue(failed)
			f.metrics.requeued.Add(float64(res.Requeued))
			f.metrics.dropped.WithLabelValues(dropSuperseded).Add(float64(res.Failed - res.Requeued))
		} else {
			f.metrics.dropped.WithLabelValues(dropPersistError).Add(float64(res.Failed))
		}
	}

	res.Finished = time.Now()
	f.metrics.flushCycles.Inc()
	f.metrics.flushDuration.Observe(res.Finished.Sub(res.Started).Seconds())
	f.metrics.bufferReadings.Set(float64(f.buffer.Len()))

	switch {
	case res.Lost():
		logger.Errorf("flush: cycle %s: all %d readings failed (requeued %d)", res.CycleID, res.Snapshot, res.Requeued)
	case res.Failed > 0:
		logger.Warnf("flush: cycle %s: persisted %d, failed %d, requeued %d", res.CycleID, res.Persisted, res.Failed, res.Requeued)
	case res.Snapshot > 0:
		logger.Infof("flush: cycle %s: persisted %d readings in %s", res.CycleID, res.Persisted, res.Finished.Sub(res.Started))
	default:
		logger.Debugf("flush: cycle %s: buffer empty", res.CycleID)
	}

	f.mu.Lock()
	f.last = res
	f.mu.Unlock()
	return res
}

// persist writes one reading. A panic in the store counts as that reading's
// failure only.
func (f *FlushScheduler) persist(ctx context.Context, r model.Reading) (err error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.ItemTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return f.repo.PersistReading(ctx, r)
}
