package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropsense/cropsense/internal/model"
)

func newFlusher(repo TelemetryRepository, opts FlushOptions) (*ReadingBuffer, *FlushScheduler, *Metrics) {
	b := NewReadingBuffer()
	m := NewMetrics()
	return b, NewFlushScheduler(b, repo, opts, m), m
}

func TestFlushDropsFailedReading(t *testing.T) {
	repo := &fakeTelemetry{fail: func(r model.Reading) error {
		if r.SensorID == "2" {
			return errStoreDown
		}
		return nil
	}}
	b, f, m := newFlusher(repo, FlushOptions{})
	b.Upsert([]model.Reading{
		reading("7", "1", model.SoilHumidity, 15),
		reading("7", "2", model.AirHumidity, 60),
		reading("7", "3", model.Temperature, 22),
	})

	res, ok := f.Flush(context.Background())
	require.True(t, ok)

	assert.Equal(t, 3, res.Snapshot)
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Requeued)
	assert.Equal(t, 0, b.Len())

	stored := repo.Stored()
	require.Len(t, stored, 2)
	assert.Equal(t, model.ID("1"), stored[0].SensorID)
	assert.Equal(t, model.ID("3"), stored[1].SensorID)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.persisted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues(dropPersistError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushCycles))
	assert.Equal(t, res, f.LastResult())
	assert.NotEmpty(t, res.CycleID)
	assert.False(t, res.Lost())
}

func TestFlushRequeuesFailedWhenConfigured(t *testing.T) {
	repo := &fakeTelemetry{fail: func(model.Reading) error { return errStoreDown }}
	b, f, m := newFlusher(repo, FlushOptions{RequeueFailed: true})
	b.Upsert([]model.Reading{
		reading("7", "1", model.SoilHumidity, 15),
		reading("7", "2", model.AirHumidity, 60),
	})

	res, ok := f.Flush(context.Background())
	require.True(t, ok)
	assert.True(t, res.Lost())
	assert.Equal(t, 2, res.Requeued)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requeued))

	// the store recovers: the requeued readings go out on the next cycle
	repo.fail = nil
	res, _ = f.Flush(context.Background())
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 0, b.Len())
}

func TestFlushRecoversFromPanics(t *testing.T) {
	repo := &fakeTelemetry{fail: func(r model.Reading) error {
		if r.SensorID == "1" {
			panic("driver bug")
		}
		return nil
	}}
	b, f, _ := newFlusher(repo, FlushOptions{})
	b.Upsert([]model.Reading{
		reading("7", "1", model.SoilHumidity, 15),
		reading("7", "2", model.AirHumidity, 60),
	})

	res, ok := f.Flush(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.Failed)
}

func TestFlushItemTimeout(t *testing.T) {
	repo := &fakeTelemetry{block: make(chan struct{})}
	b, f, _ := newFlusher(repo, FlushOptions{ItemTimeout: 10 * time.Millisecond})
	b.Upsert([]model.Reading{reading("7", "1", model.SoilHumidity, 15)})

	res, ok := f.Flush(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, b.Len())
}

func TestFlushOverlapIsSkipped(t *testing.T) {
	repo := &fakeTelemetry{block: make(chan struct{})}
	b, f, m := newFlusher(repo, FlushOptions{ItemTimeout: time.Minute})
	b.Upsert([]model.Reading{reading("7", "1", model.SoilHumidity, 15)})

	require.True(t, f.tick(context.Background()))
	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, time.Millisecond)
	assert.True(t, f.Draining())

	// readings arriving during the drain wait for the next cycle
	b.Upsert([]model.Reading{reading("7", "2", model.AirHumidity, 60)})

	assert.False(t, f.tick(context.Background()))
	_, ok := f.Flush(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.flushSkipped))

	close(repo.block)
	f.wg.Wait()
	assert.False(t, f.Draining())
	assert.Equal(t, 1, b.Len())

	res, ok := f.Flush(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, res.Persisted)
	assert.Len(t, repo.Stored(), 2)
}

func TestRunDrainsOnTickAndShutdown(t *testing.T) {
	repo := &fakeTelemetry{}
	b, f, _ := newFlusher(repo, FlushOptions{Interval: 10 * time.Millisecond, OnShutdown: true})
	b.Upsert([]model.Reading{reading("7", "1", model.SoilHumidity, 15)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(repo.Stored()) == 1 }, time.Second, 5*time.Millisecond)

	b.Upsert([]model.Reading{reading("7", "2", model.AirHumidity, 60)})
	cancel()
	<-done

	// whatever was staged at shutdown has been written
	assert.Equal(t, 0, b.Len())
	assert.Len(t, repo.Stored(), 2)
}

func TestRunWithoutShutdownDrainLeavesBuffer(t *testing.T) {
	repo := &fakeTelemetry{}
	b, f, _ := newFlusher(repo, FlushOptions{Interval: time.Hour})
	b.Upsert([]model.Reading{reading("7", "1", model.SoilHumidity, 15)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.Run(ctx)

	assert.Equal(t, 1, b.Len())
	assert.Empty(t, repo.Stored())
}

func TestFlushEmptyBufferIsNotLost(t *testing.T) {
	_, f, _ := newFlusher(&fakeTelemetry{}, FlushOptions{})
	res, ok := f.Flush(context.Background())
	require.True(t, ok)
	assert.Equal(t, 0, res.Snapshot)
	assert.False(t, res.Lost())
}
